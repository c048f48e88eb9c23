package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"trustfund/internal/escrow"
)

// gin context 中由认证中间件写入的键
const (
	IdentityKey  = "identity"
	RoleKey      = "role"
	ErrorKindKey = "error_kind"
)

// Invoker 返回已验证的调用方身份
func Invoker(c *gin.Context) escrow.Identity {
	if v, ok := c.Get(IdentityKey); ok {
		if id, ok := v.(string); ok {
			return escrow.Identity(id)
		}
	}
	return ""
}

var kindStatus = map[string]int{
	"NotFound":                 http.StatusNotFound,
	"AlreadyExists":            http.StatusConflict,
	"ProjectAlreadyAccepted":   http.StatusConflict,
	"MilestoneAlreadyReleased": http.StatusConflict,
	"Unauthorized":             http.StatusForbidden,
	"ProjectNotAccepted":       http.StatusUnprocessableEntity,
	"InvalidFreelancer":        http.StatusUnprocessableEntity,
	"InsufficientFunds":        http.StatusUnprocessableEntity,
	"MintMismatch":             http.StatusUnprocessableEntity,
	"UnknownMint":              http.StatusUnprocessableEntity,
	"InvalidArgument":          http.StatusBadRequest,
}

// StatusOf 错误类型对应的 HTTP 状态码
func StatusOf(err error) int {
	if status, ok := kindStatus[escrow.Kind(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeError 按错误类型写出 {"error", "kind"}；内部错误不回显细节
func writeError(c *gin.Context, err error) {
	kind := escrow.Kind(err)
	status := StatusOf(err)
	c.Set(ErrorKindKey, kind)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg, "kind": kind})
}

func badRequest(c *gin.Context, msg string) {
	c.Set(ErrorKindKey, "InvalidArgument")
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "kind": "InvalidArgument"})
}

// keyParam 解析路径中的十六进制 key
func keyParam(c *gin.Context, name string) (escrow.Key, bool) {
	k, err := escrow.ParseKey(c.Param(name))
	if err != nil {
		badRequest(c, err.Error())
		return escrow.Key{}, false
	}
	return k, true
}

// optionalKey 解析可选的 key 字段，空串表示使用默认账户
func optionalKey(s string) (escrow.Key, error) {
	if s == "" {
		return escrow.Key{}, nil
	}
	k, err := escrow.ParseKey(s)
	if err != nil {
		return escrow.Key{}, err
	}
	if k.IsZero() {
		return escrow.Key{}, errors.Join(escrow.ErrInvalidArgument, errors.New("zero key"))
	}
	return k, nil
}
