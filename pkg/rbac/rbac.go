package rbac

import "slices"

// 权限常量
const (
	// 托管操作，所有已认证身份都具备
	PermissionEscrowWrite = "escrow:write"
	PermissionEscrowRead  = "escrow:read"

	// 管理操作
	PermissionMintCreate   = "mint:create"
	PermissionMintIssue    = "mint:issue"
	PermissionOutboxReplay = "outbox:replay"
)

// 角色常量
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleUser: {
		PermissionEscrowWrite,
		PermissionEscrowRead,
	},
	RoleAdmin: {
		PermissionEscrowWrite,
		PermissionEscrowRead,
		PermissionMintCreate,
		PermissionMintIssue,
		PermissionOutboxReplay,
	},
}

// NormalizeRole 未知或空角色按 user 处理
func NormalizeRole(role string) string {
	if _, ok := rolePermissions[role]; ok {
		return role
	}
	return RoleUser
}

// IsValidRole 是否为已定义角色
func IsValidRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role string, permission string) bool {
	return slices.Contains(rolePermissions[NormalizeRole(role)], permission)
}

// CheckPermission 检查身份是否有指定权限（返回错误而不是布尔值，便于处理）
func CheckPermission(identity, role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			Identity:   identity,
			Role:       NormalizeRole(role),
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	Identity   string
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions: " + e.Permission + " requires a role other than " + e.Role
}
