package escrow

import "errors"

// 协议错误
var (
	ErrAlreadyExists            = errors.New("record already exists")
	ErrUnauthorized             = errors.New("unauthorized access")
	ErrProjectAlreadyAccepted   = errors.New("project has already been accepted")
	ErrProjectNotAccepted       = errors.New("project has not been accepted yet")
	ErrMilestoneAlreadyReleased = errors.New("milestone has already been released")
	ErrInvalidFreelancer        = errors.New("invalid freelancer specified")
	ErrInsufficientFunds        = errors.New("insufficient funds")
)

// 查询与参数错误
var (
	ErrNotFound        = errors.New("record not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrMintMismatch    = errors.New("token accounts belong to different mints")
	ErrUnknownMint     = errors.New("unknown token mint")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrAlreadyExists, "AlreadyExists"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrProjectAlreadyAccepted, "ProjectAlreadyAccepted"},
	{ErrProjectNotAccepted, "ProjectNotAccepted"},
	{ErrMilestoneAlreadyReleased, "MilestoneAlreadyReleased"},
	{ErrInvalidFreelancer, "InvalidFreelancer"},
	{ErrInsufficientFunds, "InsufficientFunds"},
	{ErrNotFound, "NotFound"},
	{ErrInvalidArgument, "InvalidArgument"},
	{ErrMintMismatch, "MintMismatch"},
	{ErrUnknownMint, "UnknownMint"},
}

// Kind 返回错误对应的稳定名称；非协议错误返回 "Internal"
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// IsRejection reports whether err is a protocol rejection rather than an
// infrastructure failure.
func IsRejection(err error) bool {
	k := Kind(err)
	return k != "" && k != "Internal"
}
