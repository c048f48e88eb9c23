package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role       string
		permission string
		want       bool
	}{
		{RoleUser, PermissionEscrowWrite, true},
		{RoleUser, PermissionMintCreate, false},
		{RoleUser, PermissionOutboxReplay, false},
		{RoleAdmin, PermissionMintIssue, true},
		{RoleAdmin, PermissionEscrowRead, true},
		{"", PermissionEscrowRead, true},
		{"superuser", PermissionMintCreate, false},
	}
	for _, tt := range tests {
		t.Run(tt.role+"/"+tt.permission, func(t *testing.T) {
			assert.Equal(t, tt.want, HasPermission(tt.role, tt.permission))
		})
	}
}

func TestCheckPermissionError(t *testing.T) {
	err := CheckPermission("alice", "", PermissionMintCreate)
	var denied *PermissionDeniedError
	if assert.ErrorAs(t, err, &denied) {
		assert.Equal(t, "alice", denied.Identity)
		assert.Equal(t, RoleUser, denied.Role)
	}
	assert.NoError(t, CheckPermission("root", RoleAdmin, PermissionMintCreate))
}

func TestIsValidRole(t *testing.T) {
	assert.True(t, IsValidRole(RoleUser))
	assert.True(t, IsValidRole(RoleAdmin))
	assert.False(t, IsValidRole(""))
	assert.False(t, IsValidRole("operator"))
}
