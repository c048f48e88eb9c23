package escrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveIsDeterministic(t *testing.T) {
	a := Derive(TagProject, []byte("client-a"))
	b := Derive(TagProject, []byte("client-a"))
	assert.Equal(t, a, b)
	assert.False(t, a.IsZero())
}

func TestDeriveSeparatesTagsAndSegments(t *testing.T) {
	assert.NotEqual(t, Derive(TagProject, []byte("x")), Derive(TagMilestone, []byte("x")))
	assert.NotEqual(t, Derive("t", []byte("ab"), []byte("c")), Derive("t", []byte("a"), []byte("bc")))
	assert.NotEqual(t, Derive("t", []byte("abc")), Derive("t", []byte("ab"), []byte("c")))
}

func TestMilestoneKeysAreScopedPerProject(t *testing.T) {
	p1, p2 := ProjectKey("alice"), ProjectKey("bob")
	assert.NotEqual(t, MilestoneKey(p1, 1), MilestoneKey(p2, 1))
	assert.NotEqual(t, MilestoneKey(p1, 1), MilestoneKey(p1, 2))
	assert.Equal(t, MilestoneKey(p1, 7), MilestoneKey(p1, 7))
}

func TestVaultKeysDifferFromProject(t *testing.T) {
	p := ProjectKey("alice")
	assert.NotEqual(t, p, VaultAddress(p))
	assert.NotEqual(t, VaultAddress(p), VaultAuthority(p))
}

func TestAssociatedAccountDependsOnOwnerKind(t *testing.T) {
	auth := VaultAuthority(ProjectKey("alice"))
	// 身份字符串恰好等于派生权限的十六进制时，仍是不同的持有者
	spoof := IdentityOwner(Identity(auth.String()))
	assert.NotEqual(t, AssociatedAccount(DerivedOwner(auth), "USDC"), AssociatedAccount(spoof, "USDC"))
	assert.NotEqual(t, AssociatedAccount(spoof, "USDC"), AssociatedAccount(spoof, "EURC"))
}

func TestKeyTextRoundTrip(t *testing.T) {
	k := ProjectKey("alice")
	text, err := k.MarshalText()
	require.NoError(t, err)

	var back Key
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, k, back)

	_, err = ParseKey("zz")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = ParseKey("abcd")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSignerCapability(t *testing.T) {
	project := ProjectKey("alice")
	vault := &TokenAccount{Address: VaultAddress(project), Owner: DerivedOwner(VaultAuthority(project)), Mint: "USDC"}

	assert.True(t, vaultSigner(project).CanDebit(vault))
	assert.False(t, vaultSigner(ProjectKey("bob")).CanDebit(vault))
	assert.False(t, IdentitySigner("alice").CanDebit(vault))
	assert.False(t, IdentitySigner(Identity(VaultAuthority(project).String())).CanDebit(vault))
	assert.False(t, Signer{}.CanDebit(vault))
	assert.False(t, IdentitySigner("alice").CanDebit(nil))
}

func TestKind(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "MilestoneAlreadyReleased", Kind(ErrMilestoneAlreadyReleased))
	assert.True(t, IsRejection(ErrUnauthorized))
	assert.False(t, IsRejection(assert.AnError))
}
