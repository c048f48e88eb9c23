package escrow

// Signer 代币转账的授权能力。
// 身份签名者任何人都能构造（身份已由宿主验证）；派生权限签名者只能在本包内构造，
// 所以 vault 只能被 Engine 借记。
type Signer struct {
	owner Owner
}

// IdentitySigner 以已验证身份作为签名者
func IdentitySigner(id Identity) Signer {
	return Signer{owner: IdentityOwner(id)}
}

// vaultSigner 项目 vault 的派生权限签名者
func vaultSigner(project Key) Signer {
	return Signer{owner: DerivedOwner(VaultAuthority(project))}
}

// Owner returns the account owner this signer may debit for.
func (s Signer) Owner() Owner {
	return s.owner
}

// CanDebit reports whether the signer controls the account.
func (s Signer) CanDebit(acct *TokenAccount) bool {
	if acct == nil || s.owner.Kind == 0 {
		return false
	}
	return acct.Owner == s.owner
}
