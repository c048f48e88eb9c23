package escrow

import (
	"encoding/binary"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// 派生标签
const (
	TagProject        = "project"
	TagMilestone      = "milestone"
	TagVaultToken     = "vault_token"
	TagVaultAuthority = "vault_auth"
	TagAssociated     = "ata"
)

// Derive 计算 (tag, parts...) 的确定性地址。
// 每个分段都带长度前缀，("ab","c") 与 ("a","bc") 不会碰撞。
func Derive(tag string, parts ...[]byte) Key {
	h, err := blake2b.New256(nil)
	if err != nil {
		// only fails for an oversized MAC key, and none is passed
		panic(err)
	}
	writeSegment(h, []byte(tag))
	for _, p := range parts {
		writeSegment(h, p)
	}
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

func writeSegment(h hash.Hash, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// ProjectKey 每个 client 身份唯一的项目地址
func ProjectKey(client Identity) Key {
	return Derive(TagProject, []byte(client))
}

// MilestoneKey 项目内按 milestoneID 划分的里程碑地址
func MilestoneKey(project Key, milestoneID uint8) Key {
	return Derive(TagMilestone, project[:], []byte{milestoneID})
}

// VaultAddress 项目托管代币账户地址
func VaultAddress(project Key) Key {
	return Derive(TagVaultToken, project[:])
}

// VaultAuthority 有权从 vault 转出的派生权限
func VaultAuthority(project Key) Key {
	return Derive(TagVaultAuthority, project[:])
}

// AssociatedAccount 某持有者在某 mint 下的默认代币账户地址
func AssociatedAccount(owner Owner, mint Mint) Key {
	return Derive(TagAssociated, []byte(owner.String()), []byte(mint))
}
