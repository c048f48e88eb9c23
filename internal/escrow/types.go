package escrow

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Identity 由宿主环境验证过的调用方身份（签名校验不在本包内完成）
type Identity string

// Mint 代币 mint 标识
type Mint string

// Key 由 Derive 计算出的确定性地址
type Key [32]byte

// IsZero 判断 key 是否未设置
func (k Key) IsZero() bool {
	return k == Key{}
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey 解析 64 位十六进制字符串
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("%w: key %q is not hex", ErrInvalidArgument, s)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("%w: key %q must be %d bytes", ErrInvalidArgument, s, len(k))
	}
	copy(k[:], b)
	return k, nil
}

// ProjectStatus 项目状态，只能 Created → Accepted
type ProjectStatus uint8

const (
	ProjectCreated ProjectStatus = iota + 1
	ProjectAccepted
)

func (s ProjectStatus) String() string {
	switch s {
	case ProjectCreated:
		return "created"
	case ProjectAccepted:
		return "accepted"
	default:
		return fmt.Sprintf("project_status(%d)", uint8(s))
	}
}

func (s ProjectStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseProjectStatus parses the persisted form written by String.
func ParseProjectStatus(s string) (ProjectStatus, error) {
	switch s {
	case "created":
		return ProjectCreated, nil
	case "accepted":
		return ProjectAccepted, nil
	}
	return 0, fmt.Errorf("unknown project status %q", s)
}

// MilestoneStatus 里程碑状态，只能 Pending → Released
type MilestoneStatus uint8

const (
	MilestonePending MilestoneStatus = iota + 1
	MilestoneReleased
)

func (s MilestoneStatus) String() string {
	switch s {
	case MilestonePending:
		return "pending"
	case MilestoneReleased:
		return "released"
	default:
		return fmt.Sprintf("milestone_status(%d)", uint8(s))
	}
}

func (s MilestoneStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseMilestoneStatus parses the persisted form written by String.
func ParseMilestoneStatus(s string) (MilestoneStatus, error) {
	switch s {
	case "pending":
		return MilestonePending, nil
	case "released":
		return MilestoneReleased, nil
	}
	return 0, fmt.Errorf("unknown milestone status %q", s)
}

// MaxProjectIDLen 项目标签的最大字节数
const MaxProjectIDLen = 32

// Project 托管协议：一个 client，最终一个 freelancer
type Project struct {
	Key        Key           `json:"key"`
	Client     Identity      `json:"client"`
	Freelancer *Identity     `json:"freelancer,omitempty"`
	Status     ProjectStatus `json:"status"`
	ProjectID  string        `json:"project_id"`
	Mint       Mint          `json:"mint"`
	Vault      Key           `json:"vault"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Clone returns a copy that shares nothing mutable with p.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	if p.Freelancer != nil {
		f := *p.Freelancer
		c.Freelancer = &f
	}
	return &c
}

// Milestone 单独注资、单独放款的工作单元
type Milestone struct {
	Key         Key             `json:"key"`
	Project     Key             `json:"project"`
	MilestoneID uint8           `json:"milestone_id"`
	Amount      uint64          `json:"amount"`
	Status      MilestoneStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// OwnerKind distinguishes accounts held by a verified identity from accounts
// held by a derived authority.
type OwnerKind uint8

const (
	OwnerIdentity OwnerKind = iota + 1
	OwnerDerived
)

func (k OwnerKind) String() string {
	switch k {
	case OwnerIdentity:
		return "identity"
	case OwnerDerived:
		return "derived"
	default:
		return fmt.Sprintf("owner_kind(%d)", uint8(k))
	}
}

func (k OwnerKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Owner 代币账户的持有者
type Owner struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

// IdentityOwner 由身份持有的账户
func IdentityOwner(id Identity) Owner {
	return Owner{Kind: OwnerIdentity, ID: string(id)}
}

// DerivedOwner 由派生权限持有的账户（例如 vault authority）
func DerivedOwner(k Key) Owner {
	return Owner{Kind: OwnerDerived, ID: k.String()}
}

func (o Owner) String() string {
	return o.Kind.String() + ":" + o.ID
}

// MintInfo 代币 mint 元数据
type MintInfo struct {
	Mint      Mint      `json:"mint"`
	Authority Identity  `json:"authority"`
	Decimals  uint8     `json:"decimals"`
	Supply    uint64    `json:"supply"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenAccount 托管/持有代币的账户
type TokenAccount struct {
	Address   Key       `json:"address"`
	Owner     Owner     `json:"owner"`
	Mint      Mint      `json:"mint"`
	Balance   uint64    `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (a *TokenAccount) Clone() *TokenAccount {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}
