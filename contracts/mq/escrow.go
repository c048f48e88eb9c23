package mq

import "time"

// 托管事件 routing key
const (
	RoutingProjectInitialized = "escrow.project.initialized"
	RoutingMilestoneAdded     = "escrow.milestone.added"
	RoutingProjectAccepted    = "escrow.project.accepted"
	RoutingMilestoneReleased  = "escrow.milestone.released"

	// RoutingMilestonePattern 审计消费者绑定的 topic 模式
	RoutingMilestonePattern = "escrow.milestone.*"
)

// EventMeta 所有托管事件共有的字段
type EventMeta struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	Project    string    `json:"project"`
	OccurredAt time.Time `json:"occurred_at"`
	TraceID    string    `json:"trace_id,omitempty"`
}

type ProjectInitializedPayload struct {
	EventMeta
	Client    string `json:"client"`
	ProjectID string `json:"project_id"`
	Mint      string `json:"mint"`
	Vault     string `json:"vault"`
}

type MilestoneAddedPayload struct {
	EventMeta
	Milestone   string `json:"milestone"`
	MilestoneID uint8  `json:"milestone_id"`
	Amount      uint64 `json:"amount"`
	Source      string `json:"source"`
}

type ProjectAcceptedPayload struct {
	EventMeta
	Freelancer string `json:"freelancer"`
}

type MilestoneReleasedPayload struct {
	EventMeta
	Milestone   string `json:"milestone"`
	MilestoneID uint8  `json:"milestone_id"`
	Amount      uint64 `json:"amount"`
	Freelancer  string `json:"freelancer"`
	Destination string `json:"destination"`
}
