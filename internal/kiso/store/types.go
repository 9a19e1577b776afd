package store

import "time"

// Session is a conversation scope identified by an external, connector-chosen
// id matching ^[A-Za-z0-9_@.-]{1,255}$.
type Session struct {
	ID          string
	WebhookURL  string
	Connector   string
	Description string
	Summary     string
	CancelFlag  bool
	// LastSummarizedMessageID is the id of the newest message already folded
	// into Summary, the watermark §4.6 step 3's message count is measured
	// from.
	LastSummarizedMessageID int64
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// MessageRole distinguishes who produced a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is one inbound or outbound line of conversation.
type Message struct {
	ID        int64
	SessionID string
	UserID    string
	Role      MessageRole
	Content   string
	Trusted   bool
	Processed bool
	CreatedAt time.Time
}

// PlanStatus is the plan lifecycle state.
type PlanStatus string

const (
	PlanRunning   PlanStatus = "running"
	PlanDone      PlanStatus = "done"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// Plan is one planner invocation's worth of tasks for a single message.
type Plan struct {
	ID           int64
	SessionID    string
	MessageID    int64
	ParentID     *int64
	Goal         string
	Status       PlanStatus
	ExtendReplan int
	InputTokens  int64
	OutputTokens int64
	Model        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TaskType is the kind of work a task performs.
type TaskType string

const (
	TaskExec    TaskType = "exec"
	TaskSkill   TaskType = "skill"
	TaskMsg     TaskType = "msg"
	TaskSearch  TaskType = "search"
	TaskReplan  TaskType = "replan"
)

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one step of a plan.
type Task struct {
	ID             int64
	PlanID         int64
	Index          int
	Type           TaskType
	Detail         string
	Skill          *string
	Args           *string
	Expect         *string
	Command        *string
	Status         TaskStatus
	Output         string
	Stderr         string
	ReviewedOK     bool
	DeliveredFinal bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FactCategory scopes a fact's visibility.
type FactCategory string

const (
	FactProject FactCategory = "project"
	FactUser    FactCategory = "user"
	FactTool    FactCategory = "tool"
	FactGeneral FactCategory = "general"
)

// Fact is a durable piece of knowledge surfaced to the planner/curator.
type Fact struct {
	ID         int64
	Content    string
	Category   FactCategory
	Confidence float64
	UseCount   int64
	LastUsed   *time.Time
	SessionID  string
	CreatedAt  time.Time
}

// LearningStatus tracks a reviewer-emitted learning through curation.
type LearningStatus string

const (
	LearningPending   LearningStatus = "pending"
	LearningPromoted  LearningStatus = "promoted"
	LearningAsked     LearningStatus = "asked"
	LearningDiscarded LearningStatus = "discarded"
)

// Learning is a candidate fact or question proposed by the reviewer.
type Learning struct {
	ID        int64
	Content   string
	SessionID string
	Status    LearningStatus
	Reason    *string
	CreatedAt time.Time
}

// PendingScope controls visibility of a pending item.
type PendingScope string

const (
	PendingGlobal  PendingScope = "global"
	PendingSession PendingScope = "session"
)

// PendingStatus tracks a pending item's disposition.
type PendingStatus string

const (
	PendingOpen     PendingStatus = "open"
	PendingAnswered PendingStatus = "answered"
	PendingDropped  PendingStatus = "dropped"
)

// PendingItem is a curator "ask" verdict awaiting a human answer.
type PendingItem struct {
	ID        int64
	Scope     PendingScope
	SessionID string
	Question  string
	Status    PendingStatus
	CreatedAt time.Time
}

// PublishedFile is a session-workspace file addressable by an unauthenticated
// token.
type PublishedFile struct {
	ID        string
	SessionID string
	Filename  string
	DiskPath  string
	CreatedAt time.Time
}
