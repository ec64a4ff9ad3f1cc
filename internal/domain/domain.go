package domain

// Checkpoint is one gate in the fixed validation sequence.
type Checkpoint string

const (
	C0Comprehension  Checkpoint = "C0_COMPREHENSION"
	C1Plan           Checkpoint = "C1_PLAN"
	C2Implementation Checkpoint = "C2_IMPLEMENTATION"
	C3PR             Checkpoint = "C3_PR"
	C4Postmerge      Checkpoint = "C4_POSTMERGE"
)

// Sequence is the only legal ordering of checkpoints.
var Sequence = []Checkpoint{C0Comprehension, C1Plan, C2Implementation, C3PR, C4Postmerge}

// Next returns the successor checkpoint, or "" when cp is the last gate.
func (cp Checkpoint) Next() Checkpoint {
	for i, c := range Sequence {
		if c == cp && i+1 < len(Sequence) {
			return Sequence[i+1]
		}
	}
	return ""
}

// Prev returns the predecessor checkpoint, or "" when cp is the first gate.
func (cp Checkpoint) Prev() Checkpoint {
	for i, c := range Sequence {
		if c == cp && i > 0 {
			return Sequence[i-1]
		}
	}
	return ""
}

// Valid reports whether cp names a known checkpoint.
func (cp Checkpoint) Valid() bool {
	for _, c := range Sequence {
		if c == cp {
			return true
		}
	}
	return false
}

// Role is an agent role in the delivery pipeline.
type Role string

const (
	RoleManager     Role = "manager"
	RolePlanner     Role = "planner"
	RoleImplementer Role = "implementer"
	RoleTester      Role = "tester"
	RoleReviewer    Role = "reviewer"
)

// OwnerRole maps a checkpoint to the role responsible for passing it.
func OwnerRole(cp Checkpoint) Role {
	switch cp {
	case C0Comprehension:
		return RoleManager
	case C1Plan:
		return RolePlanner
	case C2Implementation:
		return RoleImplementer
	case C3PR:
		return RoleTester
	case C4Postmerge:
		return RoleReviewer
	}
	return ""
}

// Task statuses.
const (
	StatusActive     = "active"
	StatusEscalated  = "escalated"
	StatusRolledBack = "rolled_back"
	StatusCompleted  = "completed"
	StatusAbandoned  = "abandoned"
)

// TerminalStatus reports whether a task can no longer change.
func TerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusAbandoned
}

// Escalation decisions.
const (
	DecisionApproved    = "approved"
	DecisionRejected    = "rejected"
	DecisionNeedsRework = "needs-rework"
)

type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Checkpoint  Checkpoint `json:"checkpoint" enum:"C0_COMPREHENSION,C1_PLAN,C2_IMPLEMENTATION,C3_PR,C4_POSTMERGE"`
	Status      string     `json:"status" enum:"active,escalated,rolled_back,completed,abandoned"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
	CompletedAt *string    `json:"completed_at,omitempty" format:"date-time"`
}

// Proof is an immutable artifact attached to a (task, checkpoint) pair.
type Proof struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	Checkpoint  Checkpoint `json:"checkpoint"`
	Kind        string     `json:"kind"`
	Result      string     `json:"result" enum:"pass,fail"`
	Ref         string     `json:"ref,omitempty"`
	SubmittedBy Role       `json:"submitted_by"`
	SubmittedAt string     `json:"submitted_at" format:"date-time"`
}

// Proof results. A failing signal is recorded but never satisfies a criterion.
const (
	ResultPass = "pass"
	ResultFail = "fail"
)

type Escalation struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Checkpoint Checkpoint `json:"checkpoint"`
	Reason     string     `json:"reason"`
	RiskTag    string     `json:"risk_tag,omitempty"`
	RaisedAt   string     `json:"raised_at" format:"date-time"`
	Decision   *string    `json:"decision,omitempty" enum:"approved,rejected,needs-rework"`
	ResolvedAt *string    `json:"resolved_at,omitempty" format:"date-time"`
}

// Resolved reports whether a decision has been recorded.
func (e Escalation) Resolved() bool { return e.Decision != nil }

// Handoff is an append-only record of a role transition on checkpoint pass.
type Handoff struct {
	ID                  string     `json:"id"`
	TaskID              string     `json:"task_id"`
	FromRole            Role       `json:"from_role"`
	ToRole              Role       `json:"to_role"`
	CheckpointCompleted Checkpoint `json:"checkpoint_completed"`
	ProofRefs           []string   `json:"proof_refs"`
	TS                  string     `json:"ts" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
