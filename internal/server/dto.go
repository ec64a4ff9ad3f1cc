package server

import (
	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/engine"
)

// Request payloads

type CreateTaskRequest struct {
	Title string `json:"title"`
}

type ProofRequest struct {
	Kind        string `json:"kind"`
	Result      string `json:"result,omitempty" enum:"pass,fail"`
	Ref         string `json:"ref,omitempty"`
	SubmittedBy string `json:"submitted_by,omitempty" enum:"manager,planner,implementer,tester,reviewer"`
}

type SubmitProofsRequest struct {
	Checkpoint string         `json:"checkpoint" enum:"C0_COMPREHENSION,C1_PLAN,C2_IMPLEMENTATION,C3_PR,C4_POSTMERGE"`
	Proofs     []ProofRequest `json:"proofs"`
}

type EscalateRequest struct {
	Reason  string `json:"reason"`
	RiskTag string `json:"risk_tag,omitempty"`
}

type ResolveEscalationRequest struct {
	Decision string `json:"decision" enum:"approved,rejected,needs-rework"`
}

// Response payloads

type TaskResponse struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Checkpoint  string  `json:"checkpoint" enum:"C0_COMPREHENSION,C1_PLAN,C2_IMPLEMENTATION,C3_PR,C4_POSTMERGE"`
	Status      string  `json:"status" enum:"active,escalated,rolled_back,completed,abandoned"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type TaskViewResponse struct {
	Task           TaskResponse        `json:"task"`
	Attempts       map[string]int      `json:"attempts"`
	OpenEscalation *EscalationResponse `json:"open_escalation,omitempty"`
}

type EvaluationResponse struct {
	Outcome   string       `json:"outcome" enum:"pass,retry,escalate,rollback"`
	Satisfied bool         `json:"satisfied"`
	Missing   []string     `json:"missing"`
	Attempts  int          `json:"attempts"`
	Task      TaskResponse `json:"task"`
}

type ProofResponse struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	Checkpoint  string `json:"checkpoint"`
	Kind        string `json:"kind"`
	Result      string `json:"result" enum:"pass,fail"`
	Ref         string `json:"ref,omitempty"`
	SubmittedBy string `json:"submitted_by"`
	SubmittedAt string `json:"submitted_at" format:"date-time"`
}

type EscalationResponse struct {
	ID         string  `json:"id"`
	TaskID     string  `json:"task_id"`
	Checkpoint string  `json:"checkpoint"`
	Reason     string  `json:"reason"`
	RiskTag    string  `json:"risk_tag,omitempty"`
	RaisedAt   string  `json:"raised_at" format:"date-time"`
	Decision   *string `json:"decision,omitempty" enum:"approved,rejected,needs-rework"`
	ResolvedAt *string `json:"resolved_at,omitempty" format:"date-time"`
}

type HandoffResponse struct {
	ID                  string   `json:"id"`
	TaskID              string   `json:"task_id"`
	FromRole            string   `json:"from_role"`
	ToRole              string   `json:"to_role"`
	CheckpointCompleted string   `json:"checkpoint_completed"`
	ProofRefs           []string `json:"proof_refs"`
	TS                  string   `json:"ts" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type ChecklistResponse struct {
	Checkpoints map[string][]CriterionResponse `json:"checkpoints"`
}

type CriterionResponse struct {
	ID     string   `json:"id"`
	Accept []string `json:"accept"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Title:       t.Title,
		Checkpoint:  string(t.Checkpoint),
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func taskViewResponse(v engine.TaskView) TaskViewResponse {
	attempts := map[string]int{}
	for cp, n := range v.Attempts {
		attempts[string(cp)] = n
	}
	res := TaskViewResponse{Task: taskResponse(v.Task), Attempts: attempts}
	if v.OpenEscalation != nil {
		esc := escalationResponse(*v.OpenEscalation)
		res.OpenEscalation = &esc
	}
	return res
}

func evaluationResponse(r engine.EvaluationResult) EvaluationResponse {
	return EvaluationResponse{
		Outcome:   string(r.Outcome),
		Satisfied: r.Satisfied,
		Missing:   nonNilSlice(r.Missing),
		Attempts:  r.Attempts,
		Task:      taskResponse(r.Task),
	}
}

func proofResponse(p domain.Proof) ProofResponse {
	return ProofResponse{
		ID:          p.ID,
		TaskID:      p.TaskID,
		Checkpoint:  string(p.Checkpoint),
		Kind:        p.Kind,
		Result:      p.Result,
		Ref:         p.Ref,
		SubmittedBy: string(p.SubmittedBy),
		SubmittedAt: p.SubmittedAt,
	}
}

func mapProofs(items []domain.Proof) []ProofResponse {
	res := make([]ProofResponse, 0, len(items))
	for _, p := range items {
		res = append(res, proofResponse(p))
	}
	return res
}

func escalationResponse(e domain.Escalation) EscalationResponse {
	return EscalationResponse{
		ID:         e.ID,
		TaskID:     e.TaskID,
		Checkpoint: string(e.Checkpoint),
		Reason:     e.Reason,
		RiskTag:    e.RiskTag,
		RaisedAt:   e.RaisedAt,
		Decision:   e.Decision,
		ResolvedAt: e.ResolvedAt,
	}
}

func mapEscalations(items []domain.Escalation) []EscalationResponse {
	res := make([]EscalationResponse, 0, len(items))
	for _, e := range items {
		res = append(res, escalationResponse(e))
	}
	return res
}

func handoffResponse(h domain.Handoff) HandoffResponse {
	return HandoffResponse{
		ID:                  h.ID,
		TaskID:              h.TaskID,
		FromRole:            string(h.FromRole),
		ToRole:              string(h.ToRole),
		CheckpointCompleted: string(h.CheckpointCompleted),
		ProofRefs:           nonNilSlice(h.ProofRefs),
		TS:                  h.TS,
	}
}

func mapHandoffs(items []domain.Handoff) []HandoffResponse {
	res := make([]HandoffResponse, 0, len(items))
	for _, h := range items {
		res = append(res, handoffResponse(h))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse(e)
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

func checklistResponse(cfg *config.Config) ChecklistResponse {
	res := ChecklistResponse{Checkpoints: map[string][]CriterionResponse{}}
	for cp, spec := range cfg.Checkpoints {
		crits := make([]CriterionResponse, 0, len(spec.Criteria))
		for _, c := range spec.Criteria {
			crits = append(crits, CriterionResponse{ID: c.ID, Accept: c.Accept})
		}
		res.Checkpoints[string(cp)] = crits
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
