package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gateline/internal/config"
	"gateline/internal/criteria"
	"gateline/internal/domain"
	"gateline/internal/events"
	"gateline/internal/handoff"
	"gateline/internal/notify"
	"gateline/internal/repo"
)

var (
	// ErrInvalidCheckpoint rejects proof submission for a checkpoint that is
	// not the task's current one.
	ErrInvalidCheckpoint = errors.New("checkpoint is not the task's current checkpoint")
	// ErrTaskEscalated rejects mutation while a human decision is pending.
	ErrTaskEscalated = errors.New("task has an unresolved escalation")
	// ErrTaskTerminal rejects mutation of a completed or abandoned task.
	ErrTaskTerminal = errors.New("task is in a terminal state")
	// ErrDuplicateEscalation enforces at most one unresolved escalation per task.
	ErrDuplicateEscalation = errors.New("task already has an unresolved escalation")
	// ErrAlreadyResolved rejects a second decision on the same escalation.
	ErrAlreadyResolved = errors.New("escalation already resolved")
)

// CriteriaUnsatisfiedError carries the exact list of missing criteria so the
// calling role knows what to supply next.
type CriteriaUnsatisfiedError struct {
	Checkpoint domain.Checkpoint
	Missing    []string
}

func (e *CriteriaUnsatisfiedError) Error() string {
	return fmt.Sprintf("exit criteria for %s unsatisfied; missing: %s", e.Checkpoint, strings.Join(e.Missing, ", "))
}

// Outcome is the attempt controller's decision after a failed evaluation.
type Outcome string

const (
	OutcomePass     Outcome = "pass"
	OutcomeRetry    Outcome = "retry"
	OutcomeEscalate Outcome = "escalate"
	OutcomeRollback Outcome = "rollback"
)

// EvaluationResult is returned by SubmitProofs.
type EvaluationResult struct {
	Outcome   Outcome     `json:"outcome" enum:"pass,retry,escalate,rollback"`
	Satisfied bool        `json:"satisfied"`
	Missing   []string    `json:"missing"`
	Attempts  int         `json:"attempts"`
	Task      domain.Task `json:"task"`
}

// ProofSubmission is one artifact offered against the current checkpoint.
type ProofSubmission struct {
	Kind        string
	Result      string
	Ref         string
	SubmittedBy domain.Role
}

// TaskView is the read snapshot returned by GetTask.
type TaskView struct {
	Task           domain.Task               `json:"task"`
	Attempts       map[domain.Checkpoint]int `json:"attempts"`
	OpenEscalation *domain.Escalation        `json:"open_escalation,omitempty"`
}

// Engine owns each task's checkpoint state and drives all transitions.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Notify notify.Sink
	Now    func() time.Time

	// one mutex per task id; unrelated tasks never contend
	locks *sync.Map
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Notify: notify.Noop{},
		Now:    time.Now,
		locks:  &sync.Map{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// lockTask serializes mutations of a single task. The returned func unlocks.
func (e Engine) lockTask(id string) func() {
	m, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateTask accepts a unit of work at C0/active.
func (e Engine) CreateTask(ctx context.Context, title, actorID string) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	now := e.nowStr()
	t := domain.Task{
		ID:         uuid.New().String(),
		Title:      title,
		Checkpoint: domain.C0Comprehension,
		Status:     domain.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", "task", t.ID, actorID, events.EventPayload{
		"title":      t.Title,
		"checkpoint": t.Checkpoint,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// GetTask returns a snapshot with attempt counters and the open escalation.
func (e Engine) GetTask(ctx context.Context, taskID string) (TaskView, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return TaskView{}, err
	}
	attempts, err := e.Repo.AttemptCounts(ctx, taskID)
	if err != nil {
		return TaskView{}, err
	}
	view := TaskView{Task: t, Attempts: attempts}
	esc, err := e.Repo.OpenEscalation(ctx, taskID)
	if err == nil {
		view.OpenEscalation = &esc
	} else if !errors.Is(err, repo.ErrNotFound) {
		return TaskView{}, err
	}
	return view, nil
}

// guardMutable rejects mutation of blocked or finished tasks.
func guardMutable(t domain.Task) error {
	if domain.TerminalStatus(t.Status) {
		return ErrTaskTerminal
	}
	if t.Status == domain.StatusEscalated || t.Status == domain.StatusRolledBack {
		return ErrTaskEscalated
	}
	return nil
}

// SubmitProofs records proofs for the task's current checkpoint and evaluates
// its exit criteria. On failure the attempt controller decides retry, escalate,
// or rollback, and the side effects are applied in the same transaction.
func (e Engine) SubmitProofs(ctx context.Context, taskID string, cp domain.Checkpoint, subs []ProofSubmission, actorID string) (EvaluationResult, error) {
	if e.Config == nil {
		return EvaluationResult{}, errors.New("config not loaded")
	}
	if len(subs) == 0 {
		return EvaluationResult{}, errors.New("at least one proof is required")
	}
	unlock := e.lockTask(taskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return EvaluationResult{}, err
	}
	if err := guardMutable(t); err != nil {
		return EvaluationResult{}, err
	}
	if !cp.Valid() || cp != t.Checkpoint {
		return EvaluationResult{}, ErrInvalidCheckpoint
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return EvaluationResult{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	for _, sub := range subs {
		if sub.Kind == "" {
			return EvaluationResult{}, errors.New("proof kind is required")
		}
		result := sub.Result
		switch result {
		case "":
			result = domain.ResultPass
		case domain.ResultPass, domain.ResultFail:
		default:
			return EvaluationResult{}, fmt.Errorf("proof result must be %q or %q", domain.ResultPass, domain.ResultFail)
		}
		by := sub.SubmittedBy
		if by == "" {
			by = domain.OwnerRole(cp)
		}
		p := domain.Proof{
			ID:          uuid.New().String(),
			TaskID:      t.ID,
			Checkpoint:  cp,
			Kind:        sub.Kind,
			Result:      result,
			Ref:         sub.Ref,
			SubmittedBy: by,
			SubmittedAt: now,
		}
		if err := e.Repo.InsertProof(ctx, tx, p); err != nil {
			return EvaluationResult{}, err
		}
		if err := e.Events.Append(ctx, tx, "proof.submitted", "proof", p.ID, actorID, events.EventPayload{
			"task_id":    t.ID,
			"checkpoint": cp,
			"kind":       p.Kind,
			"result":     p.Result,
		}); err != nil {
			return EvaluationResult{}, err
		}
	}

	proofs, err := e.Repo.ListProofsTx(ctx, tx, repo.ProofFilters{TaskID: t.ID, Checkpoint: string(cp)})
	if err != nil {
		return EvaluationResult{}, err
	}
	eval := criteria.Evaluate(e.Config.Criteria(cp), proofs)
	res := EvaluationResult{
		Outcome:   OutcomePass,
		Satisfied: eval.Satisfied,
		Missing:   eval.Missing,
		Task:      t,
	}
	if eval.Satisfied {
		if err := tx.Commit(); err != nil {
			return EvaluationResult{}, err
		}
		return res, nil
	}

	count, err := e.Repo.IncrementAttempt(ctx, tx, t.ID, cp)
	if err != nil {
		return EvaluationResult{}, err
	}
	res.Attempts = count

	var raised *domain.Escalation
	switch decide(e.Config.Attempts, count) {
	case OutcomeRetry:
		res.Outcome = OutcomeRetry
	case OutcomeEscalate:
		res.Outcome = OutcomeEscalate
		esc, err := e.raiseEscalation(ctx, tx, &t, fmt.Sprintf("exit criteria unsatisfied after %d attempts; missing: %s", count, strings.Join(eval.Missing, ", ")), "attempt-budget", actorID)
		if err != nil {
			return EvaluationResult{}, err
		}
		t.Status = domain.StatusEscalated
		raised = &esc
	case OutcomeRollback:
		res.Outcome = OutcomeRollback
		esc, err := e.rollback(ctx, tx, &t, count, eval.Missing, actorID)
		if err != nil {
			return EvaluationResult{}, err
		}
		raised = &esc
	}
	if res.Outcome != OutcomeRetry {
		t.UpdatedAt = e.nowStr()
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return EvaluationResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return EvaluationResult{}, err
	}
	if raised != nil && e.Notify != nil {
		e.Notify.EscalationRaised(*raised)
	}
	res.Task = t
	return res, nil
}

// decide is the attempt controller: retry below the escalate band, escalate
// up to the budget, roll back once the budget is spent.
func decide(policy config.AttemptPolicy, attempts int) Outcome {
	if attempts >= policy.MaxAttempts {
		return OutcomeRollback
	}
	if attempts >= policy.EscalateAfter {
		return OutcomeEscalate
	}
	return OutcomeRetry
}

// raiseEscalation inserts the escalation record, enforcing at most one
// unresolved escalation per task. The caller owns the task status change.
func (e Engine) raiseEscalation(ctx context.Context, tx *sql.Tx, t *domain.Task, reason, riskTag, actorID string) (domain.Escalation, error) {
	if _, err := e.Repo.OpenEscalationTx(ctx, tx, t.ID); err == nil {
		return domain.Escalation{}, ErrDuplicateEscalation
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Escalation{}, err
	}
	esc := domain.Escalation{
		ID:         uuid.New().String(),
		TaskID:     t.ID,
		Checkpoint: t.Checkpoint,
		Reason:     reason,
		RiskTag:    riskTag,
		RaisedAt:   e.nowStr(),
	}
	if err := e.Repo.InsertEscalation(ctx, tx, esc); err != nil {
		return domain.Escalation{}, err
	}
	if err := e.Events.Append(ctx, tx, "escalation.raised", "escalation", esc.ID, actorID, events.EventPayload{
		"task_id":    t.ID,
		"checkpoint": esc.Checkpoint,
		"reason":     reason,
		"risk_tag":   riskTag,
	}); err != nil {
		return domain.Escalation{}, err
	}
	return esc, nil
}

// rollback applies the configured rollback policy. Rollback is never silent:
// an escalation is always raised alongside it.
func (e Engine) rollback(ctx context.Context, tx *sql.Tx, t *domain.Task, attempts int, missing []string, actorID string) (domain.Escalation, error) {
	from := t.Checkpoint
	target := e.Config.Attempts.RollbackTarget
	if target == config.RollbackPrevious && t.Checkpoint.Prev() != "" {
		t.Checkpoint = t.Checkpoint.Prev()
		if err := e.Repo.ResetAttempt(ctx, tx, t.ID, t.Checkpoint); err != nil {
			return domain.Escalation{}, err
		}
	}
	t.Status = domain.StatusRolledBack
	esc, err := e.raiseEscalation(ctx, tx, t, fmt.Sprintf("attempt budget exhausted at %s after %d attempts; missing: %s", from, attempts, strings.Join(missing, ", ")), "rollback", actorID)
	if err != nil {
		return domain.Escalation{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.rolled_back", "task", t.ID, actorID, events.EventPayload{
		"from_checkpoint": from,
		"to_checkpoint":   t.Checkpoint,
		"attempts":        attempts,
	}); err != nil {
		return domain.Escalation{}, err
	}
	return esc, nil
}

// Advance re-evaluates the current checkpoint against all stored proofs and,
// when satisfied, moves the task to the successor gate. It is idempotent: it
// never stores proofs and never touches the attempt counter, so repeating the
// call yields either the next single transition or the same unsatisfied result.
func (e Engine) Advance(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	unlock := e.lockTask(taskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := guardMutable(t); err != nil {
		return t, err
	}
	proofs, err := e.Repo.ListProofs(ctx, repo.ProofFilters{TaskID: t.ID, Checkpoint: string(t.Checkpoint)})
	if err != nil {
		return t, err
	}
	eval := criteria.Evaluate(e.Config.Criteria(t.Checkpoint), proofs)
	if !eval.Satisfied {
		return t, &CriteriaUnsatisfiedError{Checkpoint: t.Checkpoint, Missing: eval.Missing}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.passCheckpoint(ctx, tx, &t, proofRefs(proofs), actorID, false); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// passCheckpoint performs the single-step transition out of the task's current
// checkpoint: emits the handoff, then either completes the task or moves it to
// the immediate successor. No transition ever advances more than one gate.
func (e Engine) passCheckpoint(ctx context.Context, tx *sql.Tx, t *domain.Task, refs []string, actorID string, forced bool) error {
	completed := t.Checkpoint
	from := domain.OwnerRole(completed)
	to := handoff.NextRole(from)
	now := e.nowStr()

	rec, err := handoff.ToRecord(*t, from, to, completed, refs, now)
	if err != nil {
		return err
	}
	h := domain.Handoff{
		ID:                  uuid.New().String(),
		TaskID:              t.ID,
		FromRole:            rec.FromRole,
		ToRole:              rec.ToRole,
		CheckpointCompleted: rec.CheckpointCompleted,
		ProofRefs:           rec.ProofRefs,
		TS:                  rec.Timestamp,
	}
	if err := e.Repo.InsertHandoff(ctx, tx, h); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "checkpoint.passed", "task", t.ID, actorID, events.EventPayload{
		"checkpoint": completed,
		"forced":     forced,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "handoff.emitted", "handoff", h.ID, actorID, events.EventPayload{
		"task_id":   t.ID,
		"from_role": h.FromRole,
		"to_role":   h.ToRole,
	}); err != nil {
		return err
	}

	next := completed.Next()
	if next == "" || (completed == domain.C3PR && !e.Config.Postmerge.Enabled) {
		t.Status = domain.StatusCompleted
		t.CompletedAt = &now
		if err := e.Events.Append(ctx, tx, "task.completed", "task", t.ID, actorID, nil); err != nil {
			return err
		}
	} else {
		t.Checkpoint = next
		t.Status = domain.StatusActive
		if err := e.Repo.ResetAttempt(ctx, tx, t.ID, next); err != nil {
			return err
		}
	}
	t.UpdatedAt = now
	return e.Repo.UpdateTask(ctx, tx, *t)
}

func proofRefs(proofs []domain.Proof) []string {
	refs := make([]string, 0, len(proofs))
	for _, p := range proofs {
		refs = append(refs, p.ID)
	}
	return refs
}

// Escalate raises a manual escalation, e.g. when policy demands human sign-off
// that no automated criterion can express.
func (e Engine) Escalate(ctx context.Context, taskID, reason, riskTag, actorID string) (domain.Escalation, error) {
	if reason == "" {
		return domain.Escalation{}, errors.New("reason is required")
	}
	unlock := e.lockTask(taskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Escalation{}, err
	}
	if domain.TerminalStatus(t.Status) {
		return domain.Escalation{}, ErrTaskTerminal
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Escalation{}, err
	}
	defer tx.Rollback()
	esc, err := e.raiseEscalation(ctx, tx, &t, reason, riskTag, actorID)
	if err != nil {
		return domain.Escalation{}, err
	}
	t.Status = domain.StatusEscalated
	t.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Escalation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Escalation{}, err
	}
	if e.Notify != nil {
		e.Notify.EscalationRaised(esc)
	}
	return esc, nil
}

// Resolve records a human decision and routes it back into the state machine:
// rejected abandons the task, needs-rework reactivates it at the same
// checkpoint with the counter reset, approved force-passes the blocked
// checkpoint only. Remaining gates still apply.
func (e Engine) Resolve(ctx context.Context, escalationID, decision, actorID string) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	switch decision {
	case domain.DecisionApproved, domain.DecisionRejected, domain.DecisionNeedsRework:
	default:
		return domain.Task{}, fmt.Errorf("unknown decision %q", decision)
	}
	esc, err := e.Repo.GetEscalation(ctx, escalationID)
	if err != nil {
		return domain.Task{}, err
	}
	unlock := e.lockTask(esc.TaskID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	// Re-read under the task lock; a concurrent resolve may have won.
	esc, err = e.Repo.GetEscalationTx(ctx, tx, escalationID)
	if err != nil {
		return domain.Task{}, err
	}
	if esc.Resolved() {
		return domain.Task{}, ErrAlreadyResolved
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, esc.TaskID)
	if err != nil {
		return domain.Task{}, err
	}

	now := e.nowStr()
	if err := e.Repo.ResolveEscalation(ctx, tx, esc.ID, decision, now); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "escalation.resolved", "escalation", esc.ID, actorID, events.EventPayload{
		"task_id":  t.ID,
		"decision": decision,
	}); err != nil {
		return t, err
	}

	switch decision {
	case domain.DecisionRejected:
		t.Status = domain.StatusAbandoned
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return t, err
		}
		if err := e.Events.Append(ctx, tx, "task.abandoned", "task", t.ID, actorID, nil); err != nil {
			return t, err
		}
	case domain.DecisionNeedsRework:
		t.Status = domain.StatusActive
		t.UpdatedAt = now
		if err := e.Repo.ResetAttempt(ctx, tx, t.ID, t.Checkpoint); err != nil {
			return t, err
		}
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return t, err
		}
	case domain.DecisionApproved:
		// Human override: the blocked checkpoint passes regardless of the
		// evaluator's verdict.
		proofs, err := e.Repo.ListProofsTx(ctx, tx, repo.ProofFilters{TaskID: t.ID, Checkpoint: string(t.Checkpoint)})
		if err != nil {
			return t, err
		}
		if err := e.passCheckpoint(ctx, tx, &t, proofRefs(proofs), actorID, true); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// Abandon cancels a task from any non-terminal state, resolving a pending
// escalation as rejected. A second call is a no-op returning the same state.
func (e Engine) Abandon(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	unlock := e.lockTask(taskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status == domain.StatusAbandoned {
		return t, nil
	}
	if t.Status == domain.StatusCompleted {
		return t, ErrTaskTerminal
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	if esc, err := e.Repo.OpenEscalationTx(ctx, tx, t.ID); err == nil {
		if err := e.Repo.ResolveEscalation(ctx, tx, esc.ID, domain.DecisionRejected, now); err != nil {
			return t, err
		}
		if err := e.Events.Append(ctx, tx, "escalation.resolved", "escalation", esc.ID, actorID, events.EventPayload{
			"task_id":  t.ID,
			"decision": domain.DecisionRejected,
			"cause":    "abandon",
		}); err != nil {
			return t, err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return t, err
	}
	t.Status = domain.StatusAbandoned
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.abandoned", "task", t.ID, actorID, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}
