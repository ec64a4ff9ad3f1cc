package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/migrate"
	"gateline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func newTask(t *testing.T, env testEnv) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, "ship feature", "mgr-1")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func submitPass(t *testing.T, env testEnv, taskID string, cp domain.Checkpoint, kinds ...string) engine.EvaluationResult {
	t.Helper()
	subs := make([]engine.ProofSubmission, 0, len(kinds))
	for _, k := range kinds {
		subs = append(subs, engine.ProofSubmission{Kind: k, Result: domain.ResultPass, Ref: "artifacts/" + k})
	}
	res, err := env.Engine.SubmitProofs(env.Ctx, taskID, cp, subs, "actor-1")
	if err != nil {
		t.Fatalf("submit proofs at %s: %v", cp, err)
	}
	return res
}

func TestCreateTaskStartsAtComprehension(t *testing.T) {
	env := newTestEnv(t)
	task := newTask(t, env)
	if task.Checkpoint != domain.C0Comprehension {
		t.Fatalf("checkpoint = %s, want %s", task.Checkpoint, domain.C0Comprehension)
	}
	if task.Status != domain.StatusActive {
		t.Fatalf("status = %s, want active", task.Status)
	}
	view, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if view.OpenEscalation != nil {
		t.Fatalf("new task should have no open escalation")
	}
}

func TestSubmitProofsRejectsWrongCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	task := newTask(t, env)
	_, err := env.Engine.SubmitProofs(env.Ctx, task.ID, domain.C2Implementation, []engine.ProofSubmission{
		{Kind: "diff"},
	}, "actor-1")
	if !errors.Is(err, engine.ErrInvalidCheckpoint) {
		t.Fatalf("err = %v, want ErrInvalidCheckpoint", err)
	}
}

func TestFullLifecycleThroughAllGates(t *testing.T) {
	env := newTestEnv(t)
	task := newTask(t, env)

	steps := []struct {
		cp    domain.Checkpoint
		kinds []string
	}{
		{domain.C0Comprehension, []string{"scope-statement"}},
		{domain.C1Plan, []string{"plan-document", "risk-assessment"}},
		{domain.C2Implementation, []string{"diff", "test-output", "lint-output"}},
		{domain.C3PR, []string{"review-approval"}},
		{domain.C4Postmerge, []string{"monitoring-snapshot"}},
	}
	for _, step := range steps {
		res := submitPass(t, env, task.ID, step.cp, step.kinds...)
		if !res.Satisfied {
			t.Fatalf("%s not satisfied; missing %v", step.cp, res.Missing)
		}
		var err error
		task, err = env.Engine.Advance(env.Ctx, task.ID, "actor-1")
		if err != nil {
			t.Fatalf("advance past %s: %v", step.cp, err)
		}
	}
	if task.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if task.CompletedAt == nil {
		t.Fatalf("completed task missing completed_at")
	}

	handoffs, err := env.Engine.Repo.ListHandoffs(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("list handoffs: %v", err)
	}
	if len(handoffs) != 5 {
		t.Fatalf("handoffs = %d, want 5", len(handoffs))
	}
}

func TestAdvanceUnsatisfiedReportsMissing(t *testing.T) {
	env := newTestEnv(t)
	task := newTask(t, env)
	_, err := env.Engine.Advance(env.Ctx, task.ID, "actor-1")
	var unsat *engine.CriteriaUnsatisfiedError
	if !errors.As(err, &unsat) {
		t.Fatalf("err = %v, want CriteriaUnsatisfiedError", err)
	}
	if unsat.Checkpoint != domain.C0Comprehension {
		t.Fatalf("checkpoint = %s", unsat.Checkpoint)
	}
	if len(unsat.Missing) != 1 || unsat.Missing[0] != "scope.documented" {
		t.Fatalf("missing = %v", unsat.Missing)
	}
}

func TestAdvanceIsIdempotentPerGate(t *testing.T) {
	env := newTestEnv(t)
	task := newTask(t, env)
	submitPass(t, env, task.ID, domain.C0Comprehension, "scope-statement")

	task, err := env.Engine.Advance(env.Ctx, task.ID, "actor-1")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if task.Checkpoint != domain.C1Plan {
		t.Fatalf("checkpoint = %s, want %s", task.Checkpoint, domain.C1Plan)
	}

	// The C0 proofs do not satisfy C1, so repeating the call cannot move
	// the task a second gate.
	task, err = env.Engine.Advance(env.Ctx, task.ID, "actor-1")
	var unsat *engine.CriteriaUnsatisfiedError
	if !errors.As(err, &unsat) {
		t.Fatalf("second advance err = %v, want CriteriaUnsatisfiedError", err)
	}
	if task.Checkpoint != domain.C1Plan {
		t.Fatalf("second advance moved checkpoint to %s", task.Checkpoint)
	}
}

func TestFailingProofDoesNotSatisfyCriteria(t *testing.T) {
	env := newTestEnv(t)
	task := newTask(t, env)
	res, err := env.Engine.SubmitProofs(env.Ctx, task.ID, domain.C0Comprehension, []engine.ProofSubmission{
		{Kind: "scope-statement", Result: domain.ResultFail},
	}, "actor-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Satisfied {
		t.Fatalf("failing proof must not satisfy the criterion")
	}
	if res.Outcome != engine.OutcomeRetry {
		t.Fatalf("outcome = %s, want retry", res.Outcome)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", res.Attempts)
	}
}

func TestAttemptBudgetRollsBackAndEscalates(t *testing.T) {
	env := newTestEnv(t)
	task := newTask(t, env)
	submitPass(t, env, task.ID, domain.C0Comprehension, "scope-statement")
	if _, err := env.Engine.Advance(env.Ctx, task.ID, "actor-1"); err != nil {
		t.Fatal(err)
	}
	submitPass(t, env, task.ID, domain.C1Plan, "plan-document", "risk-assessment")
	if _, err := env.Engine.Advance(env.Ctx, task.ID, "actor-1"); err != nil {
		t.Fatal(err)
	}

	failing := []engine.ProofSubmission{
		{Kind: "diff", Result: domain.ResultPass},
		{Kind: "test-output", Result: domain.ResultPass},
		{Kind: "lint-output", Result: domain.ResultFail},
	}
	var res engine.EvaluationResult
	for i := 0; i < 3; i++ {
		var err error
		res, err = env.Engine.SubmitProofs(env.Ctx, task.ID, domain.C2Implementation, failing, "impl-1")
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if res.Outcome != engine.OutcomeRollback {
		t.Fatalf("third failure outcome = %s, want rollback", res.Outcome)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}
	if res.Task.Status != domain.StatusRolledBack {
		t.Fatalf("task status = %s, want rolled_back", res.Task.Status)
	}

	// Rollback is never silent.
	esc, err := env.Engine.Repo.OpenEscalation(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("open escalation: %v", err)
	}
	if esc.RiskTag != "rollback" {
		t.Fatalf("risk tag = %q", esc.RiskTag)
	}

	// Rolled-back tasks refuse further work until the escalation resolves.
	_, err = env.Engine.SubmitProofs(env.Ctx, task.ID, domain.C2Implementation, failing, "impl-1")
	if !errors.Is(err, engine.ErrTaskEscalated) {
		t.Fatalf("err = %v, want ErrTaskEscalated", err)
	}
}

func TestRollbackPreviousRegressesOneGate(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Attempts.RollbackTarget = config.RollbackPrevious
	task := newTask(t, env)
	submitPass(t, env, task.ID, domain.C0Comprehension, "scope-statement")
	if _, err := env.Engine.Advance(env.Ctx, task.ID, "actor-1"); err != nil {
		t.Fatal(err)
	}

	var res engine.EvaluationResult
	for i := 0; i < 3; i++ {
		var err error
		res, err = env.Engine.SubmitProofs(env.Ctx, task.ID, domain.C1Plan, []engine.ProofSubmission{
			{Kind: "plan-document", Result: domain.ResultFail},
		}, "planner-1")
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if res.Outcome != engine.OutcomeRollback {
		t.Fatalf("outcome = %s, want rollback", res.Outcome)
	}
	if res.Task.Checkpoint != domain.C0Comprehension {
		t.Fatalf("checkpoint = %s, want %s", res.Task.Checkpoint, domain.C0Comprehension)
	}
}

func TestEscalateBandBetweenThresholds(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Attempts.EscalateAfter = 2
	task := newTask(t, env)

	fail := []engine.ProofSubmission{{Kind: "scope-statement", Result: domain.ResultFail}}
	res, err := env.Engine.SubmitProofs(env.Ctx, task.ID, domain.C0Comprehension, fail, "mgr-1")
	if err != nil || res.Outcome != engine.OutcomeRetry {
		t.Fatalf("first attempt: outcome=%s err=%v", res.Outcome, err)
	}
	res, err = env.Engine.SubmitProofs(env.Ctx, task.ID, domain.C0Comprehension, fail, "mgr-1")
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if res.Outcome != engine.OutcomeEscalate {
		t.Fatalf("second attempt outcome = %s, want escalate", res.Outcome)
	}
	if res.Task.Status != domain.StatusEscalated {
		t.Fatalf("status = %s, want escalated", res.Task.Status)
	}
}

func TestManualEscalationBlocksMutations(t *testing.T) {
	env := newTestEnv(t)
	task := newTask(t, env)
	esc, err := env.Engine.Escalate(env.Ctx, task.ID, "security-sensitive change", "security", "mgr-1")
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if esc.Resolved() {
		t.Fatalf("fresh escalation is resolved")
	}

	_, err = env.Engine.SubmitProofs(env.Ctx, task.ID, domain.C0Comprehension, []engine.ProofSubmission{
		{Kind: "scope-statement"},
	}, "mgr-1")
	if !errors.Is(err, engine.ErrTaskEscalated) {
		t.Fatalf("submit err = %v, want ErrTaskEscalated", err)
	}
	_, err = env.Engine.Advance(env.Ctx, task.ID, "mgr-1")
	if !errors.Is(err, engine.ErrTaskEscalated) {
		t.Fatalf("advance err = %v, want ErrTaskEscalated", err)
	}

	// At most one unresolved escalation per task.
	_, err = env.Engine.Escalate(env.Ctx, task.ID, "second", "", "mgr-1")
	if !errors.Is(err, engine.ErrDuplicateEscalation) {
		t.Fatalf("err = %v, want ErrDuplicateEscalation", err)
	}
}

func TestResolveNeedsReworkReactivatesAndResetsAttempts(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Attempts.EscalateAfter = 1
	task := newTask(t, env)
	res, err := env.Engine.SubmitProofs(env.Ctx, task.ID, domain.C0Comprehension, []engine.ProofSubmission{
		{Kind: "scope-statement", Result: domain.ResultFail},
	}, "mgr-1")
	if err != nil || res.Outcome != engine.OutcomeEscalate {
		t.Fatalf("setup: outcome=%s err=%v", res.Outcome, err)
	}
	esc, err := env.Engine.Repo.OpenEscalation(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}

	task, err = env.Engine.Resolve(env.Ctx, esc.ID, domain.DecisionNeedsRework, "human-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if task.Status != domain.StatusActive {
		t.Fatalf("status = %s, want active", task.Status)
	}
	view, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Attempts[domain.C0Comprehension] != 0 {
		t.Fatalf("attempts not reset: %d", view.Attempts[domain.C0Comprehension])
	}

	// A second decision on the same escalation is refused.
	_, err = env.Engine.Resolve(env.Ctx, esc.ID, domain.DecisionApproved, "human-1")
	if !errors.Is(err, engine.ErrAlreadyResolved) {
		t.Fatalf("err = %v, want ErrAlreadyResolved", err)
	}
}

func TestResolveApprovedPassesOnlyCurrentGate(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Attempts.EscalateAfter = 1
	task := newTask(t, env)
	if _, err := env.Engine.SubmitProofs(env.Ctx, task.ID, domain.C0Comprehension, []engine.ProofSubmission{
		{Kind: "scope-statement", Result: domain.ResultFail},
	}, "mgr-1"); err != nil {
		t.Fatal(err)
	}
	esc, err := env.Engine.Repo.OpenEscalation(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}

	task, err = env.Engine.Resolve(env.Ctx, esc.ID, domain.DecisionApproved, "human-1")
	if err != nil {
		t.Fatalf("resolve approved: %v", err)
	}
	if task.Checkpoint != domain.C1Plan || task.Status != domain.StatusActive {
		t.Fatalf("task after override = %s/%s", task.Checkpoint, task.Status)
	}
	// The override does not waive later gates.
	_, err = env.Engine.Advance(env.Ctx, task.ID, "mgr-1")
	var unsat *engine.CriteriaUnsatisfiedError
	if !errors.As(err, &unsat) {
		t.Fatalf("err = %v, want CriteriaUnsatisfiedError", err)
	}
}

func TestResolveRejectedAbandons(t *testing.T) {
	env := newTestEnv(t)
	task := newTask(t, env)
	esc, err := env.Engine.Escalate(env.Ctx, task.ID, "wrong direction", "", "mgr-1")
	if err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.Resolve(env.Ctx, esc.ID, domain.DecisionRejected, "human-1")
	if err != nil {
		t.Fatalf("resolve rejected: %v", err)
	}
	if task.Status != domain.StatusAbandoned {
		t.Fatalf("status = %s, want abandoned", task.Status)
	}
	_, err = env.Engine.SubmitProofs(env.Ctx, task.ID, domain.C0Comprehension, []engine.ProofSubmission{
		{Kind: "scope-statement"},
	}, "mgr-1")
	if !errors.Is(err, engine.ErrTaskTerminal) {
		t.Fatalf("err = %v, want ErrTaskTerminal", err)
	}
}

func TestAbandonIsIdempotentAndResolvesEscalation(t *testing.T) {
	env := newTestEnv(t)
	task := newTask(t, env)
	if _, err := env.Engine.Escalate(env.Ctx, task.ID, "stalled", "", "mgr-1"); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.Abandon(env.Ctx, task.ID, "mgr-1")
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if task.Status != domain.StatusAbandoned {
		t.Fatalf("status = %s", task.Status)
	}
	if _, err := env.Engine.Repo.OpenEscalation(env.Ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("escalation still open: %v", err)
	}

	again, err := env.Engine.Abandon(env.Ctx, task.ID, "mgr-1")
	if err != nil {
		t.Fatalf("second abandon: %v", err)
	}
	if again.Status != domain.StatusAbandoned {
		t.Fatalf("second abandon status = %s", again.Status)
	}
}

func TestAbandonCompletedTaskFails(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Postmerge.Enabled = false
	task := newTask(t, env)
	steps := []struct {
		cp    domain.Checkpoint
		kinds []string
	}{
		{domain.C0Comprehension, []string{"scope-statement"}},
		{domain.C1Plan, []string{"plan-document", "risk-assessment"}},
		{domain.C2Implementation, []string{"diff", "test-output", "static-analysis-output"}},
		{domain.C3PR, []string{"review-approval"}},
	}
	for _, step := range steps {
		submitPass(t, env, task.ID, step.cp, step.kinds...)
		var err error
		task, err = env.Engine.Advance(env.Ctx, task.ID, "actor-1")
		if err != nil {
			t.Fatalf("advance past %s: %v", step.cp, err)
		}
	}
	// postmerge disabled: the task completes at C3
	if task.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if _, err := env.Engine.Abandon(env.Ctx, task.ID, "mgr-1"); !errors.Is(err, engine.ErrTaskTerminal) {
		t.Fatalf("err = %v, want ErrTaskTerminal", err)
	}
}

func TestEventAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	task := newTask(t, env)
	submitPass(t, env, task.ID, domain.C0Comprehension, "scope-statement")
	if _, err := env.Engine.Advance(env.Ctx, task.ID, "actor-1"); err != nil {
		t.Fatal(err)
	}

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "", "", "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	seen := map[string]bool{}
	for _, evt := range events {
		seen[evt.Type] = true
	}
	for _, want := range []string{"task.created", "proof.submitted", "checkpoint.passed", "handoff.emitted"} {
		if !seen[want] {
			t.Fatalf("missing event %q in %v", want, seen)
		}
	}
}
