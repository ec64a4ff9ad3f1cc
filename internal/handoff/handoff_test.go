package handoff_test

import (
	"errors"
	"reflect"
	"testing"

	"gateline/internal/domain"
	"gateline/internal/handoff"
)

func TestAdjacencyIsACycle(t *testing.T) {
	order := []domain.Role{
		domain.RoleManager,
		domain.RolePlanner,
		domain.RoleImplementer,
		domain.RoleTester,
		domain.RoleReviewer,
	}
	for i, from := range order {
		want := order[(i+1)%len(order)]
		if got := handoff.NextRole(from); got != want {
			t.Fatalf("NextRole(%s) = %s, want %s", from, got, want)
		}
		if !handoff.LegalTransition(from, want) {
			t.Fatalf("%s -> %s should be legal", from, want)
		}
	}
	if handoff.LegalTransition(domain.RoleManager, domain.RoleTester) {
		t.Fatalf("manager -> tester must be illegal")
	}
	if handoff.LegalTransition(domain.RolePlanner, domain.RolePlanner) {
		t.Fatalf("self handoff must be illegal")
	}
}

func TestToRecordRejectsIllegalEdge(t *testing.T) {
	task := domain.Task{ID: "t-1"}
	_, err := handoff.ToRecord(task, domain.RoleManager, domain.RoleReviewer, domain.C0Comprehension, nil, "2024-01-01T00:00:00Z")
	var bad handoff.ErrInvalidRoleTransition
	if !errors.As(err, &bad) {
		t.Fatalf("err = %v, want ErrInvalidRoleTransition", err)
	}
	if bad.From != domain.RoleManager || bad.To != domain.RoleReviewer {
		t.Fatalf("edge in error = %s -> %s", bad.From, bad.To)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	task := domain.Task{ID: "t-42"}
	rec, err := handoff.ToRecord(task, domain.RoleImplementer, domain.RoleTester, domain.C2Implementation, []string{"p-1", "p-2"}, "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("to record: %v", err)
	}
	data, err := handoff.Encode(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := handoff.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(rec, back) {
		t.Fatalf("round trip mismatch:\n%+v\n%+v", rec, back)
	}
}

func TestRoundTripNormalizesNilProofRefs(t *testing.T) {
	rec, err := handoff.ToRecord(domain.Task{ID: "t-7"}, domain.RoleReviewer, domain.RoleManager, domain.C4Postmerge, nil, "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ProofRefs == nil || len(rec.ProofRefs) != 0 {
		t.Fatalf("proof refs = %#v, want empty slice", rec.ProofRefs)
	}
	data, err := handoff.Encode(rec)
	if err != nil {
		t.Fatal(err)
	}
	back, err := handoff.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if back.ProofRefs == nil {
		t.Fatalf("decoded proof refs is nil")
	}
}

func TestDecodeRejectsTamperedEdge(t *testing.T) {
	raw := []byte(`from_role: manager
to_role: reviewer
task_id: t-9
checkpoint_completed: C0_COMPREHENSION
proof_refs: []
timestamp: "2024-01-01T00:00:00Z"
`)
	_, err := handoff.Decode(raw)
	var bad handoff.ErrInvalidRoleTransition
	if !errors.As(err, &bad) {
		t.Fatalf("err = %v, want ErrInvalidRoleTransition", err)
	}
}
