// Package handoff encodes and decodes the role-transition record emitted on
// every checkpoint pass, and owns the table of legal role-to-role edges.
package handoff

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"gateline/internal/domain"
)

// Record is the wire format consumed by the next role. The field set is fixed;
// Encode/Decode must round-trip it exactly.
type Record struct {
	FromRole            domain.Role       `yaml:"from_role" json:"from_role"`
	ToRole              domain.Role       `yaml:"to_role" json:"to_role"`
	TaskID              string            `yaml:"task_id" json:"task_id"`
	CheckpointCompleted domain.Checkpoint `yaml:"checkpoint_completed" json:"checkpoint_completed"`
	ProofRefs           []string          `yaml:"proof_refs" json:"proof_refs"`
	Timestamp           string            `yaml:"timestamp" json:"timestamp"`
}

// ErrInvalidRoleTransition reports an edge outside the adjacency table.
type ErrInvalidRoleTransition struct {
	From domain.Role
	To   domain.Role
}

func (e ErrInvalidRoleTransition) Error() string {
	return fmt.Sprintf("invalid role transition %s -> %s", e.From, e.To)
}

// adjacency lists who may hand off to whom. One edge per role: the pipeline is
// a cycle Manager -> Planner -> Implementer -> Tester -> Reviewer -> Manager.
var adjacency = map[domain.Role]domain.Role{
	domain.RoleManager:     domain.RolePlanner,
	domain.RolePlanner:     domain.RoleImplementer,
	domain.RoleImplementer: domain.RoleTester,
	domain.RoleTester:      domain.RoleReviewer,
	domain.RoleReviewer:    domain.RoleManager,
}

// LegalTransition reports whether from may hand work to to.
func LegalTransition(from, to domain.Role) bool {
	return adjacency[from] == to
}

// NextRole returns the role that receives work from the given role.
func NextRole(from domain.Role) domain.Role {
	return adjacency[from]
}

// ToRecord builds a Record for a completed checkpoint, validating the role
// edge before serialization is possible.
func ToRecord(task domain.Task, from, to domain.Role, completed domain.Checkpoint, proofRefs []string, ts string) (Record, error) {
	if !LegalTransition(from, to) {
		return Record{}, ErrInvalidRoleTransition{From: from, To: to}
	}
	if proofRefs == nil {
		proofRefs = []string{}
	}
	return Record{
		FromRole:            from,
		ToRole:              to,
		TaskID:              task.ID,
		CheckpointCompleted: completed,
		ProofRefs:           proofRefs,
		Timestamp:           ts,
	}, nil
}

// Encode serializes a record as YAML.
func Encode(rec Record) ([]byte, error) {
	return yaml.Marshal(rec)
}

// Decode parses a YAML record and re-checks the role edge, so a corrupted or
// hand-edited record is rejected at the boundary.
func Decode(data []byte) (Record, error) {
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode handoff record: %w", err)
	}
	if !LegalTransition(rec.FromRole, rec.ToRole) {
		return Record{}, ErrInvalidRoleTransition{From: rec.FromRole, To: rec.ToRole}
	}
	if rec.ProofRefs == nil {
		rec.ProofRefs = []string{}
	}
	return rec, nil
}

// FromHandoff converts a stored handoff row into the wire record.
func FromHandoff(h domain.Handoff) Record {
	refs := h.ProofRefs
	if refs == nil {
		refs = []string{}
	}
	return Record{
		FromRole:            h.FromRole,
		ToRole:              h.ToRole,
		TaskID:              h.TaskID,
		CheckpointCompleted: h.CheckpointCompleted,
		ProofRefs:           refs,
		Timestamp:           h.TS,
	}
}
