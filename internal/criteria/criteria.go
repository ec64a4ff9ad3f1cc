// Package criteria evaluates a checkpoint's exit criteria against submitted
// proofs. Evaluation is a pure function over the static checklist: no I/O, no
// clock, deterministic for a given proof set.
package criteria

import (
	"gateline/internal/config"
	"gateline/internal/domain"
)

// Result is the outcome of evaluating one checkpoint.
type Result struct {
	Satisfied bool     `json:"satisfied"`
	Missing   []string `json:"missing"`
}

// Evaluate checks every criterion of the checkpoint against the proofs. A
// criterion is satisfied by at least one passing proof of an accepted kind
// (OR across accepted kinds); all criteria must hold (AND across criteria).
// Failing or absent signals count as unsatisfied, never as satisfied.
func Evaluate(checklist []config.Criterion, proofs []domain.Proof) Result {
	passing := map[string]bool{}
	for _, p := range proofs {
		if p.Result == domain.ResultPass {
			passing[p.Kind] = true
		}
	}
	res := Result{Satisfied: true, Missing: []string{}}
	for _, crit := range checklist {
		ok := false
		for _, kind := range crit.Accept {
			if passing[kind] {
				ok = true
				break
			}
		}
		if !ok {
			res.Satisfied = false
			res.Missing = append(res.Missing, crit.ID)
		}
	}
	return res
}
