package criteria_test

import (
	"reflect"
	"testing"

	"gateline/internal/config"
	"gateline/internal/criteria"
	"gateline/internal/domain"
)

func proof(kind, result string) domain.Proof {
	return domain.Proof{Kind: kind, Result: result}
}

func TestEvaluateEmptyChecklistIsSatisfied(t *testing.T) {
	res := criteria.Evaluate(nil, nil)
	if !res.Satisfied || len(res.Missing) != 0 {
		t.Fatalf("empty checklist: %+v", res)
	}
}

func TestEvaluateAllCriteriaMustHold(t *testing.T) {
	checklist := []config.Criterion{
		{ID: "change.captured", Accept: []string{"diff"}},
		{ID: "tests.pass", Accept: []string{"test-output"}},
	}
	res := criteria.Evaluate(checklist, []domain.Proof{proof("diff", domain.ResultPass)})
	if res.Satisfied {
		t.Fatalf("one of two criteria satisfied should not pass")
	}
	if !reflect.DeepEqual(res.Missing, []string{"tests.pass"}) {
		t.Fatalf("missing = %v", res.Missing)
	}

	res = criteria.Evaluate(checklist, []domain.Proof{
		proof("diff", domain.ResultPass),
		proof("test-output", domain.ResultPass),
	})
	if !res.Satisfied {
		t.Fatalf("both criteria covered should pass; missing %v", res.Missing)
	}
}

func TestEvaluateAnyAcceptedKindSuffices(t *testing.T) {
	checklist := []config.Criterion{
		{ID: "lint.clean", Accept: []string{"lint-output", "static-analysis-output"}},
	}
	res := criteria.Evaluate(checklist, []domain.Proof{proof("static-analysis-output", domain.ResultPass)})
	if !res.Satisfied {
		t.Fatalf("alternate kind should satisfy; missing %v", res.Missing)
	}
}

func TestEvaluateFailingProofDoesNotCount(t *testing.T) {
	checklist := []config.Criterion{
		{ID: "tests.pass", Accept: []string{"test-output"}},
	}
	res := criteria.Evaluate(checklist, []domain.Proof{proof("test-output", domain.ResultFail)})
	if res.Satisfied {
		t.Fatalf("failing proof must not satisfy")
	}
	// A later passing proof of the same kind does.
	res = criteria.Evaluate(checklist, []domain.Proof{
		proof("test-output", domain.ResultFail),
		proof("test-output", domain.ResultPass),
	})
	if !res.Satisfied {
		t.Fatalf("passing proof alongside failing one should satisfy; missing %v", res.Missing)
	}
}

func TestEvaluateUnknownKindsIgnored(t *testing.T) {
	checklist := []config.Criterion{
		{ID: "scope.documented", Accept: []string{"scope-statement"}},
	}
	res := criteria.Evaluate(checklist, []domain.Proof{proof("random-artifact", domain.ResultPass)})
	if res.Satisfied {
		t.Fatalf("unrelated proof kinds must not satisfy")
	}
	if !reflect.DeepEqual(res.Missing, []string{"scope.documented"}) {
		t.Fatalf("missing = %v", res.Missing)
	}
}
