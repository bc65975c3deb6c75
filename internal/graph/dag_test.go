package graph

import (
	"strings"
	"testing"
)

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func TestValidateDAG_LinearChain(t *testing.T) {
	ids := []string{"A", "B", "C"}
	dependsOn := map[string][]string{
		"B": {"A"},
		"C": {"B"},
	}

	sorted, err := validateDAG(ids, dependsOn)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	idxA, idxB, idxC := indexOf(sorted, "A"), indexOf(sorted, "B"), indexOf(sorted, "C")
	if idxA >= idxB || idxB >= idxC {
		t.Errorf("expected A < B < C, got %v", sorted)
	}
}

func TestValidateDAG_DeterministicOrder(t *testing.T) {
	ids := []string{"D", "C", "B", "A"}
	dependsOn := map[string][]string{
		"D": {"B", "C"},
	}

	first, err := validateDAG(ids, dependsOn)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	want := "A,B,C,D"
	if got := strings.Join(first, ","); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestValidateDAG_CycleReportsPath(t *testing.T) {
	ids := []string{"A", "B", "C"}
	dependsOn := map[string][]string{
		"A": {"C"},
		"B": {"A"},
		"C": {"B"},
	}

	_, err := validateDAG(ids, dependsOn)
	if err == nil {
		t.Fatal("expected error for three-node cycle, got nil")
	}
	ve, ok := err.(*ValidationErrors)
	if !ok {
		t.Fatalf("expected *ValidationErrors, got %T", err)
	}
	if !ve.HasReason(ReasonCycle) {
		t.Errorf("expected cycle reason, got %+v", ve.Errors)
	}
	if !strings.Contains(err.Error(), "circular dependency detected: A -> C -> B -> A") {
		t.Errorf("unexpected cycle message %q", err.Error())
	}
}

func TestValidateDAG_Empty(t *testing.T) {
	sorted, err := validateDAG(nil, nil)
	if err != nil || sorted != nil {
		t.Errorf("expected nil, nil; got %v, %v", sorted, err)
	}
}

func TestReachable_DeepChainDoesNotRecurse(t *testing.T) {
	const depth = 100000
	next := func(id string) []string {
		var n int
		for _, c := range id {
			n = n*10 + int(c-'0')
		}
		if n >= depth {
			return nil
		}
		return []string{itoa(n + 1)}
	}

	path, ok := reachable("0", itoa(depth), next)
	if !ok {
		t.Fatal("expected target to be reachable")
	}
	if len(path) != depth+1 {
		t.Errorf("expected path length %d, got %d", depth+1, len(path))
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}
