package loop

import "testing"

func newTestEstimator() *UncertaintyEstimator {
	return NewUncertaintyEstimator(nil, 0.82, 0.3, 0.7)
}

func success(output string, confidence float64) SolutionAttempt {
	return SolutionAttempt{Output: output, Confidence: confidence, Succeeded: true}
}

func TestEstimateAgreementIsLowUncertainty(t *testing.T) {
	e := newTestEstimator()
	attempts := []SolutionAttempt{
		success("the answer is a balanced binary tree with lazy rebuilds", 0.9),
		success("the answer is a balanced binary tree with lazy rebuilds", 0.85),
		success("the answer is a balanced binary tree with lazy rebuilds", 0.8),
	}
	u := e.Estimate(attempts)
	if u > 0.05 {
		t.Fatalf("expected near-zero uncertainty for identical outputs, got %f", u)
	}
	if e.IsInformative(u) {
		t.Fatalf("near-total agreement should fall below the informative band")
	}
}

func TestEstimateDisagreementIsHighUncertainty(t *testing.T) {
	e := newTestEstimator()
	attempts := []SolutionAttempt{
		success("sort the events then sweep once accumulating totals", 0.9),
		success("build an interval tree and query each point lazily", 0.9),
		success("hash every record into buckets and merge pairwise", 0.9),
	}
	u := e.Estimate(attempts)
	if u < 0.6 {
		t.Fatalf("expected high uncertainty for divergent outputs, got %f", u)
	}
}

func TestEstimatePartialAgreementLandsInBand(t *testing.T) {
	e := newTestEstimator()
	attempts := []SolutionAttempt{
		success("sort the events then sweep once accumulating totals", 0.9),
		success("sort the events then sweep once accumulating totals", 0.9),
		success("build an interval tree and query each point lazily", 0.9),
	}
	u := e.Estimate(attempts)
	if !e.IsInformative(u) {
		t.Fatalf("two-of-three agreement should be informative, got %f", u)
	}
}

func TestEstimateFewerThanTwoSuccesses(t *testing.T) {
	e := newTestEstimator()
	cases := [][]SolutionAttempt{
		nil,
		{},
		{success("only one", 0.9)},
		{
			{Output: "", Succeeded: false, Error: "timeout"},
			{Output: "", Succeeded: false, Error: "timeout"},
			success("lone survivor", 0.95),
		},
	}
	for i, attempts := range cases {
		if u := e.Estimate(attempts); u != 1.0 {
			t.Fatalf("case %d: expected maximal uncertainty, got %f", i, u)
		}
	}
}

func TestEstimateConfidenceWeighting(t *testing.T) {
	e := newTestEstimator()
	// One confident dissenter against two hesitant agreeers: the dissenter's
	// cluster carries more weight, so it becomes modal and uncertainty stays
	// low despite the numeric majority elsewhere.
	attempts := []SolutionAttempt{
		success("sort the events then sweep once accumulating totals", 0.1),
		success("sort the events then sweep once accumulating totals", 0.1),
		success("build an interval tree and query each point lazily", 0.9),
	}
	weighted := e.Estimate(attempts)

	equal := []SolutionAttempt{
		success("sort the events then sweep once accumulating totals", 0.9),
		success("sort the events then sweep once accumulating totals", 0.9),
		success("build an interval tree and query each point lazily", 0.9),
	}
	unweighted := e.Estimate(equal)

	if weighted >= unweighted {
		t.Fatalf("confidence weighting should lower uncertainty when the dissenter dominates: weighted=%f unweighted=%f", weighted, unweighted)
	}
	if weighted > 0.25 {
		t.Fatalf("dominant dissenter should produce low uncertainty, got %f", weighted)
	}
}

func TestIsInformativeBandEdges(t *testing.T) {
	e := newTestEstimator()
	for _, tc := range []struct {
		u    float64
		want bool
	}{
		{0.29, false},
		{0.3, true},
		{0.5, true},
		{0.7, true},
		{0.71, false},
	} {
		if got := e.IsInformative(tc.u); got != tc.want {
			t.Fatalf("IsInformative(%f) = %t, want %t", tc.u, got, tc.want)
		}
	}
}

func TestTokenJaccard(t *testing.T) {
	if sim := TokenJaccard("alpha beta gamma", "alpha beta gamma"); sim != 1 {
		t.Fatalf("identical strings should have similarity 1, got %f", sim)
	}
	if sim := TokenJaccard("alpha beta", "gamma delta"); sim != 0 {
		t.Fatalf("disjoint strings should have similarity 0, got %f", sim)
	}
	if sim := TokenJaccard("Alpha, beta!", "alpha beta"); sim != 1 {
		t.Fatalf("case and punctuation should not matter, got %f", sim)
	}
	if sim := TokenJaccard("", ""); sim != 1 {
		t.Fatalf("two empty strings are identical, got %f", sim)
	}
	if sim := TokenJaccard("alpha", ""); sim != 0 {
		t.Fatalf("empty versus non-empty should be 0, got %f", sim)
	}
}
