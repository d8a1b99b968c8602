package loop

import "strings"

// SimilarityFunc judges how close two solution outputs are, in [0,1].
type SimilarityFunc func(a, b string) float64

// UncertaintyEstimator measures disagreement across successful attempts:
// 1 - agreement, where agreement is the confidence-weighted share of attempts
// equivalent to the modal output under the injected similarity function.
type UncertaintyEstimator struct {
	similarity SimilarityFunc
	threshold  float64 // similarity at or above which two outputs count as equivalent
	bandLow    float64
	bandHigh   float64
}

// NewUncertaintyEstimator builds an estimator. A nil similarity falls back to
// token-overlap similarity.
func NewUncertaintyEstimator(similarity SimilarityFunc, threshold, bandLow, bandHigh float64) *UncertaintyEstimator {
	if similarity == nil {
		similarity = TokenJaccard
	}
	return &UncertaintyEstimator{
		similarity: similarity,
		threshold:  threshold,
		bandLow:    bandLow,
		bandHigh:   bandHigh,
	}
}

// Estimate returns disagreement in [0,1]. Fewer than two successful attempts
// means agreement cannot be established at all: uncertainty is 1.0 by policy.
func (e *UncertaintyEstimator) Estimate(attempts []SolutionAttempt) float64 {
	var successes []SolutionAttempt
	for _, a := range attempts {
		if a.Succeeded {
			successes = append(successes, a)
		}
	}
	if len(successes) < 2 {
		return 1.0
	}

	// Greedy clustering: each attempt joins the first cluster whose
	// representative output it is equivalent to.
	type cluster struct {
		representative string
		weight         float64
	}
	var clusters []*cluster
	var totalWeight float64
	for _, a := range successes {
		weight := a.Confidence
		if weight <= 0 {
			weight = 0.01 // zero-confidence successes still count a little
		}
		totalWeight += weight
		placed := false
		for _, c := range clusters {
			if e.similarity(a.Output, c.representative) >= e.threshold {
				c.weight += weight
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, &cluster{representative: a.Output, weight: weight})
		}
	}

	var modalWeight float64
	for _, c := range clusters {
		if c.weight > modalWeight {
			modalWeight = c.weight
		}
	}
	agreement := modalWeight / totalWeight
	return clamp01(1 - agreement)
}

// IsInformative reports whether uncertainty falls inside the optimal learning
// band, making the cycle eligible for policy evolution.
func (e *UncertaintyEstimator) IsInformative(uncertainty float64) bool {
	return uncertainty >= e.bandLow && uncertainty <= e.bandHigh
}

// TokenJaccard is the default similarity: case-folded token set overlap.
func TokenJaccard(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	intersection := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?()[]{}\"'")
		if tok != "" {
			out[tok] = struct{}{}
		}
	}
	return out
}
