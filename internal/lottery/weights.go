package lottery

import (
	"errors"
	"math"
	"sort"

	"dlab/internal/domain"
)

var (
	ErrNoCandidates       = errors.New("lottery: no candidates")
	ErrDuplicateCandidate = errors.New("lottery: duplicate candidate id")
)

const (
	topMass  = 0.60
	tailMass = 0.40
)

// Weight is one candidate's probability in rank order.
type Weight struct {
	ID string
	P  float64
}

// Weights is a probability distribution kept in rank order, which is the
// order the draw walks it.
type Weights []Weight

func (w Weights) Map() map[string]float64 {
	out := make(map[string]float64, len(w))
	for _, x := range w {
		out[x.ID] = x.P
	}
	return out
}

func (w Weights) IDs() []string {
	out := make([]string, len(w))
	for i, x := range w {
		out[i] = x.ID
	}
	return out
}

// Rank orders candidates by descending score, ties by ascending id.
func Rank(candidates []domain.Candidate) []string {
	ranked := make([]domain.Candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].PerformanceScore != ranked[j].PerformanceScore {
			return ranked[i].PerformanceScore > ranked[j].PerformanceScore
		}
		return ranked[i].ID < ranked[j].ID
	})
	ids := make([]string, len(ranked))
	for i, c := range ranked {
		ids[i] = c.ID
	}
	return ids
}

// ComputeWeights gives the top rank 0.6 and spreads 0.4 over the rest with
// ratio (1/3)^(1/(k-1)), then renormalises.
func ComputeWeights(rankedIDs []string) (Weights, error) {
	k := len(rankedIDs)
	if k == 0 {
		return nil, ErrNoCandidates
	}
	seen := make(map[string]struct{}, k)
	for _, id := range rankedIDs {
		if _, ok := seen[id]; ok {
			return nil, ErrDuplicateCandidate
		}
		seen[id] = struct{}{}
	}
	if k == 1 {
		return Weights{{ID: rankedIDs[0], P: 1.0}}, nil
	}
	w := make(Weights, k)
	w[0] = Weight{ID: rankedIDs[0], P: topMass}
	rho := math.Pow(1.0/3.0, 1.0/float64(k-1))
	for r := 2; r <= k; r++ {
		w[r-1] = Weight{ID: rankedIDs[r-1], P: tailMass * (1 - rho) * math.Pow(rho, float64(r-2))}
	}
	sum := 0.0
	for _, x := range w {
		sum += x.P
	}
	for i := range w {
		w[i].P /= sum
	}
	return w, nil
}

type Draw struct {
	WinnerID string
	Roll     float64
}

// DrawWeightedWinner consumes exactly one value from src.
func DrawWeightedWinner(w Weights, src Source) (Draw, error) {
	if len(w) == 0 {
		return Draw{}, ErrNoCandidates
	}
	roll := src.Float64()
	return Draw{WinnerID: SelectWithRoll(w, roll), Roll: roll}, nil
}

// SelectWithRoll returns the first id whose cumulative mass reaches roll,
// or the last id when rounding leaves roll above the total.
func SelectWithRoll(w Weights, roll float64) string {
	acc := 0.0
	for _, x := range w {
		acc += x.P
		if roll <= acc {
			return x.ID
		}
	}
	return w[len(w)-1].ID
}
