// Package lottery selects a round leader from a cohort by a score-weighted
// draw and records, for everyone who did not apply, whether the same draw
// would have picked them had they applied.
package lottery

import (
	"dlab/internal/domain"
)

// Run draws once from src and assigns a status to every participant.
func Run(participants []domain.Candidate, src Source) (domain.LotteryResult, error) {
	if len(participants) == 0 {
		return domain.LotteryResult{}, ErrNoCandidates
	}
	seen := make(map[string]struct{}, len(participants))
	var applicants []domain.Candidate
	for _, p := range participants {
		if _, ok := seen[p.ID]; ok {
			return domain.LotteryResult{}, ErrDuplicateCandidate
		}
		seen[p.ID] = struct{}{}
		if p.Applied {
			applicants = append(applicants, p)
		}
	}
	hasApplicants := len(applicants) > 0
	pool := participants
	if hasApplicants {
		pool = applicants
	}

	weights, err := ComputeWeights(Rank(pool))
	if err != nil {
		return domain.LotteryResult{}, err
	}
	draw, err := DrawWeightedWinner(weights, src)
	if err != nil {
		return domain.LotteryResult{}, err
	}

	statuses := make(map[string]domain.LeaderStatus, len(participants))
	for _, p := range participants {
		switch {
		case !hasApplicants && p.ID == draw.WinnerID:
			statuses[p.ID] = domain.LeaderNonCandidateAccepted
		case !hasApplicants:
			statuses[p.ID] = domain.LeaderNonCandidateRejected
		case p.Applied && p.ID == draw.WinnerID:
			statuses[p.ID] = domain.LeaderCandidateAccepted
		case p.Applied:
			statuses[p.ID] = domain.LeaderCandidateRejected
		default:
			st, err := counterfactual(applicants, p, draw.Roll)
			if err != nil {
				return domain.LotteryResult{}, err
			}
			statuses[p.ID] = st
		}
	}

	return domain.LotteryResult{
		WinnerID:             draw.WinnerID,
		ParticipantStatusMap: statuses,
		Debug: domain.LotteryDebug{
			Seed:                     src.Seed(),
			Roll:                     draw.Roll,
			RankedCandidates:         weights.IDs(),
			Probabilities:            weights.Map(),
			CandidatePoolAppliedOnly: hasApplicants,
		},
	}, nil
}

// counterfactual replays roll over applicants plus p.
func counterfactual(applicants []domain.Candidate, p domain.Candidate, roll float64) (domain.LeaderStatus, error) {
	pool := make([]domain.Candidate, 0, len(applicants)+1)
	pool = append(pool, applicants...)
	pool = append(pool, p)
	w, err := ComputeWeights(Rank(pool))
	if err != nil {
		return "", err
	}
	if SelectWithRoll(w, roll) == p.ID {
		return domain.LeaderNonCandidateHypoSelected, nil
	}
	return domain.LeaderNonCandidateHypoRejected, nil
}
