package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/google/logger"

	"dlab/internal/config"
	"dlab/internal/domain"
	"dlab/internal/events"
	"dlab/internal/lottery"
	"dlab/internal/store"
)

// RunLeaderLottery draws the leader for one ranking round of a cohort. The
// draw happens at most once per round; later calls return the stored result
// and report false.
func (e Engine) RunLeaderLottery(ctx context.Context, key domain.StageKey, actorID string) (domain.LotteryResult, bool, error) {
	_, st, err := e.stage(ctx, key)
	if err != nil {
		return domain.LotteryResult{}, false, err
	}
	if st.Lottery == nil {
		return domain.LotteryResult{}, false, fmt.Errorf("%w: %s", ErrNotLotteryStage, key.StageID)
	}
	var drawn bool
	doc, err := e.update(ctx, key, st, func(doc *domain.PublicStageData) ([]events.Draft, error) {
		drawn = false
		if doc.WinnerID != "" {
			return nil, nil
		}
		participants, err := e.Participants.ListCohortParticipants(ctx, key.ExperimentID, key.CohortID)
		if err != nil {
			return nil, err
		}
		candidates, err := e.candidates(ctx, *st.Lottery, store.Active(participants))
		if err != nil {
			return nil, err
		}
		// a fresh source per attempt keeps a retried body self-contained
		res, err := lottery.Run(candidates, e.source())
		if err != nil {
			return nil, err
		}
		debug := res.Debug
		doc.WinnerID = res.WinnerID
		doc.LeaderStatusMap = res.ParticipantStatusMap
		doc.Lottery = &debug
		drawn = true
		return []events.Draft{{
			Type: events.LotteryDrawn, ExperimentID: key.ExperimentID, EntityKind: "stage", EntityID: key.String(),
			ActorID: actorOr(actorID),
			Payload: events.EventPayload{
				"winner_id":                   res.WinnerID,
				"seed":                        strconv.FormatUint(debug.Seed, 10),
				"roll":                        debug.Roll,
				"candidates":                  len(candidates),
				"candidate_pool_applied_only": debug.CandidatePoolAppliedOnly,
			},
		}}, nil
	})
	if err != nil {
		return domain.LotteryResult{}, false, err
	}
	if drawn {
		logger.Infof("lottery %s: winner %s", key, doc.WinnerID)
	}
	return resultOf(doc), drawn, nil
}

// LeaderStatus returns one participant's status for a drawn round.
func (e Engine) LeaderStatus(ctx context.Context, key domain.StageKey, publicID string) (domain.LeaderStatus, error) {
	doc, err := e.Stages.GetPublicStageData(ctx, key)
	if err != nil {
		return "", err
	}
	if doc.WinnerID == "" {
		return "", ErrLotteryPending
	}
	status, ok := doc.LeaderStatusMap[publicID]
	if !ok {
		return "", fmt.Errorf("participant %s in round %s: %w", publicID, key.StageID, store.ErrNotFound)
	}
	return status, nil
}

// LotteryResult returns the stored result of a drawn round.
func (e Engine) LotteryResult(ctx context.Context, key domain.StageKey) (domain.LotteryResult, error) {
	doc, err := e.Stages.GetPublicStageData(ctx, key)
	if err != nil {
		return domain.LotteryResult{}, err
	}
	if doc.WinnerID == "" {
		return domain.LotteryResult{}, ErrLotteryPending
	}
	return resultOf(doc), nil
}

func resultOf(doc domain.PublicStageData) domain.LotteryResult {
	res := domain.LotteryResult{WinnerID: doc.WinnerID, ParticipantStatusMap: doc.LeaderStatusMap}
	if doc.Lottery != nil {
		res.Debug = *doc.Lottery
	}
	return res
}

// candidates builds lottery entrants from stage answers. Missing answers
// count as zero and not applied; unreadable values are logged and skipped.
func (e Engine) candidates(ctx context.Context, lc config.LotteryConfig, active []domain.Participant) ([]domain.Candidate, error) {
	out := make([]domain.Candidate, 0, len(active))
	for _, p := range active {
		c := domain.Candidate{ID: p.PublicID}
		total := 0.0
		for _, stageID := range lc.PerformanceStages {
			a, err := e.Participants.GetStageAnswer(ctx, p.ExperimentID, p.PublicID, stageID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			v, ok := a.Payload[lc.ScoreField]
			if !ok {
				continue
			}
			n, ok := number(v)
			if !ok {
				logger.Warningf("lottery: %s/%s field %s is not a number: %v", p.PublicID, stageID, lc.ScoreField, v)
				continue
			}
			total += n
		}
		c.PerformanceScore = int(math.Round(total))
		a, err := e.Participants.GetStageAnswer(ctx, p.ExperimentID, p.PublicID, lc.ApplyStage)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			c.Applied = answerEquals(a.Payload[lc.ApplyQuestion], lc.ApplyOption)
		}
		out = append(out, c)
	}
	return out, nil
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

func answerEquals(v any, option string) bool {
	switch x := v.(type) {
	case string:
		return x == option
	case bool:
		return strconv.FormatBool(x) == option
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64) == option
	}
	return false
}
