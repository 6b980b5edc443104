// Package shadowmode computes rule accuracy against analyst-labeled ground
// truth for candidates evaluated in shadow mode (spec §4.7), on top of the
// raw ShadowResult storage in repositories.ShadowRepository.
package shadowmode

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/repositories"
)

// Service computes accuracy/trend/comparison metrics from labeled shadow
// results.
type Service struct {
	repo *repositories.ShadowRepository
}

// NewService creates a shadow-mode service.
func NewService(repo *repositories.ShadowRepository) *Service {
	return &Service{repo: repo}
}

// LogShadow records a candidate rule's evaluation in shadow mode, before any
// ground truth is known.
func (s *Service) LogShadow(ctx context.Context, orgID, ruleID, eventID, userID string, wouldHaveBlocked bool, confidence float64) error {
	return s.repo.Create(ctx, &models.ShadowResult{
		OrgID: orgID, RuleID: ruleID, EventID: eventID, UserID: userID,
		WouldHaveBlocked: wouldHaveBlocked, Confidence: confidence,
	})
}

// Label sets an analyst's ground-truth judgment on a result exactly once.
func (s *Service) Label(ctx context.Context, resultID uuid.UUID, actualFraud bool, analyst string) error {
	return s.repo.Label(ctx, resultID, actualFraud, analyst)
}

// PendingLabels returns results awaiting an analyst's judgment.
func (s *Service) PendingLabels(ctx context.Context, orgID string, limit int) ([]*models.ShadowResult, error) {
	return s.repo.GetPendingLabels(ctx, orgID, limit)
}

// Accuracy summarizes confusion-matrix counts, derived precision/recall/f1,
// and a promote/tune/keep-in-shadow recommendation.
type Accuracy struct {
	RuleID         string  `json:"rule_id"`
	WindowHours    int     `json:"window_hours"`
	TP             int     `json:"tp"`
	FP             int     `json:"fp"`
	FN             int     `json:"fn"`
	TN             int     `json:"tn"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
	Recommendation string  `json:"recommendation"`
}

func confusionMatrix(results []*models.ShadowResult) (tp, fp, fn, tn int) {
	for _, r := range results {
		if r.ActualFraud == nil {
			continue
		}
		switch {
		case r.WouldHaveBlocked && *r.ActualFraud:
			tp++
		case r.WouldHaveBlocked && !*r.ActualFraud:
			fp++
		case !r.WouldHaveBlocked && *r.ActualFraud:
			fn++
		default:
			tn++
		}
	}
	return
}

func precisionRecallF1(tp, fp, fn int) (precision, recall, f1 float64) {
	if tp+fp > 0 {
		precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		recall = float64(tp) / float64(tp+fn)
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	return
}

func recommend(f1 float64) string {
	switch {
	case f1 >= 0.92:
		return "promote"
	case f1 >= 0.80:
		return "tune"
	default:
		return "keep_in_shadow"
	}
}

// Accuracy computes confusion-matrix metrics for ruleID over the trailing
// windowHours of labeled results.
func (s *Service) Accuracy(ctx context.Context, orgID, ruleID string, windowHours int) (*Accuracy, error) {
	since := time.Now().Add(-time.Duration(windowHours) * time.Hour)
	results, err := s.repo.GetLabeledInWindow(ctx, orgID, ruleID, since)
	if err != nil {
		return nil, err
	}

	tp, fp, fn, tn := confusionMatrix(results)
	precision, recall, f1 := precisionRecallF1(tp, fp, fn)

	return &Accuracy{
		RuleID: ruleID, WindowHours: windowHours,
		TP: tp, FP: fp, FN: fn, TN: tn,
		Precision: precision, Recall: recall, F1: f1,
		Recommendation: recommend(f1),
	}, nil
}

// DayAccuracy is one day's slice of Accuracy within a Trends response.
type DayAccuracy struct {
	Date time.Time `json:"date"`
	Accuracy
}

// Trends computes per-day accuracy for ruleID over the trailing days days.
func (s *Service) Trends(ctx context.Context, orgID, ruleID string, days int) ([]DayAccuracy, error) {
	now := time.Now()
	out := make([]DayAccuracy, 0, days)

	for i := days - 1; i >= 0; i-- {
		dayStart := now.AddDate(0, 0, -i).Truncate(24 * time.Hour)
		dayEnd := dayStart.Add(24 * time.Hour)

		results, err := s.repo.GetLabeledInWindow(ctx, orgID, ruleID, dayStart)
		if err != nil {
			return nil, err
		}
		var dayResults []*models.ShadowResult
		for _, r := range results {
			if r.CreatedAt.Before(dayEnd) {
				dayResults = append(dayResults, r)
			}
		}

		tp, fp, fn, tn := confusionMatrix(dayResults)
		precision, recall, f1 := precisionRecallF1(tp, fp, fn)

		out = append(out, DayAccuracy{
			Date: dayStart,
			Accuracy: Accuracy{
				RuleID: ruleID, WindowHours: 24,
				TP: tp, FP: fp, FN: fn, TN: tn,
				Precision: precision, Recall: recall, F1: f1,
				Recommendation: recommend(f1),
			},
		})
	}

	return out, nil
}

// Comparison is the parallel-metrics-plus-winner result of Compare.
type Comparison struct {
	RuleA   Accuracy `json:"rule_a"`
	RuleB   Accuracy `json:"rule_b"`
	Winner  string   `json:"winner,omitempty"`
	DeltaF1 float64  `json:"delta_f1"`
}

// Compare computes accuracy for both rules over the same window and picks a
// winner only when the f1 gap exceeds 0.05; otherwise the comparison is a
// statistical tie and Winner is left empty.
func (s *Service) Compare(ctx context.Context, orgID, ruleA, ruleB string, windowHours int) (*Comparison, error) {
	accA, err := s.Accuracy(ctx, orgID, ruleA, windowHours)
	if err != nil {
		return nil, err
	}
	accB, err := s.Accuracy(ctx, orgID, ruleB, windowHours)
	if err != nil {
		return nil, err
	}

	delta := accA.F1 - accB.F1
	absDelta := delta
	if absDelta < 0 {
		absDelta = -absDelta
	}

	comparison := &Comparison{RuleA: *accA, RuleB: *accB, DeltaF1: delta}
	if absDelta > 0.05 {
		if delta > 0 {
			comparison.Winner = ruleA
		} else {
			comparison.Winner = ruleB
		}
	}
	return comparison, nil
}
