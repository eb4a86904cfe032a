package xp

import (
	"context"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// AdjustmentKind tells how an adjustment moves TotalXP.
type AdjustmentKind string

const (
	// AdjustmentEvaluation grants XP from a teacher evaluation.
	AdjustmentEvaluation AdjustmentKind = "evaluation"
	// AdjustmentSpend removes XP spent on a reward.
	AdjustmentSpend AdjustmentKind = "spend"
)

// Adjustment is a non-practice change to a student's spendable XP.
type Adjustment struct {
	ID         string         `json:"id"`
	Kind       AdjustmentKind `json:"kind"`
	Amount     int64          `json:"amount"`
	Reason     string         `json:"reason,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// AdjustmentRepository reads a student's adjustments, oldest first.
type AdjustmentRepository interface {
	ListAdjustments(ctx context.Context, studentID string) ([]Adjustment, error)
}

// ApplyAdjustments replays adjustments in order over a practice total.
// Evaluations raise TotalXP, spends lower it and it never drops below zero.
// LifetimePracticeXP is left untouched.
func ApplyAdjustments(total Total, adjustments []Adjustment) (Total, error) {
	const op = "ApplyAdjustments"

	out := total
	for _, a := range adjustments {
		if a.Amount < 0 {
			return total, shared.NewDomainError("xp", op, shared.ErrNegativeValue,
				"adjustment "+a.ID+" has a negative amount")
		}
		switch a.Kind {
		case AdjustmentEvaluation:
			out.TotalXP += a.Amount
		case AdjustmentSpend:
			out.TotalXP -= a.Amount
			if out.TotalXP < 0 {
				out.TotalXP = 0
			}
		default:
			return total, shared.NewDomainError("xp", op, shared.ErrInvalidInput,
				"adjustment "+a.ID+" has unknown kind "+string(a.Kind))
		}
	}
	return out, nil
}
