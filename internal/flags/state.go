package flags

import (
	"time"

	"github.com/opensource-finance/tillwatch/internal/domain"
)

// transitions lists the legal next states. Terminal states have none.
var transitions = map[domain.FlagStatus][]domain.FlagStatus{
	domain.FlagPending: {
		domain.FlagInvestigating,
		domain.FlagResolved,
	},
	domain.FlagInvestigating: {
		domain.FlagFalsePositive,
		domain.FlagConfirmedFraud,
		domain.FlagResolved,
	},
}

// CanTransition reports whether a flag may move from one status to another.
func CanTransition(from, to domain.FlagStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Apply returns a copy of flag moved to req.NewStatus. The input flag is never
// modified; an illegal move returns *domain.InvalidTransitionError.
func Apply(flag *domain.FraudFlag, req domain.TransitionRequest, now time.Time) (*domain.FraudFlag, error) {
	if !CanTransition(flag.Status, req.NewStatus) {
		return nil, &domain.InvalidTransitionError{
			FlagID: flag.ID,
			From:   flag.Status,
			To:     req.NewStatus,
		}
	}

	next := *flag
	next.Status = req.NewStatus
	next.UpdatedAt = now
	if req.InvestigatedBy != "" {
		next.InvestigatedBy = req.InvestigatedBy
	}
	if req.InvestigationNotes != "" {
		next.InvestigationNotes = req.InvestigationNotes
	}
	if next.Status.Terminal() {
		resolved := now
		next.ResolvedAt = &resolved
	}
	return &next, nil
}
