// Package flags creates fraud flags idempotently and owns their investigation lifecycle.
package flags

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/tillwatch/internal/domain"
	"github.com/opensource-finance/tillwatch/internal/metrics"
	"github.com/opensource-finance/tillwatch/internal/scoring"
)

// flagNamespace scopes deterministic flag IDs.
var flagNamespace = uuid.MustParse("6f1d3c52-8a4e-4b8e-9a57-2f0c4d1e7b90")

// maxTransitionAttempts bounds re-reads after a concurrent status change.
const maxTransitionAttempts = 3

// FlagID derives the flag ID for an (eventId, ruleId) pair.
func FlagID(eventID, ruleID string) string {
	return uuid.NewSHA1(flagNamespace, []byte(eventID+"|"+ruleID)).String()
}

// Store is the flag store. It is safe for concurrent use.
type Store struct {
	repo domain.FlagRepository
	now  func() time.Time
}

// NewStore creates a flag store over repo.
func NewStore(repo domain.FlagRepository) *Store {
	return &Store{repo: repo, now: time.Now}
}

// Create records a PENDING flag for a rule match. Creating the same
// (eventId, ruleId) again returns the existing flag with created=false.
func (s *Store) Create(ctx context.Context, event *domain.POSEvent, match domain.RuleMatch) (*domain.FraudFlag, bool, error) {
	now := s.now().UTC()

	flag := &domain.FraudFlag{
		ID:                    FlagID(event.EventID, match.RuleID),
		EventID:               event.EventID,
		RuleID:                match.RuleID,
		RuleVersion:           match.Version,
		Severity:              match.Severity,
		RiskScoreContribution: scoring.Weight(match.Severity),
		Evidence:              match.Evidence,
		Status:                domain.FlagPending,
		BranchID:              event.BranchID,
		CashierID:             event.CashierID,
		OccurredAt:            event.OccurredAt.UTC(),
		Exposure:              event.Exposure(),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if match.Rule != nil {
		flag.RuleFamily = match.Rule.RuleFamily
	}

	stored, created, err := s.repo.CreateFlag(ctx, flag)
	if err != nil {
		return nil, false, fmt.Errorf("creating flag for rule %s: %w", match.RuleID, err)
	}

	if created {
		metrics.FlagsCreatedTotal.WithLabelValues(string(stored.Severity)).Inc()
	} else {
		metrics.FlagsDuplicateTotal.Inc()
	}
	return stored, created, nil
}

// Get returns a flag by ID.
func (s *Store) Get(ctx context.Context, id string) (*domain.FraudFlag, error) {
	return s.repo.GetFlag(ctx, id)
}

// List returns a page of flags.
func (s *Store) List(ctx context.Context, filter domain.FlagFilter) (*domain.FlagPage, error) {
	filter.Normalize()
	return s.repo.ListFlags(ctx, filter)
}

// DailyMetrics aggregates flags per day and branch.
func (s *Store) DailyMetrics(ctx context.Context, filter domain.MetricsFilter) ([]*domain.DailyMetric, error) {
	return s.repo.DailyMetrics(ctx, filter)
}

// Transition moves a flag through the investigation state machine. The stored
// flag changes only if the move is legal from its current status.
func (s *Store) Transition(ctx context.Context, req domain.TransitionRequest) (*domain.FraudFlag, error) {
	if !req.NewStatus.Valid() {
		verr := &domain.ValidationError{}
		verr.Add("newStatus", "unknown status %q", req.NewStatus)
		return nil, verr
	}

	for attempt := 1; ; attempt++ {
		current, err := s.repo.GetFlag(ctx, req.FlagID)
		if err != nil {
			return nil, err
		}

		next, err := Apply(current, req, s.now().UTC())
		if err != nil {
			metrics.FlagTransitionsTotal.WithLabelValues(string(req.NewStatus), "invalid").Inc()
			return nil, err
		}

		err = s.repo.UpdateFlagStatus(ctx, next, current.Status)
		if err == nil {
			metrics.FlagTransitionsTotal.WithLabelValues(string(req.NewStatus), "ok").Inc()
			slog.Info("flag transitioned",
				"flag_id", next.ID,
				"from", current.Status,
				"to", next.Status,
				"investigated_by", next.InvestigatedBy,
			)
			return next, nil
		}
		if !errors.Is(err, domain.ErrConcurrentUpdate) || attempt >= maxTransitionAttempts {
			if errors.Is(err, domain.ErrConcurrentUpdate) {
				metrics.FlagTransitionsTotal.WithLabelValues(string(req.NewStatus), "conflict").Inc()
			}
			return nil, err
		}
	}
}

// RecordActions appends action outcomes to their flags' history.
func (s *Store) RecordActions(ctx context.Context, actions []domain.FraudAction) error {
	if len(actions) == 0 {
		return nil
	}
	return s.repo.SaveActions(ctx, actions)
}

// Actions returns the action history of a flag, oldest first.
func (s *Store) Actions(ctx context.Context, flagID string) ([]domain.FraudAction, error) {
	if _, err := s.repo.GetFlag(ctx, flagID); err != nil {
		return nil, err
	}
	return s.repo.ListActions(ctx, flagID)
}
