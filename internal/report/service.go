package report

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/recon/internal/recon"
)

// Service persists and serves reconciliation run summaries. It implements
// the engine's audit sink.
type Service struct {
	repo RunRepository
	log  zerolog.Logger
}

// NewService creates a report service.
func NewService(repo RunRepository, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log}
}

// RecordRun stores a run summary. Persistence failures are logged and
// swallowed; auditing never fails a reconciliation.
func (s *Service) RecordRun(ctx context.Context, rep recon.RunReport) {
	run := &Run{
		Operation:  rep.Operation,
		Subject:    rep.Subject,
		Examined:   rep.Examined,
		Created:    rep.Created,
		Updated:    rep.Updated,
		Matched:    rep.Matched,
		Merged:     rep.Merged,
		Errors:     rep.Errors,
		DurationMS: rep.Duration.Milliseconds(),
		RecordedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, run); err != nil {
		s.log.Error().Err(err).
			Str("operation", rep.Operation).
			Str("subject", rep.Subject).
			Msg("failed to persist run report")
	}
}

// GetRun returns a run by id.
func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	run, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns recent runs, optionally filtered by subject.
func (s *Service) ListRuns(ctx context.Context, subject string, limit int) ([]*Run, error) {
	runs, err := s.repo.List(ctx, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}
