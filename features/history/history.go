package history

import (
	"context"
	"time"
)

// Record is one terminal ingestion outcome, kept so the UI can show what
// was ingested after the in-memory session is gone.
type Record struct {
	ID         int       `json:"id"`
	JobID      string    `json:"job_id"`
	Name       string    `json:"name"`
	SourceType string    `json:"source_type"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Repository interface {
	Save(ctx context.Context, rec *Record) error
	List(ctx context.Context, limit int) ([]Record, error)
	Count(ctx context.Context) (int, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Record(ctx context.Context, rec *Record) error {
	return s.repo.Save(ctx, rec)
}

func (s *Service) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.List(ctx, limit)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
