package usecase

import (
	"fmt"

	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

// QueryService reads job records with principal scoping.
type QueryService struct {
	Jobs domain.JobRepository
}

func NewQueryService(j domain.JobRepository) QueryService {
	return QueryService{Jobs: j}
}

// Get returns a job visible to the caller. Another principal's job reads as
// absent so ids cannot be probed; internal callers see everything.
func (s QueryService) Get(ctx domain.Context, id, owner, role string) (domain.Job, error) {
	j, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if role != domain.RoleInternal && j.OwnerToken != owner {
		return domain.Job{}, fmt.Errorf("op=usecase.Get: %w: job %s", domain.ErrNotFound, id)
	}
	return j, nil
}

// List returns the caller's jobs newest-first.
func (s QueryService) List(ctx domain.Context, owner string, limit, offset int) ([]domain.Job, error) {
	return s.Jobs.ListByOwner(ctx, owner, limit, offset)
}
