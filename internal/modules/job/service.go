// README: Job service implements the post-assignment lifecycle transitions.
package job

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"roadcall/internal/faults"
	"roadcall/internal/types"
)

type Service struct {
	store *Store
}

func NewService(store *Store) *Service {
	return &Service{store: store}
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Job, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListStatusEvents(ctx context.Context, id types.ID) ([]Event, error) {
	return s.store.ListEvents(ctx, id)
}

// MarkEnRoute is called by the assigned provider when departing to the pickup.
func (s *Service) MarkEnRoute(ctx context.Context, jobID, providerID types.ID) error {
	return s.transition(ctx, jobID, providerID, StatusEnRoute)
}

// MarkInProgress is called when the provider arrives and starts the work.
func (s *Service) MarkInProgress(ctx context.Context, jobID, providerID types.ID) error {
	return s.transition(ctx, jobID, providerID, StatusInProgress)
}

// MarkCompleted closes the job.
func (s *Service) MarkCompleted(ctx context.Context, jobID, providerID types.ID) error {
	return s.transition(ctx, jobID, providerID, StatusCompleted)
}

func (s *Service) transition(ctx context.Context, jobID, providerID types.ID, to Status) error {
	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.ProviderID == nil || *j.ProviderID != providerID {
		return faults.New(faults.Forbidden, "job is not assigned to this provider")
	}
	if !CanTransition(j.Status, to) {
		return faults.Newf(faults.InvalidStatus, "cannot move job from %s to %s", j.Status, to)
	}
	ok, err := s.store.UpdateStatus(ctx, j.ID, j.Status, to, j.StatusVersion, nil)
	if err != nil {
		return err
	}
	if !ok {
		return faults.New(faults.Conflict, "job was modified concurrently, re-read and retry")
	}
	_ = s.store.AppendEvent(ctx, &Event{
		JobID:      j.ID,
		FromStatus: j.Status,
		ToStatus:   to,
		ActorType:  "provider",
		ActorID:    &providerID,
		CreatedAt:  time.Now(),
	})
	return nil
}

// NewID returns a fresh job id.
func NewID() types.ID {
	return types.ID(uuid.NewString())
}

// NewNumber builds the human-readable job number, e.g. RC-260830-9f3a2c.
func NewNumber(at time.Time) string {
	var b [3]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("RC-%s-%s", at.Format("060102"), hex.EncodeToString(b[:]))
}
