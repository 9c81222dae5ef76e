package conversion

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
)

// DefaultStaleAfter bounds how long a crashed workflow can wedge a key.
const DefaultStaleAfter = 30 * time.Minute

// Service serializes conversion workflows per (cible_id, type_action).
type Service struct {
	repo       Repository
	staleAfter time.Duration
	now        func() time.Time
	idGen      func() string
}

func NewService(repo Repository, staleAfter time.Duration) *Service {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Service{
		repo:       repo,
		staleAfter: staleAfter,
		now:        time.Now,
		idGen:      func() string { return uuid.NewString() },
	}
}

// TryAcquire grants the lease or returns *BusyError describing the current
// holder. Exactly one of N concurrent callers for the same key succeeds.
func (s *Service) TryAcquire(ctx context.Context, cibleID, typeAction string, payload map[string]any) (Lock, error) {
	var fields []string
	if cibleID == "" {
		fields = append(fields, "cibleId")
	}
	if typeAction == "" {
		fields = append(fields, "typeAction")
	}
	if len(fields) > 0 {
		return Lock{}, &ValidationError{Fields: fields}
	}

	staleBefore := s.now().Add(-s.staleAfter)
	lock, err := s.repo.Acquire(ctx, s.idGen(), cibleID, typeAction, payload, staleBefore)
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, errActiveExists) {
		return Lock{}, err
	}

	holder, holderErr := s.repo.Active(ctx, cibleID, typeAction, staleBefore)
	if holderErr != nil {
		if errors.Is(holderErr, ErrNotFound) {
			// Holder released between our insert and this read; the caller
			// can simply retry.
			return Lock{}, &BusyError{CibleID: cibleID, TypeAction: typeAction, Since: s.now()}
		}
		return Lock{}, holderErr
	}

	return Lock{}, &BusyError{
		CibleID:    cibleID,
		TypeAction: typeAction,
		Since:      holder.DateDebut,
		Elapsed:    s.now().Sub(holder.DateDebut),
		Payload:    holder.Payload,
	}
}

// Release transitions the lease to TERMINEE or ECHOUEE. Double release is
// logged and absorbed so a retrying workflow never aborts on cleanup.
func (s *Service) Release(ctx context.Context, lockID string, outcome StatutAction) (Lock, error) {
	var fields []string
	if lockID == "" {
		fields = append(fields, "lockId")
	}
	if outcome != StatutTerminee && outcome != StatutEchouee {
		fields = append(fields, "outcome")
	}
	if len(fields) > 0 {
		return Lock{}, &ValidationError{Fields: fields}
	}

	lock, err := s.repo.Release(ctx, lockID, outcome)
	if err != nil {
		if errors.Is(err, ErrAlreadyReleased) {
			log.Printf("conversion: release of terminal lock %s ignored (statut=%s)", lockID, lock.StatutAction)
			return lock, nil
		}
		return Lock{}, err
	}
	return lock, nil
}

// Status answers the pre-flight "is a conversion already running" question. A
// stale lease reads as not busy even though its row is still queryable by id.
func (s *Service) Status(ctx context.Context, cibleID, typeAction string) (Status, error) {
	var fields []string
	if cibleID == "" {
		fields = append(fields, "cibleId")
	}
	if typeAction == "" {
		fields = append(fields, "typeAction")
	}
	if len(fields) > 0 {
		return Status{}, &ValidationError{Fields: fields}
	}

	staleBefore := s.now().Add(-s.staleAfter)
	holder, err := s.repo.Active(ctx, cibleID, typeAction, staleBefore)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Status{}, nil
		}
		return Status{}, err
	}

	since := holder.DateDebut
	return Status{EnCours: true, Since: &since, Payload: holder.Payload}, nil
}

// Get returns any lease row by id, terminal or not.
func (s *Service) Get(ctx context.Context, id string) (Lock, error) {
	return s.repo.Get(ctx, id)
}
