package conversion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no lease row exists for the id.
	ErrNotFound = errors.New("conversion: lock not found")
	// ErrAlreadyReleased signals a release against a terminal lease. Callers
	// treat it as a benign no-op, not a fault.
	ErrAlreadyReleased = errors.New("conversion: lock already released")
	// errActiveExists is the internal translation of the partial unique index
	// rejecting a second EN_COURS row for the same key.
	errActiveExists = errors.New("conversion: active lock exists")
)

// Repository is the data access the lock service needs.
type Repository interface {
	Acquire(ctx context.Context, id, cibleID, typeAction string, payload map[string]any, staleBefore time.Time) (Lock, error)
	Active(ctx context.Context, cibleID, typeAction string, staleBefore time.Time) (Lock, error)
	Release(ctx context.Context, lockID string, outcome StatutAction) (Lock, error)
	Get(ctx context.Context, id string) (Lock, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const lockColumns = `id, cible_id, type_action, statut_action::text, payload, date_debut, date_fin`

// Acquire reclaims any stale lease for the key and inserts a fresh EN_COURS
// row in the same transaction. The partial unique index on
// (cible_id, type_action) WHERE statut_action = 'EN_COURS' is the arbiter:
// two concurrent acquisitions for the same key cannot both commit, whatever
// the interleaving. No prior existence check is consulted.
func (r *PGRepository) Acquire(ctx context.Context, id, cibleID, typeAction string, payload map[string]any, staleBefore time.Time) (Lock, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return Lock{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Lock{}, fmt.Errorf("conversion: begin acquire tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// A crashed workflow leaves its lease in EN_COURS forever; past the
	// staleness threshold it is reclaimed here, inside the acquiring
	// transaction, so the key is never wedged. The reclaimed row keeps its
	// payload and start time for audit.
	const reclaimSQL = `
		UPDATE conversion_actions
		SET statut_action = 'ECHOUEE', date_fin = now()
		WHERE cible_id = $1 AND type_action = $2
		  AND statut_action = 'EN_COURS'
		  AND date_debut <= $3
	`
	if _, err := tx.Exec(ctx, reclaimSQL, cibleID, typeAction, staleBefore); err != nil {
		return Lock{}, fmt.Errorf("conversion: reclaim stale: %w", err)
	}

	const insertSQL = `
		INSERT INTO conversion_actions (id, cible_id, type_action, statut_action, payload)
		VALUES ($1, $2, $3, 'EN_COURS', $4::jsonb)
		RETURNING ` + lockColumns

	lock, err := scanLock(tx.QueryRow(ctx, insertSQL, id, cibleID, typeAction, body))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Lock{}, errActiveExists
		}
		return Lock{}, fmt.Errorf("conversion: insert lock: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Lock{}, fmt.Errorf("conversion: commit acquire: %w", err)
	}
	return lock, nil
}

// Active returns the non-stale EN_COURS lease for the key, or ErrNotFound.
func (r *PGRepository) Active(ctx context.Context, cibleID, typeAction string, staleBefore time.Time) (Lock, error) {
	const query = `
		SELECT ` + lockColumns + `
		FROM conversion_actions
		WHERE cible_id = $1 AND type_action = $2
		  AND statut_action = 'EN_COURS'
		  AND date_debut > $3
	`
	lock, err := scanLock(r.pool.QueryRow(ctx, query, cibleID, typeAction, staleBefore))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lock{}, ErrNotFound
		}
		return Lock{}, fmt.Errorf("conversion: query active: %w", err)
	}
	return lock, nil
}

// Release transitions EN_COURS to the terminal outcome. Releasing an already
// terminal lease returns ErrAlreadyReleased with the existing row untouched.
func (r *PGRepository) Release(ctx context.Context, lockID string, outcome StatutAction) (Lock, error) {
	const query = `
		UPDATE conversion_actions
		SET statut_action = $2::conversion_statut, date_fin = now()
		WHERE id = $1 AND statut_action = 'EN_COURS'
		RETURNING ` + lockColumns

	lock, err := scanLock(r.pool.QueryRow(ctx, query, lockID, outcome))
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Lock{}, fmt.Errorf("conversion: release: %w", err)
	}

	existing, getErr := r.Get(ctx, lockID)
	if getErr != nil {
		return Lock{}, getErr
	}
	return existing, ErrAlreadyReleased
}

func (r *PGRepository) Get(ctx context.Context, id string) (Lock, error) {
	const query = `SELECT ` + lockColumns + ` FROM conversion_actions WHERE id = $1`
	lock, err := scanLock(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lock{}, ErrNotFound
		}
		return Lock{}, fmt.Errorf("conversion: get lock: %w", err)
	}
	return lock, nil
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("conversion: marshal payload: %w", err)
	}
	return body, nil
}

func scanLock(row pgx.Row) (Lock, error) {
	var (
		lock Lock
		body []byte
	)
	if err := row.Scan(
		&lock.ID,
		&lock.CibleID,
		&lock.TypeAction,
		&lock.StatutAction,
		&body,
		&lock.DateDebut,
		&lock.DateFin,
	); err != nil {
		return Lock{}, err
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &lock.Payload); err != nil {
			return Lock{}, fmt.Errorf("conversion: decode payload: %w", err)
		}
	}
	return lock, nil
}
