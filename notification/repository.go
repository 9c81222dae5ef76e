package notification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no notification row exists for the id.
	ErrNotFound = errors.New("notification: not found")
)

// Repository abstracts the durable store so the ingest service can be tested
// without a database.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (Notification, error)
	Get(ctx context.Context, id string) (Notification, error)
	List(ctx context.Context, filter ListFilter) ([]Notification, error)
	MarkRead(ctx context.Context, id string) error
	Archive(ctx context.Context, id string) error
	CountByState(ctx context.Context, filter ListFilter) (Counts, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const notificationColumns = `id, source_agent, categorie, type, priorite::text, titre, message,
       audience::text, cible_user_id, entite_type, entite_id,
       action_requise, type_action, lien_action, lue, lue_le, archivee, cree_le`

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Notification, error) {
	if err := validateCreate(params); err != nil {
		return Notification{}, err
	}

	var cibleUserID any
	if params.Audience.Kind == AudienceSpecifique {
		cibleUserID = params.Audience.UserID
	}

	const query = `
		INSERT INTO notifications
			(source_agent, categorie, type, priorite, titre, message,
			 audience, cible_user_id, entite_type, entite_id,
			 action_requise, type_action, lien_action)
		VALUES ($1, $2, $3, $4::notification_priorite, $5, $6,
		        $7::notification_audience, $8, $9, $10, $11, $12, $13)
		RETURNING ` + notificationColumns

	row := r.pool.QueryRow(ctx, query,
		params.SourceAgent,
		params.Categorie,
		params.Type,
		params.Priorite,
		params.Titre,
		params.Message,
		params.Audience.Kind,
		cibleUserID,
		params.EntiteType,
		params.EntiteID,
		params.ActionRequise,
		params.TypeAction,
		params.LienAction,
	)
	n, err := scanNotification(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return Notification{}, &ValidationError{Fields: []string{"audienceUserId"}}
		}
		return Notification{}, fmt.Errorf("notification: insert: %w", err)
	}
	return n, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Notification, error) {
	const query = `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`
	n, err := scanNotification(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Notification{}, ErrNotFound
		}
		return Notification{}, fmt.Errorf("notification: get: %w", err)
	}
	return n, nil
}

func (r *PGRepository) List(ctx context.Context, filter ListFilter) ([]Notification, error) {
	if len(filter.Audiences) == 0 {
		return []Notification{}, nil
	}

	where, args := buildWhere(filter)

	order := "cree_le DESC"
	if filter.OrderByPriority {
		order = `CASE priorite
			WHEN 'URGENTE' THEN 0
			WHEN 'HAUTE' THEN 1
			WHEN 'NORMALE' THEN 2
			ELSE 3 END, cree_le DESC`
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE ` + where +
		` ORDER BY ` + order + ` LIMIT ` + strconv.Itoa(clampLimit(filter.Limit))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("notification: list: %w", err)
	}
	defer rows.Close()

	out := make([]Notification, 0, 16)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("notification: scan: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notification: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) MarkRead(ctx context.Context, id string) error {
	const query = `
		UPDATE notifications
		SET lue = true, lue_le = COALESCE(lue_le, now())
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("notification: mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) Archive(ctx context.Context, id string) error {
	const query = `UPDATE notifications SET archivee = true WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("notification: archive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) CountByState(ctx context.Context, filter ListFilter) (Counts, error) {
	if len(filter.Audiences) == 0 {
		return Counts{}, nil
	}

	where, args := buildWhere(filter)
	query := `SELECT COUNT(*), COUNT(*) FILTER (WHERE NOT lue) FROM notifications WHERE ` + where

	var c Counts
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&c.Total, &c.NonLues); err != nil {
		return Counts{}, fmt.Errorf("notification: count: %w", err)
	}
	return c, nil
}

// clampLimit applies the default page size and the hard cap: an unset limit
// gets the default, an oversized one gets the cap, never less.
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}

// buildWhere assembles the compositional filter. The audience clause is an OR
// over the resolved matchers; callers guarantee the set is non-empty.
func buildWhere(filter ListFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	audience := make([]string, 0, len(filter.Audiences))
	for _, a := range filter.Audiences {
		if a.Kind == AudienceSpecifique {
			if a.UserID == "" {
				continue
			}
			audience = append(audience,
				"(audience = 'SPECIFIQUE' AND cible_user_id = "+arg(a.UserID)+")")
			continue
		}
		audience = append(audience, "audience = "+arg(string(a.Kind))+"::notification_audience")
	}
	if len(audience) == 0 {
		// Resolved set contained only an unusable SPECIFIQUE matcher.
		clauses = append(clauses, "false")
	} else {
		clauses = append(clauses, "("+strings.Join(audience, " OR ")+")")
	}

	if filter.Categorie != "" {
		clauses = append(clauses, "categorie = "+arg(filter.Categorie))
	}
	if filter.NonLues {
		clauses = append(clauses, "NOT lue")
	}
	if !filter.IncludeArchived {
		clauses = append(clauses, "NOT archivee")
	}
	if filter.Recherche != "" {
		p := arg("%" + filter.Recherche + "%")
		clauses = append(clauses, "(titre ILIKE "+p+" OR message ILIKE "+p+")")
	}

	return strings.Join(clauses, " AND "), args
}

func scanNotification(row pgx.Row) (Notification, error) {
	var (
		n           Notification
		audience    string
		cibleUserID *string
	)
	if err := row.Scan(
		&n.ID,
		&n.SourceAgent,
		&n.Categorie,
		&n.Type,
		&n.Priorite,
		&n.Titre,
		&n.Message,
		&audience,
		&cibleUserID,
		&n.EntiteType,
		&n.EntiteID,
		&n.ActionRequise,
		&n.TypeAction,
		&n.LienAction,
		&n.Lue,
		&n.LueLe,
		&n.Archivee,
		&n.CreeLe,
	); err != nil {
		return Notification{}, err
	}
	n.Audience = Audience{Kind: AudienceKind(audience)}
	if cibleUserID != nil {
		n.Audience.UserID = *cibleUserID
	}
	return n, nil
}
