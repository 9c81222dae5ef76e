package notification

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func integrationPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'notifications')`).Scan(&exists); err != nil || !exists {
		t.Skip("notifications table missing; ensure migrations are applied")
	}
	return pool
}

func TestRepositoryRoundTrip(t *testing.T) {
	pool := integrationPool(t)
	repo := NewRepository(pool)
	ctx := context.Background()

	marker := uuid.NewString()
	created, err := repo.Create(ctx, CreateParams{
		SourceAgent: "integration-test",
		Categorie:   "PLANNING",
		Type:        "SESSION_MODIFIEE",
		Priorite:    PrioriteHaute,
		Titre:       "Salle changée " + marker,
		Message:     "Nouvelle salle B204",
		Audience:    Audience{Kind: AudienceFormateur},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM notifications WHERE id = $1`, created.ID)
	})

	if created.ID == "" || created.CreeLe.IsZero() {
		t.Fatalf("server-assigned identity missing: %+v", created)
	}
	if created.Lue || created.Archivee {
		t.Fatalf("fresh notification must be unread and unarchived")
	}

	fetched, err := repo.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.ID != created.ID || fetched.Titre != created.Titre {
		t.Fatalf("get mismatch: %+v vs %+v", fetched, created)
	}

	// Visible to a trainer, exactly once, with identical fields.
	list, err := repo.List(ctx, ListFilter{
		Audiences: AllowedAudiences(RoleFormateur, "f1"),
		Recherche: marker,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(list))
	}
	got := list[0]
	if got.Titre != created.Titre || got.Message != created.Message || got.Priorite != created.Priorite || got.Audience != created.Audience {
		t.Fatalf("round-trip mismatch: %+v vs %+v", got, created)
	}

	// Invisible to students.
	eleveList, err := repo.List(ctx, ListFilter{
		Audiences: AllowedAudiences(RoleEleve, "e1"),
		Recherche: marker,
	})
	if err != nil {
		t.Fatalf("list eleve: %v", err)
	}
	if len(eleveList) != 0 {
		t.Fatalf("student query must not include FORMATEUR rows")
	}
}

func TestRepositorySpecifiqueVisibility(t *testing.T) {
	pool := integrationPool(t)
	repo := NewRepository(pool)
	ctx := context.Background()

	target := uuid.NewString()
	marker := uuid.NewString()
	created, err := repo.Create(ctx, CreateParams{
		Categorie: "EVALUATION",
		Type:      "NOTE_DISPONIBLE",
		Priorite:  PrioriteNormale,
		Titre:     "Résultat disponible " + marker,
		Message:   "Votre évaluation est corrigée.",
		Audience:  Audience{Kind: AudienceSpecifique, UserID: target},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM notifications WHERE id = $1`, created.ID)
	})

	own, err := repo.List(ctx, ListFilter{Audiences: AllowedAudiences(RoleEleve, target), Recherche: marker})
	if err != nil {
		t.Fatalf("list own: %v", err)
	}
	if len(own) != 1 {
		t.Fatalf("named target should see the row, got %d", len(own))
	}

	other, err := repo.List(ctx, ListFilter{Audiences: AllowedAudiences(RoleEleve, uuid.NewString()), Recherche: marker})
	if err != nil {
		t.Fatalf("list other: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("other users must not see a SPECIFIQUE row")
	}
}

func TestRepositoryFlagsAndCounts(t *testing.T) {
	pool := integrationPool(t)
	repo := NewRepository(pool)
	ctx := context.Background()

	marker := uuid.NewString()
	var ids []string
	for i := 0; i < 3; i++ {
		n, err := repo.Create(ctx, CreateParams{
			Categorie: "ALERTE",
			Type:      "RELANCE",
			Priorite:  PrioriteNormale,
			Titre:     fmt.Sprintf("Relance %d %s", i, marker),
			Message:   "Relance prospect",
			Audience:  Audience{Kind: AudienceAdmin},
		})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, n.ID)
	}
	t.Cleanup(func() {
		for _, id := range ids {
			pool.Exec(context.Background(), `DELETE FROM notifications WHERE id = $1`, id)
		}
	})

	if err := repo.MarkRead(ctx, ids[0]); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	// Marking read twice keeps the original read timestamp.
	if err := repo.MarkRead(ctx, ids[0]); err != nil {
		t.Fatalf("mark read again: %v", err)
	}

	filter := ListFilter{Audiences: AllowedAudiences(RoleAdmin, "a1"), Recherche: marker}
	counts, err := repo.CountByState(ctx, filter)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts.Total != 3 || counts.NonLues != 2 {
		t.Fatalf("expected total=3 nonLues=2, got %+v", counts)
	}

	if err := repo.Archive(ctx, ids[1]); err != nil {
		t.Fatalf("archive: %v", err)
	}
	counts, err = repo.CountByState(ctx, filter)
	if err != nil {
		t.Fatalf("count after archive: %v", err)
	}
	if counts.Total != 2 {
		t.Fatalf("archived rows are excluded by default, got %+v", counts)
	}

	if err := repo.MarkRead(ctx, uuid.NewString()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestRepositoryPriorityOrdering(t *testing.T) {
	pool := integrationPool(t)
	repo := NewRepository(pool)
	ctx := context.Background()

	marker := uuid.NewString()
	priorites := []Priorite{PrioriteBasse, PrioriteUrgente, PrioriteNormale, PrioriteHaute}
	var ids []string
	for i, p := range priorites {
		n, err := repo.Create(ctx, CreateParams{
			Categorie: "PLANNING",
			Type:      "TEST_ORDRE",
			Priorite:  p,
			Titre:     fmt.Sprintf("Ordre %d %s", i, marker),
			Message:   "ordering probe",
			Audience:  Audience{Kind: AudienceAdmin},
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, n.ID)
	}
	t.Cleanup(func() {
		for _, id := range ids {
			pool.Exec(context.Background(), `DELETE FROM notifications WHERE id = $1`, id)
		}
	})

	list, err := repo.List(ctx, ListFilter{
		Audiences:       AllowedAudiences(RoleAdmin, "a1"),
		Recherche:       marker,
		OrderByPriority: true,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []Priorite{PrioriteUrgente, PrioriteHaute, PrioriteNormale, PrioriteBasse}
	if len(list) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(list))
	}
	for i, p := range want {
		if list[i].Priorite != p {
			t.Fatalf("position %d: expected %s, got %s", i, p, list[i].Priorite)
		}
	}
}
