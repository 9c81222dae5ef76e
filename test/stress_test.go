package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"prospectflow/conversion"
	"prospectflow/notification"
	"prospectflow/stream"
	"prospectflow/test/actors"
	"prospectflow/test/chaos"
	"prospectflow/test/infra"
	"prospectflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent acquirers per key")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", false, "kill random backends during the run")
)

const (
	stressIngestKey = "stress-ingest-key"
	// Short on purpose: the Crasher wedges a key and the Acquirers must
	// reclaim it within the run.
	stressStaleAfter = 2 * time.Second
)

func TestConversionAndNotificationConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	// Assemble the real services on the shared pool.
	keyHash, err := bcrypt.GenerateFromPassword([]byte(stressIngestKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash ingest key: %v", err)
	}
	registry := stream.NewRegistry(8)
	ingest := notification.NewIngestService(notification.NewRepository(pool), registry, string(keyHash))
	locks := conversion.NewService(conversion.NewRepository(pool), stressStaleAfter)
	store := notification.NewRepository(pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// Acquirers battling over one key, with a Crasher wedging a second key
	// that the same Acquirers must reclaim.
	contested := fmt.Sprintf("prospect-%d", rand.Int63())
	wedged := fmt.Sprintf("prospect-%d", rand.Int63())
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Acquirer(ctx2, locks, contested, stop) })
		g.Go(func() error { return actors.Acquirer(ctx2, locks, wedged, stop) })
	}
	g.Go(func() error { return actors.Crasher(ctx2, locks, wedged, stop) })
	g.Go(func() error {
		return actors.DoubleReleaser(ctx2, locks, fmt.Sprintf("prospect-%d", rand.Int63()), stop)
	})

	// Notification pipeline under load.
	g.Go(func() error { return actors.Ingester(ctx2, ingest, stressIngestKey, stop) })
	g.Go(func() error { return actors.Ingester(ctx2, ingest, stressIngestKey, stop) })
	g.Go(func() error { return actors.Reader(ctx2, store, stop) })
	g.Go(func() error { return actors.Reader(ctx2, store, stop) })

	// Churning real-time subscribers.
	g.Go(func() error { return actors.Subscriber(ctx2, registry, notification.RoleAdmin, "user-0", stop) })
	g.Go(func() error { return actors.Subscriber(ctx2, registry, notification.RoleFormateur, "user-1", stop) })
	g.Go(func() error { return actors.Subscriber(ctx2, registry, notification.RoleEleve, "user-2", stop) })

	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	t.Logf("subscribers dropped %d pushes under backpressure (seed=%d)", registry.Dropped(), seed)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"conversion_actions", `SELECT id, cible_id, type_action, statut_action, date_debut, date_fin FROM conversion_actions ORDER BY date_debut DESC LIMIT 50`},
		{"notifications", `SELECT id, categorie, type, audience, cible_user_id, lue, archivee, cree_le FROM notifications ORDER BY cree_le DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
