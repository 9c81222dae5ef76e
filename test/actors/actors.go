// Package actors hosts the concurrent workloads the stress run throws at the
// notification and conversion services. Each actor loops until stop closes,
// absorbing the contention outcomes it is designed to provoke.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"prospectflow/conversion"
	"prospectflow/notification"
	"prospectflow/stream"
)

// Acquirer competes for the conversion lease on one key. When granted it holds
// the lease briefly, then releases with a random terminal outcome. Busy
// rejections are the expected result of contention, never a failure.
func Acquirer(ctx context.Context, svc *conversion.Service, cibleID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		lock, err := svc.TryAcquire(ctx, cibleID, conversion.TypeActionConvertirCandidat, map[string]any{"actor": "acquirer"})
		if err != nil {
			var busy *conversion.BusyError
			if !errors.As(err, &busy) {
				return fmt.Errorf("acquirer: %w", err)
			}
			time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
			continue
		}

		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)

		outcome := conversion.StatutTerminee
		if rand.Intn(4) == 0 {
			outcome = conversion.StatutEchouee
		}
		if _, err := svc.Release(ctx, lock.ID, outcome); err != nil {
			return fmt.Errorf("acquirer release: %w", err)
		}
		time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
	}
}

// Crasher acquires the lease and walks away without releasing, simulating a
// workflow that died mid-conversion. With a short staleness threshold the
// Acquirers must reclaim the wedged lease and keep making progress.
func Crasher(ctx context.Context, svc *conversion.Service, cibleID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		_, err := svc.TryAcquire(ctx, cibleID, conversion.TypeActionConvertirCandidat, map[string]any{"actor": "crasher"})
		if err != nil {
			var busy *conversion.BusyError
			if !errors.As(err, &busy) {
				return fmt.Errorf("crasher: %w", err)
			}
		}
		// Never release; just wait out the staleness window plus a margin.
		time.Sleep(time.Duration(2500+rand.Intn(1500)) * time.Millisecond)
	}
}

// DoubleReleaser races duplicate releases for the same lease to verify the
// second one is absorbed instead of corrupting the terminal state.
func DoubleReleaser(ctx context.Context, svc *conversion.Service, cibleID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		lock, err := svc.TryAcquire(ctx, cibleID, conversion.TypeActionConvertirCandidat, nil)
		if err != nil {
			var busy *conversion.BusyError
			if !errors.As(err, &busy) {
				return fmt.Errorf("double releaser acquire: %w", err)
			}
			time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
			continue
		}

		for i := 0; i < 3; i++ {
			if _, err := svc.Release(ctx, lock.ID, conversion.StatutTerminee); err != nil {
				return fmt.Errorf("double releaser release %d: %w", i, err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Ingester pushes notifications through the authenticated gateway with
// rotating audiences and priorities.
func Ingester(ctx context.Context, svc *notification.IngestService, apiKey string, stop <-chan struct{}) error {
	audiences := []string{"ADMIN", "FORMATEUR", "ELEVE", "SPECIFIQUE"}
	priorites := []notification.Priorite{
		notification.PrioriteBasse,
		notification.PrioriteNormale,
		notification.PrioriteHaute,
		notification.PrioriteUrgente,
	}
	i := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		i++
		req := notification.IngestRequest{
			SourceAgent: "stress-ingester",
			Categorie:   "PLANNING",
			Type:        "STRESS_EVENT",
			Priorite:    priorites[rand.Intn(len(priorites))],
			Titre:       fmt.Sprintf("Stress %d", i),
			Message:     "stress payload",
			Audience:    audiences[rand.Intn(len(audiences))],
		}
		if req.Audience == "SPECIFIQUE" {
			req.AudienceUserID = fmt.Sprintf("user-%d", rand.Intn(4))
		}

		if _, err := svc.Ingest(ctx, req, apiKey); err != nil {
			return fmt.Errorf("ingester: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Reader queries the feed for rotating principals and flips random rows to
// read or archived, exercising the flag paths under concurrent ingestion.
func Reader(ctx context.Context, repo notification.Repository, stop <-chan struct{}) error {
	roles := []notification.Role{notification.RoleAdmin, notification.RoleFormateur, notification.RoleEleve}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		role := roles[rand.Intn(len(roles))]
		userID := fmt.Sprintf("user-%d", rand.Intn(4))
		list, err := repo.List(ctx, notification.ListFilter{
			Audiences:       notification.AllowedAudiences(role, userID),
			OrderByPriority: rand.Intn(2) == 0,
			Limit:           20,
		})
		if err != nil {
			return fmt.Errorf("reader list: %w", err)
		}

		if len(list) > 0 {
			pick := list[rand.Intn(len(list))]
			if rand.Intn(3) == 0 {
				err = repo.Archive(ctx, pick.ID)
			} else {
				err = repo.MarkRead(ctx, pick.ID)
			}
			if err != nil && !errors.Is(err, notification.ErrNotFound) {
				return fmt.Errorf("reader flag: %w", err)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Subscriber churns real-time connections: subscribe, drain for a while,
// disconnect, repeat. Slow consumption is intentional so the drop path runs.
func Subscriber(ctx context.Context, registry *stream.Registry, role notification.Role, userID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		sub := registry.Subscribe(role, userID)
		deadline := time.After(time.Duration(100+rand.Intn(400)) * time.Millisecond)
	drain:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return ctx.Err()
			case <-stop:
				sub.Close()
				return nil
			case <-deadline:
				break drain
			case _, open := <-sub.C:
				if !open {
					break drain
				}
				time.Sleep(time.Duration(rand.Intn(10)) * time.Millisecond)
			}
		}
		sub.Close()
	}
}
