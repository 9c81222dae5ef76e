package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"prospectflow/conversion"
	"prospectflow/db"
	"prospectflow/httpapi"
	"prospectflow/identity"
	"prospectflow/notification"
	"prospectflow/stream"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	keyHash := os.Getenv("INGEST_API_KEY_HASH")
	if keyHash == "" {
		// Plaintext key fallback for local runs; hashed at boot so the
		// comparison path stays identical.
		if key := os.Getenv("INGEST_API_KEY"); key != "" {
			keyHash, err = notification.HashIngestKey(key)
			if err != nil {
				log.Fatalf("hash ingest key: %v", err)
			}
		}
	}
	if keyHash == "" {
		log.Printf("warning: no ingest credential configured; all ingest calls will be rejected")
	}

	registry := stream.NewRegistry(envInt("STREAM_BUFFER", stream.DefaultBuffer))
	notifRepo := notification.NewRepository(pool)
	ingest := notification.NewIngestService(notifRepo, registry, keyHash)
	locks := conversion.NewService(
		conversion.NewRepository(pool),
		envDuration("LOCK_STALE_AFTER", conversion.DefaultStaleAfter),
	)
	verifier := identity.NewVerifier(os.Getenv("IDENTITY_JWT_SECRET"))

	server := httpapi.NewServer(ingest, notifRepo, locks, registry, verifier, httpapi.ServerConfig{
		Heartbeat: envDuration("HEARTBEAT_INTERVAL", 30*time.Second),
	})

	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("listening on %s", addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Fatalf("parse %s: %v", name, err)
	}
	return d
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Fatalf("parse %s: %v", name, err)
	}
	return n
}
