// Package main provides a tool to seed a local store with test subscribers.
//
// Subscribers get a random status, expiry and, for some, a bound account so
// admin listings, stats and the expiry sweep have realistic data.
//
// Usage:
//
//	DATA_DIR=~/Gatekeeper/data go run ./cmd/seed
//	DATA_DIR=~/Gatekeeper/data go run ./cmd/seed -store badger -n 200
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/gatekeeperapp/gatekeeper-server/internal/config"
	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store/badger"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store/sqlite"
)

var (
	backend = flag.String("store", config.BackendSQLite, "store backend (sqlite, badger)")
	count   = flag.Int("n", 50, "number of subscribers to create")
)

func main() {
	flag.Parse()

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = os.ExpandEnv("$HOME/Gatekeeper/data")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}

	sc := config.StoreConfig{Backend: *backend, DataDir: dataDir}
	fmt.Printf("Opening %s store at: %s\n", sc.Backend, sc.Path())

	s, err := openStore(sc)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	now := time.Now()

	statuses := []domain.Status{
		domain.StatusApproved, domain.StatusApproved, domain.StatusApproved,
		domain.StatusRevoked, domain.StatusBanned, domain.StatusExpired,
	}

	created := 0
	for n := range *count {
		email := fmt.Sprintf("seed%03d@example.com", n)

		// Expiry between 10 days ago and 30 days ahead
		expiresAt := now.Add(time.Duration(rng.Intn(40)-10) * 24 * time.Hour)

		sub, isNew, err := s.UpsertOnPayment(ctx, store.PaymentUpsert{
			Email:       email,
			Status:      domain.StatusApproved,
			DisplayName: fmt.Sprintf("Seed %d", n),
			Now:         expiresAt.Add(-30 * 24 * time.Hour),
			ExpiresAt:   expiresAt,
		})
		if err != nil {
			log.Printf("Failed to create %s: %v", email, err)
			continue
		}

		// Two in three subscribers completed onboarding
		if rng.Intn(3) > 0 {
			accountID := int64(700000000 + n)
			if _, err := s.BindAccount(ctx, store.AccountBinding{
				Email:       email,
				AccountID:   accountID,
				DisplayName: sub.DisplayName,
				Handle:      fmt.Sprintf("seed%d", n),
			}); err != nil {
				log.Printf("Failed to bind %s: %v", email, err)
			}
		}

		status := statuses[rng.Intn(len(statuses))]
		if status != domain.StatusApproved {
			if err := s.SetStatus(ctx, email, status); err != nil {
				log.Printf("Failed to set status for %s: %v", email, err)
			}
		}

		if isNew {
			created++
		}
	}

	stats, err := s.Stats(ctx, now)
	if err != nil {
		log.Fatalf("Failed to compute stats: %v", err)
	}

	fmt.Printf("\nCreated %d subscribers\n", created)
	fmt.Printf("Active: %d  Expired: %d  Revoked: %d  Banned: %d  Total: %d\n",
		stats.Active, stats.Expired, stats.Revoked, stats.Banned, stats.Total)
	fmt.Println("\nSeeding complete!")
}

func openStore(sc config.StoreConfig) (store.Store, error) {
	switch sc.Backend {
	case config.BackendBadger:
		return badger.New(sc.Path(), nil, store.NewNoopEmitter())
	case config.BackendSQLite:
		return sqlite.Open(sc.Path(), nil)
	default:
		return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}
}
