package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/mschirtzinger/habitsync/internal/flags"
	"github.com/mschirtzinger/habitsync/internal/flagstore"
	"github.com/mschirtzinger/habitsync/internal/replica/db"
	"github.com/mschirtzinger/habitsync/internal/replica/feed"
)

// session is an open record store with an attached, synced flag store.
type session struct {
	db    *db.DB
	store *flagstore.Store
	feed  *feed.Feed
	scope string
}

// openDB opens the configured record store, creating it if needed.
func openDB(ctx context.Context) (*db.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DB.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", filepath.Dir(cfg.DB.Path), err)
	}
	database, err := db.Open(cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	if err := database.InitSchemaContext(ctx); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// openSession opens the record store, attaches a flag store to the
// configured scope (a fresh one if unset) and ingests one snapshot.
func openSession(ctx context.Context) (*session, error) {
	database, err := openDB(ctx)
	if err != nil {
		return nil, err
	}

	logger := slog.Default()
	store := flagstore.New(flags.NewBuiltinRegistry(), database, &flagstore.Config{Logger: logger})

	scope := cfg.Scope
	if scope == "" {
		scope = uuid.NewString()
	}
	if err := store.Attach(scope); err != nil {
		database.Close()
		return nil, err
	}

	f := feed.New(database, store, logger)
	if _, err := f.Sync(ctx); err != nil {
		database.Close()
		return nil, err
	}

	return &session{db: database, store: store, feed: f, scope: scope}, nil
}

func (s *session) Close() error {
	_ = s.store.Detach(s.scope)
	return s.db.Close()
}

func exitOnErr(format string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error "+format+": %v\n", err)
		os.Exit(1)
	}
}
