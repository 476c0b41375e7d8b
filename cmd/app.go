package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/audiolibrelab/voicenote/internal/audio"
	"github.com/audiolibrelab/voicenote/internal/config"
	"github.com/audiolibrelab/voicenote/internal/library"
	"github.com/audiolibrelab/voicenote/internal/service"
	"github.com/audiolibrelab/voicenote/internal/storage"
	"github.com/audiolibrelab/voicenote/internal/store"
)

// app bundles the wired collaborators a CLI command needs. Commands build
// only what they use: library commands skip the audio backend, capture and
// playback commands carry the full service.
type app struct {
	store   store.Store
	objects storage.ObjectStore
	gateway *library.Gateway
	backend audio.Backend
	service service.Service
}

// openLibrary wires the persistence side: database, object store, gateway.
func openLibrary(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg.Database.Driver == "sqlite" || cfg.Database.Driver == "" {
		if dir := filepath.Dir(cfg.Database.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}
	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	objects, err := openObjectStore(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		store:   st,
		objects: objects,
		gateway: library.NewGateway(st, objects),
	}, nil
}

// openFull wires the library plus the audio backend and the service on top.
func openFull(ctx context.Context, cfg *config.Config) (*app, error) {
	a, err := openLibrary(ctx, cfg)
	if err != nil {
		return nil, err
	}

	backend, err := audio.NewBackend(cfg.Capture.Backend)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize audio backend: %w", err)
	}
	a.backend = backend
	a.service = service.New(cfg, backend, a.gateway)
	return a, nil
}

// Close releases everything that was wired, in reverse order.
func (a *app) Close() {
	if a.service != nil {
		a.service.Close()
	}
	if a.backend != nil {
		a.backend.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func openObjectStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	switch cfg.Storage.Backend {
	case "filesystem", "":
		return storage.NewFilesystem(cfg.Storage.Root, cfg.Storage.PublicBaseURL)
	case "s3":
		return storage.NewS3(ctx, storage.S3Options{
			Bucket:        cfg.Storage.Bucket,
			Region:        cfg.Storage.Region,
			Endpoint:      cfg.Storage.Endpoint,
			AccessKey:     cfg.Storage.AccessKey,
			SecretKey:     cfg.Storage.SecretKey,
			PublicBaseURL: cfg.Storage.PublicBaseURL,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}
}

// resolveOwner maps the --email flag to the account whose library the
// command operates on. The CLI runs against its own database, so account
// lookup stands in for the web UI's bearer token.
func resolveOwner(ctx context.Context, st store.Store, email string) (string, error) {
	if email == "" {
		return "", fmt.Errorf("owner email required: pass --email or set VOICENOTE_OWNER_EMAIL")
	}
	user, err := st.UserByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("no account for %s (create one with 'voicenote signup'): %w", email, err)
	}
	return user.ID, nil
}

// ownerEmail resolves the flag value with its environment fallback.
func ownerEmail(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("VOICENOTE_OWNER_EMAIL")
}
