package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/audiolibrelab/voicenote/internal/audio"
	"github.com/audiolibrelab/voicenote/internal/storage"
	"github.com/audiolibrelab/voicenote/internal/store"
)

var (
	// ErrEmptyTitle rejects saves with an empty or whitespace-only title,
	// before any upload is attempted.
	ErrEmptyTitle = errors.New("title must not be empty")
	// ErrNotSignedIn rejects operations with no owner.
	ErrNotSignedIn = errors.New("not signed in")
	// ErrPersistence wraps upload and metadata failures.
	ErrPersistence = errors.New("persistence failure")
)

// DeleteResult reports the two halves of a delete. The metadata row is
// always gone when Delete returns nil; ObjectErr carries a best-effort
// object removal failure without undoing the row removal.
type DeleteResult struct {
	Removed       store.Recording
	ObjectRemoved bool
	ObjectErr     error
}

// Gateway persists finished recordings. Audio bytes go to the object store
// under an owner-namespaced key; metadata goes to the relational store
// referencing the object's public URL.
type Gateway struct {
	store   store.Store
	objects storage.ObjectStore
}

func NewGateway(s store.Store, objects storage.ObjectStore) *Gateway {
	return &Gateway{store: s, objects: objects}
}

// Save uploads the artifact, writes its metadata row and returns the
// owner's refreshed recording list, newest first. A row is never written
// unless the upload succeeded; if the row write fails afterwards the
// uploaded object is left orphaned and the save is reported as failed.
func (g *Gateway) Save(ctx context.Context, owner, title string, art *audio.Artifact) ([]store.Recording, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	if owner == "" {
		return nil, ErrNotSignedIn
	}
	if art == nil || len(art.Bytes) == 0 {
		return nil, fmt.Errorf("no artifact to save")
	}

	key := fmt.Sprintf("%s/%s.wav", owner, uuid.New().String())
	if err := g.objects.Upload(ctx, key, art.Bytes, art.MIMEType); err != nil {
		return nil, fmt.Errorf("%w: failed to upload artifact: %v", ErrPersistence, err)
	}

	rec := &store.Recording{
		UserID:    owner,
		Title:     title,
		AudioURL:  g.objects.PublicURL(key),
		ObjectKey: key,
		Duration:  art.Duration,
	}
	if err := g.store.CreateRecording(ctx, rec); err != nil {
		slog.Warn("Metadata write failed after upload, object orphaned", "key", key, "error", err)
		return nil, fmt.Errorf("%w: failed to write recording metadata: %v", ErrPersistence, err)
	}

	slog.Info("Recording saved", "recording_id", rec.ID, "owner", owner, "title", title, "duration", art.Duration)
	return g.List(ctx, owner)
}

// List returns the owner's recordings, newest first.
func (g *Gateway) List(ctx context.Context, owner string) ([]store.Recording, error) {
	if owner == "" {
		return nil, ErrNotSignedIn
	}
	recs, err := g.store.RecordingsByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list recordings: %v", ErrPersistence, err)
	}
	return recs, nil
}

// Get returns one of the owner's recordings.
func (g *Gateway) Get(ctx context.Context, owner, id string) (*store.Recording, error) {
	if owner == "" {
		return nil, ErrNotSignedIn
	}
	rec, err := g.store.RecordingByID(ctx, owner, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: failed to fetch recording: %v", ErrPersistence, err)
	}
	return rec, nil
}

// Delete removes the metadata row, then best-effort removes the audio
// object. Object removal failure never resurrects the row.
func (g *Gateway) Delete(ctx context.Context, owner, id string) (*DeleteResult, error) {
	if owner == "" {
		return nil, ErrNotSignedIn
	}

	rec, err := g.store.DeleteRecording(ctx, owner, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: failed to delete recording: %v", ErrPersistence, err)
	}

	result := &DeleteResult{Removed: *rec, ObjectRemoved: true}
	if rec.ObjectKey != "" {
		if err := g.objects.Remove(ctx, rec.ObjectKey); err != nil {
			slog.Warn("Failed to remove audio object for deleted recording", "key", rec.ObjectKey, "error", err)
			result.ObjectRemoved = false
			result.ObjectErr = err
		}
	}

	slog.Info("Recording deleted", "recording_id", id, "owner", owner, "object_removed", result.ObjectRemoved)
	return result, nil
}
