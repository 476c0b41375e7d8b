package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when no row matches the query.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint rejects an insert.
	ErrDuplicate = errors.New("record already exists")
)

// Store provides operations to save and retrieve users and recordings.
// Recording reads and deletes are always scoped to an owner so one account
// can never touch another account's rows.
type Store interface {
	CreateUser(ctx context.Context, user *User) error
	UserByEmail(ctx context.Context, email string) (*User, error)
	UserByID(ctx context.Context, id string) (*User, error)

	CreateRecording(ctx context.Context, rec *Recording) error
	// RecordingsByOwner returns the owner's recordings newest first.
	RecordingsByOwner(ctx context.Context, ownerID string) ([]Recording, error)
	RecordingByID(ctx context.Context, ownerID, id string) (*Recording, error)
	// DeleteRecording removes a row and returns it so callers can clean up
	// the audio object behind it.
	DeleteRecording(ctx context.Context, ownerID, id string) (*Recording, error)

	Close() error
}

type gormStore struct {
	db *gorm.DB
}

// Open connects to the configured database and migrates the schema. The
// sqlite driver covers the single-user appliance case; postgres covers
// shared deployments.
func Open(driver, dsn string) (Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&User{}, &Recording{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database schema: %w", err)
	}

	slog.Debug("Database opened", "driver", driver)
	return &gormStore{db: db}, nil
}

func (s *gormStore) CreateUser(ctx context.Context, user *User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("user with email %s: %w", user.Email, ErrDuplicate)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	slog.Debug("User created", "user_id", user.ID, "email", user.Email)
	return nil
}

func (s *gormStore) UserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user with email %s: %w", email, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	return &user, nil
}

func (s *gormStore) UserByID(ctx context.Context, id string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	return &user, nil
}

func (s *gormStore) CreateRecording(ctx context.Context, rec *Recording) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("recording %s: %w", rec.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create recording: %w", err)
	}
	slog.Debug("Recording row created", "recording_id", rec.ID, "user_id", rec.UserID, "title", rec.Title)
	return nil
}

func (s *gormStore) RecordingsByOwner(ctx context.Context, ownerID string) ([]Recording, error) {
	var recs []Recording
	err := s.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order("created_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	return recs, nil
}

func (s *gormStore) RecordingByID(ctx context.Context, ownerID, id string) (*Recording, error) {
	var rec Recording
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND id = ?", ownerID, id).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("recording %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch recording: %w", err)
	}
	return &rec, nil
}

func (s *gormStore) DeleteRecording(ctx context.Context, ownerID, id string) (*Recording, error) {
	rec, err := s.RecordingByID(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	result := s.db.WithContext(ctx).
		Where("user_id = ? AND id = ?", ownerID, id).
		Delete(&Recording{})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to delete recording %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}

	slog.Debug("Recording row deleted", "recording_id", id, "user_id", ownerID)
	return rec, nil
}

func (s *gormStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
