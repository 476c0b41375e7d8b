package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is an account that owns recordings. The password never leaves the
// hash column; the json tag keeps it out of API responses.
type User struct {
	ID           string    `json:"id" gorm:"type:varchar(36);primaryKey;<-:create"`
	Username     string    `json:"username" gorm:"column:username;type:varchar(100);not null"`
	Email        string    `json:"email" gorm:"column:email;type:varchar(255);not null;uniqueIndex"`
	PasswordHash string    `json:"-" gorm:"column:password_hash;type:text;not null"`
	CreatedAt    time.Time `json:"createdAt" gorm:"type:timestamp;not null;<-:create"`
}

func (User) TableName() string {
	return "users"
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	return nil
}

// Recording is one saved take. AudioURL is the public reference clients play
// from; ObjectKey locates the blob in the object store for cleanup.
type Recording struct {
	ID        string    `json:"id" gorm:"type:varchar(36);primaryKey;<-:create"`
	UserID    string    `json:"userId" gorm:"column:user_id;type:varchar(36);not null;index"`
	Title     string    `json:"title" gorm:"column:title;type:varchar(255);not null"`
	AudioURL  string    `json:"audioUrl" gorm:"column:audio_url;type:text;not null"`
	ObjectKey string    `json:"-" gorm:"column:object_key;type:varchar(255);not null;default:''"`
	Duration  float64   `json:"duration" gorm:"column:duration;not null;default:0"`
	CreatedAt time.Time `json:"createdAt" gorm:"type:timestamp;not null;<-:create"`
}

func (Recording) TableName() string {
	return "recordings"
}

func (r *Recording) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return nil
}
