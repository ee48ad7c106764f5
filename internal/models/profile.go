package models

import "time"

// ProfileSnapshot is the read-only identity view this service consumes.
// The profile service owns the rows; only last_active is derived here.
type ProfileSnapshot struct {
	ID         int       `db:"id" json:"id"`
	Username   string    `db:"username" json:"username"`
	AvatarURL  string    `db:"avatar_url" json:"avatar_url"`
	LastActive time.Time `db:"-" json:"last_active"`
}
