// Package session stores captured portal sessions, one per bot account.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no session exists for a friend code.
var ErrNotFound = errors.New("session not found")

// Session holds captured authentication state for one bot account.
type Session struct {
	// FriendCode is the bot account the session belongs to.
	FriendCode string `json:"friendCode"`
	// Cookies are the portal cookies captured at login.
	Cookies map[string]string `json:"cookies"`
	// Expired marks the session unusable until revalidated.
	Expired bool `json:"expired"`
	// CapturedAt is when the session was captured.
	CapturedAt time.Time `json:"capturedAt"`
	// ValidatedAt is the last time a health probe succeeded.
	ValidatedAt time.Time `json:"validatedAt"`
}

// Store is the session store shared between the capture proxy (writer)
// and the scheduler (reader). A session marked expired is never offered
// to new job claims until revalidated healthy.
type Store interface {
	// Get returns the session for a bot, or ErrNotFound.
	Get(ctx context.Context, friendCode string) (*Session, error)
	// Put stores or overwrites the session for a bot.
	Put(ctx context.Context, sess *Session) error
	// MarkExpired flags a bot's session as expired.
	MarkExpired(ctx context.Context, friendCode string) error
	// MarkValid clears the expired flag and refreshes the validation time.
	MarkValid(ctx context.Context, friendCode string) error
	// List returns every known session, expired or not.
	List(ctx context.Context) ([]*Session, error)
	// ListAvailable returns the friend codes of bots with non-expired sessions.
	ListAvailable(ctx context.Context) ([]string, error)
}
