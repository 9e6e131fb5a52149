// Package friends implements the friend-relationship workflow between
// bot accounts and target players on the portal.
package friends

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/logger"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/portal"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/session"
)

// PortalOps is the slice of the portal client the manager needs.
type PortalOps interface {
	FriendList(ctx context.Context, sess *session.Session) ([]portal.Friend, error)
	SentInvites(ctx context.Context, sess *session.Session) ([]portal.Invite, error)
	PendingRequests(ctx context.Context, sess *session.Session) ([]string, error)
	SendFriendRequest(ctx context.Context, sess *session.Session, friendCode string) error
	AcceptFriendRequest(ctx context.Context, sess *session.Session, friendCode string) error
	CancelFriendRequest(ctx context.Context, sess *session.Session, friendCode string) error
	RemoveFriend(ctx context.Context, sess *session.Session, friendCode string) error
}

// Manager wraps the portal client with a cleanup-then-act pattern over
// friend relationships. Relationship state is portal-side truth fetched
// on demand, never cached across workflow steps.
type Manager struct {
	portal PortalOps
	log    logger.Logger
}

// NewManager creates a friend relationship manager.
func NewManager(p PortalOps, log logger.Logger) *Manager {
	return &Manager{portal: p, log: log}
}

// IsFriend reports whether the bot and target are currently friends.
func (m *Manager) IsFriend(ctx context.Context, sess *session.Session, target string) (bool, error) {
	friendsList, err := m.portal.FriendList(ctx, sess)
	if err != nil {
		return false, err
	}
	for _, f := range friendsList {
		if f.FriendCode == target {
			return true, nil
		}
	}
	return false, nil
}

// HasSentRequest reports whether the bot has an outstanding invite to target.
func (m *Manager) HasSentRequest(ctx context.Context, sess *session.Session, target string) (bool, error) {
	invites, err := m.portal.SentInvites(ctx, sess)
	if err != nil {
		return false, err
	}
	for _, inv := range invites {
		if inv.FriendCode == target {
			return true, nil
		}
	}
	return false, nil
}

// CancelRequest withdraws the outstanding invite to the target.
func (m *Manager) CancelRequest(ctx context.Context, sess *session.Session, target string) error {
	if err := m.portal.CancelFriendRequest(ctx, sess, target); err != nil {
		return fmt.Errorf("cancel friend request to %s: %w", target, err)
	}
	return nil
}

// ClearRelationship removes any stale invite or friendship with the
// target. Failures of the cleanup call itself are tolerated when a
// re-check shows the relationship is already gone (another actor may
// have raced us).
func (m *Manager) ClearRelationship(ctx context.Context, sess *session.Session, target string) error {
	hasSent, err := m.HasSentRequest(ctx, sess, target)
	if err != nil {
		return fmt.Errorf("check sent requests: %w", err)
	}
	if hasSent {
		if err := m.portal.CancelFriendRequest(ctx, sess, target); err != nil {
			if recheckErr := m.confirmRequestGone(ctx, sess, target); recheckErr != nil {
				return fmt.Errorf("cancel stale request to %s: %w", target, err)
			}
			m.log.Debug("stale request already gone after failed cancel",
				logger.String("target", target),
			)
		}
	}

	isFriend, err := m.IsFriend(ctx, sess, target)
	if err != nil {
		return fmt.Errorf("check friend list: %w", err)
	}
	if isFriend {
		if err := m.portal.RemoveFriend(ctx, sess, target); err != nil {
			if recheckErr := m.confirmFriendGone(ctx, sess, target); recheckErr != nil {
				return fmt.Errorf("remove stale friendship with %s: %w", target, err)
			}
			m.log.Debug("stale friendship already gone after failed remove",
				logger.String("target", target),
			)
		}
	}
	return nil
}

func (m *Manager) confirmRequestGone(ctx context.Context, sess *session.Session, target string) error {
	hasSent, err := m.HasSentRequest(ctx, sess, target)
	if err != nil {
		return err
	}
	if hasSent {
		return fmt.Errorf("request to %s still present", target)
	}
	return nil
}

func (m *Manager) confirmFriendGone(ctx context.Context, sess *session.Session, target string) error {
	isFriend, err := m.IsFriend(ctx, sess, target)
	if err != nil {
		return err
	}
	if isFriend {
		return fmt.Errorf("friendship with %s still present", target)
	}
	return nil
}

// inviteDateLayout is the portal's invite timestamp format.
const inviteDateLayout = "2006/01/02 15:04"

// SendRequest sends a friend invite and confirms it appears in the
// bot's sent list, returning the portal-reported send time. An
// unconfirmed send is an error: the job must not proceed to wait for
// an acceptance that can never come.
func (m *Manager) SendRequest(ctx context.Context, sess *session.Session, target string) (time.Time, error) {
	if err := m.portal.SendFriendRequest(ctx, sess, target); err != nil {
		return time.Time{}, fmt.Errorf("send friend request to %s: %w", target, err)
	}

	invites, err := m.portal.SentInvites(ctx, sess)
	if err != nil {
		return time.Time{}, fmt.Errorf("confirm friend request to %s: %w", target, err)
	}
	for _, inv := range invites {
		if inv.FriendCode != target {
			continue
		}
		sentAt, parseErr := time.Parse(inviteDateLayout, inv.Date)
		if parseErr != nil {
			// Portal changed its date format; the send itself is confirmed.
			m.log.Warn("unparseable invite date",
				logger.String("target", target),
				logger.String("date", inv.Date),
			)
			sentAt = time.Now()
		}
		return sentAt, nil
	}
	return time.Time{}, fmt.Errorf("friend request to %s not confirmed sent", target)
}

// AcceptIfPending accepts a reciprocal invite from the target if one is
// waiting. Returns whether an acceptance happened.
func (m *Manager) AcceptIfPending(ctx context.Context, sess *session.Session, target string) (bool, error) {
	pending, err := m.portal.PendingRequests(ctx, sess)
	if err != nil {
		return false, err
	}
	if !slices.Contains(pending, target) {
		return false, nil
	}
	if err := m.portal.AcceptFriendRequest(ctx, sess, target); err != nil {
		return false, fmt.Errorf("accept request from %s: %w", target, err)
	}
	return true, nil
}

// Cleanup cancels invites and removes friendships not in the protected
// set. For an already-clean bot it issues only the two read-only list
// fetches.
func (m *Manager) Cleanup(ctx context.Context, sess *session.Session, protected map[string]struct{}) error {
	invites, err := m.portal.SentInvites(ctx, sess)
	if err != nil {
		return fmt.Errorf("list sent requests: %w", err)
	}
	for _, inv := range invites {
		if _, ok := protected[inv.FriendCode]; ok {
			continue
		}
		if err := m.portal.CancelFriendRequest(ctx, sess, inv.FriendCode); err != nil {
			return fmt.Errorf("cancel stray request to %s: %w", inv.FriendCode, err)
		}
		m.log.Info("canceled stray friend request",
			logger.String("bot", sess.FriendCode),
			logger.String("target", inv.FriendCode),
		)
	}

	friendsList, err := m.portal.FriendList(ctx, sess)
	if err != nil {
		return fmt.Errorf("list friends: %w", err)
	}
	for _, f := range friendsList {
		if _, ok := protected[f.FriendCode]; ok {
			continue
		}
		if err := m.portal.RemoveFriend(ctx, sess, f.FriendCode); err != nil {
			return fmt.Errorf("remove stray friend %s: %w", f.FriendCode, err)
		}
		m.log.Info("removed stray friend",
			logger.String("bot", sess.FriendCode),
			logger.String("target", f.FriendCode),
		)
	}
	return nil
}
