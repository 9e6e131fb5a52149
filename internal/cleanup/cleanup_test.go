package cleanup_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/cleanup"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/domain"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/friends"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/logger"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/portal"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/session"
)

// fakeQueue serves protected-code lists per bot.
type fakeQueue struct {
	active map[string][]string
	idle   map[string][]string
}

func (q *fakeQueue) ClaimNext(context.Context, string) (*domain.Job, error) { return nil, nil }
func (q *fakeQueue) Patch(context.Context, string, map[string]any) (*domain.Job, error) {
	return nil, nil
}
func (q *fakeQueue) AppendCompletedDiff(context.Context, string, int) error { return nil }
func (q *fakeQueue) Get(context.Context, string) (*domain.Job, error)       { return nil, nil }

func (q *fakeQueue) ListActiveFriendCodes(_ context.Context, botCode string) ([]string, error) {
	return q.active[botCode], nil
}

func (q *fakeQueue) ListIdleUpdateFriendCodes(_ context.Context, botCode string) ([]string, error) {
	return q.idle[botCode], nil
}

// recordingPortal answers list reads and records mutations per bot.
type recordingPortal struct {
	mu          sync.Mutex
	friendsList map[string][]portal.Friend
	sentInvites map[string][]portal.Invite
	removed     []string
	canceled    []string
}

func (p *recordingPortal) FriendList(_ context.Context, sess *session.Session) ([]portal.Friend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.friendsList[sess.FriendCode], nil
}

func (p *recordingPortal) SentInvites(_ context.Context, sess *session.Session) ([]portal.Invite, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sentInvites[sess.FriendCode], nil
}

func (p *recordingPortal) PendingRequests(context.Context, *session.Session) ([]string, error) {
	return nil, nil
}

func (p *recordingPortal) SendFriendRequest(context.Context, *session.Session, string) error {
	return nil
}

func (p *recordingPortal) AcceptFriendRequest(context.Context, *session.Session, string) error {
	return nil
}

func (p *recordingPortal) CancelFriendRequest(_ context.Context, sess *session.Session, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, sess.FriendCode+"->"+code)
	return nil
}

func (p *recordingPortal) RemoveFriend(_ context.Context, sess *session.Session, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, sess.FriendCode+"->"+code)
	return nil
}

// countingPauser verifies the sweep brackets itself with pause/resume.
type countingPauser struct {
	mu      sync.Mutex
	pauses  int
	resumes int
}

func (p *countingPauser) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauses++
}

func (p *countingPauser) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumes++
}

func TestRun_RemovesOnlyUnprotected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := session.NewMemoryStore()
	require.NoError(t, store.Put(ctx, &session.Session{FriendCode: "bot-1"}))

	p := &recordingPortal{
		friendsList: map[string][]portal.Friend{
			"bot-1": {{FriendCode: "active-target"}, {FriendCode: "idle-target"}, {FriendCode: "stray"}},
		},
		sentInvites: map[string][]portal.Invite{
			"bot-1": {{FriendCode: "stray-invite"}},
		},
	}
	queue := &fakeQueue{
		active: map[string][]string{"bot-1": {"active-target"}},
		idle:   map[string][]string{"bot-1": {"idle-target"}},
	}
	pauser := &countingPauser{}

	svc := cleanup.New(queue, store, friends.NewManager(p, logger.NewNop()), pauser, cleanup.Config{}, logger.NewNop())
	svc.Run(ctx)

	assert.Equal(t, []string{"bot-1->stray-invite"}, p.canceled)
	assert.Equal(t, []string{"bot-1->stray"}, p.removed)
	assert.Equal(t, 1, pauser.pauses)
	assert.Equal(t, 1, pauser.resumes)
}

func TestRun_SkipsExpiredSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := session.NewMemoryStore()
	require.NoError(t, store.Put(ctx, &session.Session{FriendCode: "bot-1", Expired: true}))

	p := &recordingPortal{
		friendsList: map[string][]portal.Friend{"bot-1": {{FriendCode: "stray"}}},
	}
	svc := cleanup.New(&fakeQueue{}, store, friends.NewManager(p, logger.NewNop()), &countingPauser{}, cleanup.Config{}, logger.NewNop())
	svc.Run(ctx)

	assert.Empty(t, p.removed)
	assert.Empty(t, p.canceled)
}

func TestRun_SweepsEveryAvailableBot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := session.NewMemoryStore()
	require.NoError(t, store.Put(ctx, &session.Session{FriendCode: "bot-1"}))
	require.NoError(t, store.Put(ctx, &session.Session{FriendCode: "bot-2"}))

	p := &recordingPortal{
		friendsList: map[string][]portal.Friend{
			"bot-1": {{FriendCode: "stray-a"}},
			"bot-2": {{FriendCode: "stray-b"}},
		},
	}
	svc := cleanup.New(&fakeQueue{}, store, friends.NewManager(p, logger.NewNop()), &countingPauser{}, cleanup.Config{}, logger.NewNop())
	svc.Run(ctx)

	assert.ElementsMatch(t, []string{"bot-1->stray-a", "bot-2->stray-b"}, p.removed)
}
