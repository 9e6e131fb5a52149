package portal_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/logger"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/portal"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/session"
)

func newTestClient(t *testing.T, handler http.Handler) *portal.Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := portal.NewClient(portal.Config{
		BaseURL:           srv.URL + "/maimai-mobile",
		MaxAttempts:       2,
		RetryInitialDelay: time.Millisecond,
	}, logger.NewNop(), nil)
	require.NoError(t, err)
	return client
}

func botSession() *session.Session {
	return &session.Session{
		FriendCode: "bot-1",
		Cookies:    map[string]string{"_t": "csrf-token", "userId": "u1"},
	}
}

func TestProbeSession_SendsCookies(t *testing.T) {
	t.Parallel()

	var gotCookie string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("_t"); err == nil {
			gotCookie = c.Value
		}
		_, _ = io.WriteString(w, "<html><body>home</body></html>")
	}))

	require.NoError(t, client.ProbeSession(context.Background(), botSession()))
	assert.Equal(t, "csrf-token", gotCookie)
}

func TestProbeSession_ExpiredRedirect(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", "https://lng-tgk-aime-gw.am-all.net/common_auth/login")
		w.WriteHeader(http.StatusFound)
	}))

	err := client.ProbeSession(context.Background(), botSession())
	assert.ErrorIs(t, err, portal.ErrSessionExpired)
}

func TestProbeSession_ExpiredErrorPage(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<html><body>ERROR CODE：100001</body></html>")
	}))

	err := client.ProbeSession(context.Background(), botSession())
	assert.ErrorIs(t, err, portal.ErrSessionExpired)
}

func TestGet_ExpiredRedirectOnLaterHop(t *testing.T) {
	t.Parallel()

	// First hop redirects within the portal, second hop to the auth gateway.
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/maimai-mobile/home/":
			http.Redirect(w, r, "/maimai-mobile/relay/", http.StatusFound)
		case "/maimai-mobile/relay/":
			w.Header().Set("Location", "/maimai-mobile/error/?code=100001")
			w.WriteHeader(http.StatusFound)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	err := client.ProbeSession(context.Background(), botSession())
	assert.ErrorIs(t, err, portal.ErrSessionExpired)
}

func TestSendFriendRequest_PostsFormAndFollowsRedirect(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var posted map[string][]string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/maimai-mobile/friend/search/invite/":
			require.NoError(t, r.ParseForm())
			mu.Lock()
			posted = r.PostForm
			mu.Unlock()
			http.Redirect(w, r, "/maimai-mobile/friend/search/", http.StatusFound)
		case r.Method == http.MethodGet && r.URL.Path == "/maimai-mobile/friend/search/":
			_, _ = io.WriteString(w, "<html><body>sent</body></html>")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	require.NoError(t, client.SendFriendRequest(context.Background(), botSession(), "1000000000001"))

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, posted)
	assert.Equal(t, []string{"1000000000001"}, posted["idx"])
	assert.Equal(t, []string{"csrf-token"}, posted["token"])
}

func TestPost_ErrorBannerBecomesRejection(t *testing.T) {
	t.Parallel()

	var hits int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		_, _ = io.WriteString(w, `<html><body><div class="error_block">Friend limit reached</div></body></html>`)
	}))

	err := client.SendFriendRequest(context.Background(), botSession(), "1000000000001")
	require.Error(t, err)
	assert.True(t, portal.IsRejected(err))
	assert.Contains(t, err.Error(), "Friend limit reached")
	// Definitive rejections are not retried.
	assert.Equal(t, 1, hits)
}

func TestGet_ServerErrorRetries(t *testing.T) {
	t.Parallel()

	var hits int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, "<html><body>home</body></html>")
	}))

	require.NoError(t, client.ProbeSession(context.Background(), botSession()))
	assert.Equal(t, 2, hits)
}

func TestScorePage_QueryParameters(t *testing.T) {
	t.Parallel()

	var gotQuery map[string][]string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = io.WriteString(w, "<html><body></body></html>")
	}))

	_, err := client.ScorePage(context.Background(), botSession(), "1000000000001", 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, gotQuery["diff"])
	assert.Equal(t, []string{"2"}, gotQuery["scoreType"])
	assert.Equal(t, []string{"1000000000001"}, gotQuery["idx"])
}

func TestMyFriendCode(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/maimai-mobile/friend/userFriendCode/", r.URL.Path)
		_, _ = io.WriteString(w, ownCodeHTML)
	}))

	code, err := client.MyFriendCode(context.Background(), botSession())
	require.NoError(t, err)
	assert.Equal(t, "9000000000009", code)
}

func TestWithRecorder_CapturesCalls(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<html><body>home</body></html>")
	}))

	rec := &captureRecorder{}
	require.NoError(t, client.WithRecorder(rec).ProbeSession(context.Background(), botSession()))

	require.Len(t, rec.records, 1)
	assert.Equal(t, http.MethodGet, rec.records[0].Method)
	assert.Equal(t, http.StatusOK, rec.records[0].StatusCode)
	assert.Contains(t, rec.records[0].URL, "/maimai-mobile/home/")
}

type captureRecorder struct {
	mu      sync.Mutex
	records []portal.CallRecord
}

func (r *captureRecorder) Record(rec portal.CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}
