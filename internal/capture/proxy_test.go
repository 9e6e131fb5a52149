package capture_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/capture"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/logger"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/session"
)

type fakeExchanger struct {
	cookies map[string]string
	err     error

	gotURL string
}

func (f *fakeExchanger) Exchange(_ context.Context, callbackURL string) (map[string]string, error) {
	f.gotURL = callbackURL
	if f.err != nil {
		return nil, f.err
	}
	return f.cookies, nil
}

type fakeResolver struct {
	code string
	err  error
}

func (f *fakeResolver) ResolveOwnCode(context.Context, map[string]string) (string, error) {
	return f.code, f.err
}

func testConfig(extraHosts ...string) capture.Config {
	return capture.Config{
		AllowedHosts:  append([]string{"tgk-wcaime.wahlap.com", "open.weixin.qq.com"}, extraHosts...),
		CompletionURL: "http://hub.example/capture/done",
		FailureURL:    "http://hub.example/capture/failed",
	}
}

func newTestProxy(t *testing.T, cfg capture.Config, ex capture.Exchanger, res capture.CodeResolver, store session.Store) *httptest.Server {
	t.Helper()

	if store == nil {
		store = session.NewMemoryStore()
	}
	p, err := capture.NewProxy(cfg, ex, res, store, logger.NewNop())
	require.NoError(t, err)

	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	return srv
}

// proxiedClient returns a client that sends all traffic through the proxy
// and never follows redirects.
func proxiedClient(t *testing.T, proxyURL string) *http.Client {
	t.Helper()

	parsed, err := url.Parse(proxyURL)
	require.NoError(t, err)
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(parsed)},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 5 * time.Second,
	}
}

// rawConnect issues a CONNECT and returns the response status code.
func rawConnect(t *testing.T, proxyAddr, target string) int {
	t.Helper()

	conn, err := net.DialTimeout("tcp", proxyAddr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n")
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestProxy_RejectsConnectToGameHost(t *testing.T) {
	t.Parallel()

	srv := newTestProxy(t, testConfig(), &fakeExchanger{}, &fakeResolver{}, nil)
	addr := srv.Listener.Addr().String()

	status := rawConnect(t, addr, "maimai.wahlap.com:443")
	assert.Equal(t, http.StatusForbidden, status)
}

func TestProxy_RejectsConnectToUnknownHost(t *testing.T) {
	t.Parallel()

	srv := newTestProxy(t, testConfig(), &fakeExchanger{}, &fakeResolver{}, nil)
	addr := srv.Listener.Addr().String()

	status := rawConnect(t, addr, "evil.example.com:443")
	assert.Equal(t, http.StatusForbidden, status)
}

func TestProxy_TunnelsAllowedConnect(t *testing.T) {
	t.Parallel()

	// Upstream echoes one line back.
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { upstream.Close() })
	go func() {
		conn, acceptErr := upstream.Accept()
		if acceptErr != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		_, _ = io.WriteString(conn, "echo:"+line)
	}()

	srv := newTestProxy(t, testConfig("127.0.0.1"), &fakeExchanger{}, &fakeResolver{}, nil)

	conn, err := net.DialTimeout("tcp", srv.Listener.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	target := upstream.Addr().String()
	_, err = io.WriteString(conn, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n")
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = io.WriteString(conn, "ping\n")
	require.NoError(t, err)
	echoed, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo:ping\n", echoed)
}

func TestProxy_TunnelForwardsPipelinedBytes(t *testing.T) {
	t.Parallel()

	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { upstream.Close() })
	go func() {
		conn, acceptErr := upstream.Accept()
		if acceptErr != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		_, _ = io.WriteString(conn, "echo:"+line)
	}()

	srv := newTestProxy(t, testConfig("127.0.0.1"), &fakeExchanger{}, &fakeResolver{}, nil)

	conn, err := net.DialTimeout("tcp", srv.Listener.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	// The payload rides in the same write as the CONNECT, before the
	// proxy has answered. It must still reach the upstream.
	target := upstream.Addr().String()
	_, err = io.WriteString(conn, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\nping\n")
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	echoed, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo:ping\n", echoed)
}

func TestProxy_RelaysAllowedHTTP(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "origin says hi")
	}))
	t.Cleanup(origin.Close)

	srv := newTestProxy(t, testConfig("127.0.0.1"), &fakeExchanger{}, &fakeResolver{}, nil)
	client := proxiedClient(t, srv.URL)

	resp, err := client.Get(origin.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "origin says hi", string(body))
}

func TestProxy_RelayStripsHopByHopHeaders(t *testing.T) {
	t.Parallel()

	var gotHeaders http.Header
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Origin", "yes")
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(origin.Close)

	srv := newTestProxy(t, testConfig("127.0.0.1"), &fakeExchanger{}, &fakeResolver{}, nil)
	client := proxiedClient(t, srv.URL)

	req, err := http.NewRequest(http.MethodGet, origin.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Proxy-Connection", "keep-alive")
	req.Header.Set("Proxy-Authorization", "Basic Ym90OmJvdA==")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Connection", "X-Hop")
	req.Header.Set("X-Hop", "drop-me")
	req.Header.Set("X-Keep", "keep-me")

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Hop-by-hop headers end at the proxy.
	assert.Empty(t, gotHeaders.Get("Proxy-Connection"))
	assert.Empty(t, gotHeaders.Get("Proxy-Authorization"))
	assert.Empty(t, gotHeaders.Get("Keep-Alive"))
	assert.Empty(t, gotHeaders.Get("Connection"))
	assert.Empty(t, gotHeaders.Get("X-Hop"))
	assert.Equal(t, "keep-me", gotHeaders.Get("X-Keep"))

	assert.Empty(t, resp.Header.Get("Keep-Alive"))
	assert.Equal(t, "yes", resp.Header.Get("X-Origin"))
}

func TestProxy_RejectsHTTPToUnknownHost(t *testing.T) {
	t.Parallel()

	srv := newTestProxy(t, testConfig(), &fakeExchanger{}, &fakeResolver{}, nil)
	client := proxiedClient(t, srv.URL)

	resp, err := client.Get("http://evil.example.com/steal")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestProxy_InterceptsCallbackAndStoresSession(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{cookies: map[string]string{"_t": "tok", "userId": "u1"}}
	store := session.NewMemoryStore()
	srv := newTestProxy(t, testConfig(), ex, &fakeResolver{code: "9000000000009"}, store)
	client := proxiedClient(t, srv.URL)

	resp, err := client.Get("http://tgk-wcaime.wahlap.com/wc_auth/oauth/callback/maimai-dx?r=abc&t=xyz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "http://hub.example/capture/done?code=9000000000009", resp.Header.Get("Location"))
	assert.Contains(t, ex.gotURL, "/wc_auth/oauth/callback/maimai-dx")
	assert.Contains(t, ex.gotURL, "r=abc")

	sess, err := store.Get(context.Background(), "9000000000009")
	require.NoError(t, err)
	assert.Equal(t, "tok", sess.Cookies["_t"])
	assert.False(t, sess.Expired)
	assert.False(t, sess.CapturedAt.IsZero())
}

func TestProxy_ExchangeFailureRedirectsToFailureURL(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{err: errors.New("upstream refused")}
	store := session.NewMemoryStore()
	srv := newTestProxy(t, testConfig(), ex, &fakeResolver{code: "ignored"}, store)
	client := proxiedClient(t, srv.URL)

	resp, err := client.Get("http://tgk-wcaime.wahlap.com/wc_auth/oauth/callback/maimai-dx?r=abc")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "http://hub.example/capture/failed", resp.Header.Get("Location"))

	sessions, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestProxy_ResolverFailureRedirectsToFailureURL(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{cookies: map[string]string{"_t": "tok"}}
	srv := newTestProxy(t, testConfig(), ex, &fakeResolver{err: errors.New("portal down")}, nil)
	client := proxiedClient(t, srv.URL)

	resp, err := client.Get("http://tgk-wcaime.wahlap.com/wc_auth/oauth/callback/maimai-dx")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "http://hub.example/capture/failed", resp.Header.Get("Location"))
}
