package capture

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/logger"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/session"
)

// CodeResolver resolves the bot's own friend code from fresh cookies.
type CodeResolver interface {
	ResolveOwnCode(ctx context.Context, cookies map[string]string) (string, error)
}

// Proxy is the session-capture forward proxy.
type Proxy struct {
	cfg       Config
	exchanger Exchanger
	resolver  CodeResolver
	sessions  session.Store
	log       logger.Logger

	// relay is the client for plain-HTTP pass-through.
	relay *http.Client

	server *http.Server
}

// NewProxy creates a capture proxy.
func NewProxy(
	cfg Config,
	exchanger Exchanger,
	resolver CodeResolver,
	sessions session.Store,
	log logger.Logger,
) (*Proxy, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Proxy{
		cfg:       cfg,
		exchanger: exchanger,
		resolver:  resolver,
		sessions:  sessions,
		log:       log,
		relay: &http.Client{
			Timeout: 60 * time.Second,
			// The proxy answers with whatever the origin answered.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	p.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return p, nil
}

// ListenAndServe runs the proxy until the context is canceled.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.server.Shutdown(shutdownCtx)
	}()

	p.log.Info("capture proxy listening", logger.String("addr", p.cfg.ListenAddr))
	err := p.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ServeHTTP dispatches CONNECT tunneling and plain-HTTP relaying.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

// hostOnly strips an optional port from a host:port string.
func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// allowed reports whether the proxy relays for the host.
func (p *Proxy) allowed(host string) bool {
	host = hostOnly(host)
	for _, allowed := range p.cfg.AllowedHosts {
		if strings.EqualFold(host, allowed) {
			return true
		}
	}
	return false
}

// handleConnect tunnels TLS for allow-listed hosts. CONNECT to the game
// host is rejected outright: logins must pass through capture, not
// around it.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)

	if strings.EqualFold(host, p.cfg.GameHost) {
		p.log.Warn("rejected direct connect to game host", logger.String("host", r.Host))
		http.Error(w, "direct connection to the game host is not allowed", http.StatusForbidden)
		return
	}
	if !p.allowed(host) {
		p.log.Warn("rejected connect to non-allow-listed host", logger.String("host", r.Host))
		http.Error(w, "host not allowed", http.StatusForbidden)
		return
	}

	upstream, err := net.DialTimeout("tcp", r.Host, 10*time.Second)
	if err != nil {
		http.Error(w, "upstream dial failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, rw, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		http.Error(w, "hijack failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	_, _ = client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	// Bytes the client pipelined behind the CONNECT sit in the hijacked
	// reader's buffer, not on the connection. Forward them first.
	if n := rw.Reader.Buffered(); n > 0 {
		if _, err := io.CopyN(upstream, rw.Reader, int64(n)); err != nil {
			upstream.Close()
			client.Close()
			return
		}
	}

	go tunnel(upstream, client)
	go tunnel(client, upstream)
}

// tunnel splices one direction of a CONNECT tunnel.
func tunnel(dst io.WriteCloser, src io.ReadCloser) {
	defer dst.Close()
	defer src.Close()
	_, _ = io.Copy(dst, src)
}

// handleHTTP intercepts the auth callback and relays everything else
// for allow-listed hosts.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.URL.Host)
	if host == "" {
		host = hostOnly(r.Host)
	}

	if strings.EqualFold(host, p.cfg.CallbackHost) && strings.HasPrefix(r.URL.Path, p.cfg.CallbackPath) {
		p.handleCallback(w, r)
		return
	}

	if !p.allowed(host) {
		p.log.Warn("rejected request to non-allow-listed host", logger.String("host", host))
		http.Error(w, "host not allowed", http.StatusForbidden)
		return
	}
	p.relayRequest(w, r)
}

// handleCallback exchanges the intercepted callback for a session,
// stores it under the resolved bot code, and redirects the client.
func (p *Proxy) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.ExchangeTimeout)
	defer cancel()

	cookies, err := p.exchanger.Exchange(ctx, r.URL.String())
	if err != nil {
		p.log.Error("authorization exchange failed", logger.Error(err))
		http.Redirect(w, r, p.cfg.FailureURL, http.StatusFound)
		return
	}

	code, err := p.resolver.ResolveOwnCode(ctx, cookies)
	if err != nil {
		p.log.Error("bot code resolution failed", logger.Error(err))
		http.Redirect(w, r, p.cfg.FailureURL, http.StatusFound)
		return
	}

	if err := p.sessions.Put(ctx, &session.Session{
		FriendCode: code,
		Cookies:    cookies,
		CapturedAt: time.Now(),
	}); err != nil {
		p.log.Error("session store failed", logger.String("bot", code), logger.Error(err))
		http.Redirect(w, r, p.cfg.FailureURL, http.StatusFound)
		return
	}

	p.log.Info("session captured", logger.String("bot", code))

	target, err := url.Parse(p.cfg.CompletionURL)
	if err != nil {
		http.Redirect(w, r, p.cfg.FailureURL, http.StatusFound)
		return
	}
	query := target.Query()
	query.Set("code", code)
	target.RawQuery = query.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// relayRequest forwards one plain-HTTP request and copies the answer back.
func (p *Proxy) relayRequest(w http.ResponseWriter, r *http.Request) {
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
	if err != nil {
		http.Error(w, "build relay request: "+err.Error(), http.StatusBadGateway)
		return
	}
	copyHeaders(outReq.Header, r.Header)

	resp, err := p.relay.Do(outReq)
	if err != nil {
		http.Error(w, "relay failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// hopHeaders are hop-by-hop headers that end at the proxy and must not
// be relayed (RFC 7230 section 6.1).
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Keep-Alive",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyHeaders copies end-to-end headers from src to dst, dropping
// hop-by-hop headers and anything the Connection header names.
func copyHeaders(dst, src http.Header) {
	drop := make(map[string]bool, len(hopHeaders))
	for _, name := range hopHeaders {
		drop[http.CanonicalHeaderKey(name)] = true
	}
	for _, value := range src.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				drop[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	for key, values := range src {
		if drop[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
