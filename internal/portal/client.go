package portal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/domain"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/logger"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/retry"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/session"
)

// Portal endpoints, relative to the mobile base URL.
const (
	pathHome           = "/home/"
	pathFriendList     = "/friend/"
	pathSentInvites    = "/friend/invite/"
	pathPendingInvites = "/friend/accept/"
	pathSearchUser     = "/friend/search/searchUser/"
	pathSendInvite     = "/friend/search/invite/"
	pathAllowInvite    = "/friend/accept/allow/"
	pathCancelInvite   = "/friend/invite/cancel/"
	pathDropFriend     = "/friend/friendDetail/drop/"
	pathFriendDetail   = "/friend/friendDetail/"
	pathFavoriteOn     = "/friend/favoriteOn/"
	pathFavoriteOff    = "/friend/favoriteOff/"
	pathFriendVs       = "/friend/friendGenreVs/battleStart/"
	pathOwnFriendCode  = "/friend/userFriendCode/"
)

// maxResponseBodyBytes limits the size of fetched page responses.
const maxResponseBodyBytes = 10 * 1024 * 1024 // 10 MB

// maxRedirectHops bounds manual redirect following within one call.
const maxRedirectHops = 3

// sessionExpiredBodyMarker appears on the portal error page shown when
// the session cookie is stale.
const sessionExpiredBodyMarker = "ERROR CODE：100001"

// sessionExpiredLocations are redirect targets that indicate the session
// is no longer authenticated.
var sessionExpiredLocations = []string{
	"lng-tgk-aime-gw.am-all.net/common_auth",
	"/maimai-mobile/error/?code=100001",
}

// CallRecord is one API call diagnostic entry.
type CallRecord struct {
	URL        string `json:"url"`
	Method     string `json:"method"`
	StatusCode int    `json:"statusCode"`
	Body       string `json:"responseBody"`
}

// Recorder receives per-call diagnostics. Implementations must be cheap;
// recording never fails a call.
type Recorder interface {
	Record(rec CallRecord)
}

// Config configures the portal client.
type Config struct {
	// BaseURL is the portal mobile base, e.g. https://maimai.wahlap.com/maimai-mobile.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// UserAgent is sent with every request.
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
	// RequestTimeout is the per-call timeout.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	// MaxAttempts caps retries per operation.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// RetryInitialDelay is the backoff seed between attempts.
	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay" yaml:"retry_initial_delay"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://maimai.wahlap.com/maimai-mobile"
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (Linux; Android 13) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Mobile Safari/537.36"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 20 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = 500 * time.Millisecond
	}
}

// Client issues typed requests against the portal using a bot's session.
// All calls retry transient failures with exponential backoff and jitter;
// session expiry and banner rejections propagate without retry.
type Client struct {
	base     *url.URL
	http     *http.Client
	cfg      Config
	log      logger.Logger
	recorder Recorder
}

// NewClient creates a portal client. recorder may be nil.
func NewClient(cfg Config, log logger.Logger, recorder Recorder) (*Client, error) {
	cfg.SetDefaults()

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse portal base url: %w", err)
	}

	return &Client{
		base: base,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
			// Redirects are followed manually so expiry redirects are visible.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:      cfg,
		log:      log,
		recorder: recorder,
	}, nil
}

// WithRecorder returns a shallow copy of the client that records call
// diagnostics into rec for the duration of one job.
func (c *Client) WithRecorder(rec Recorder) *Client {
	cp := *c
	cp.recorder = rec
	return &cp
}

// retryConfig builds the per-operation retry configuration.
func (c *Client) retryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = c.cfg.MaxAttempts
	cfg.InitialDelay = c.cfg.RetryInitialDelay
	cfg.IsRetryable = callRetryable
	return cfg
}

// callRetryable keeps definitive portal answers out of the retry loop.
func callRetryable(err error) bool {
	if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrUserNotFound) || IsRejected(err) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Retryable()
	}
	return retry.DefaultIsRetryable(err)
}

// get fetches a portal page and returns the body.
func (c *Client) get(ctx context.Context, sess *session.Session, path string, query url.Values) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, c.retryConfig(), func() error {
		var callErr error
		body, callErr = c.roundTrip(ctx, sess, http.MethodGet, path, query, nil)
		return callErr
	})
	return body, err
}

// post submits a portal form. The response body is returned for callers
// that need to confirm the action landed.
func (c *Client) post(ctx context.Context, sess *session.Session, path string, form url.Values) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, c.retryConfig(), func() error {
		var callErr error
		body, callErr = c.roundTrip(ctx, sess, http.MethodPost, path, nil, form)
		return callErr
	})
	return body, err
}

// roundTrip performs one request, following redirects manually and
// checking each hop for the session-expiry signal.
func (c *Client) roundTrip(ctx context.Context, sess *session.Session, method, path string, query, form url.Values) ([]byte, error) {
	target := *c.base
	target.Path = strings.TrimSuffix(target.Path, "/") + path
	if query != nil {
		target.RawQuery = query.Encode()
	}

	reqURL := target.String()
	for hop := 0; hop < maxRedirectHops; hop++ {
		var bodyReader io.Reader
		reqMethod := method
		if form != nil && hop == 0 {
			bodyReader = strings.NewReader(form.Encode())
		} else if hop > 0 {
			// Portal POSTs answer with a redirect to a result page.
			reqMethod = http.MethodGet
		}

		req, err := http.NewRequestWithContext(ctx, reqMethod, reqURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("build request for %s: %w", reqURL, err)
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		if bodyReader != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		for name, value := range sess.Cookies {
			req.AddCookie(&http.Cookie{Name: name, Value: value})
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", reqMethod, reqURL, err)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response of %s: %w", reqURL, err)
		}

		c.record(reqMethod, reqURL, resp.StatusCode, body)

		switch {
		case resp.StatusCode >= 300 && resp.StatusCode < 400:
			location := resp.Header.Get("Location")
			if isExpiredLocation(location) {
				return nil, ErrSessionExpired
			}
			next, parseErr := url.Parse(location)
			if parseErr != nil {
				return nil, fmt.Errorf("parse redirect of %s: %w", reqURL, parseErr)
			}
			reqURL = req.URL.ResolveReference(next).String()
			continue

		case resp.StatusCode != http.StatusOK:
			return nil, &StatusError{Code: resp.StatusCode, URL: reqURL}
		}

		if bytes.Contains(body, []byte(sessionExpiredBodyMarker)) {
			return nil, ErrSessionExpired
		}
		if banner := ParseErrorBanner(body); banner != "" {
			return nil, &RejectedError{Message: banner}
		}
		return body, nil
	}

	return nil, fmt.Errorf("%s: too many redirects", reqURL)
}

// record pushes one diagnostic entry, trimming large bodies.
func (c *Client) record(method, reqURL string, status int, body []byte) {
	if c.recorder == nil {
		return
	}
	const maxRecordedBody = 4096
	snippet := body
	if len(snippet) > maxRecordedBody {
		snippet = snippet[:maxRecordedBody]
	}
	c.recorder.Record(CallRecord{
		URL:        reqURL,
		Method:     method,
		StatusCode: status,
		Body:       string(snippet),
	})
}

// isExpiredLocation reports whether a redirect target signals expiry.
func isExpiredLocation(location string) bool {
	for _, marker := range sessionExpiredLocations {
		if strings.Contains(location, marker) {
			return true
		}
	}
	return false
}

// ProbeSession checks session validity against the portal home page.
// Returns ErrSessionExpired when the session is stale.
func (c *Client) ProbeSession(ctx context.Context, sess *session.Session) error {
	_, err := c.get(ctx, sess, pathHome, nil)
	return err
}

// FriendList returns the bot's current friends.
func (c *Client) FriendList(ctx context.Context, sess *session.Session) ([]Friend, error) {
	body, err := c.get(ctx, sess, pathFriendList, nil)
	if err != nil {
		return nil, err
	}
	return ParseFriendList(body)
}

// SentInvites returns the bot's outstanding invites with their
// portal-reported send times.
func (c *Client) SentInvites(ctx context.Context, sess *session.Session) ([]Invite, error) {
	body, err := c.get(ctx, sess, pathSentInvites, nil)
	if err != nil {
		return nil, err
	}
	return ParseInvites(body)
}

// SentRequests returns friend codes with an outstanding invite from the bot.
func (c *Client) SentRequests(ctx context.Context, sess *session.Session) ([]string, error) {
	invites, err := c.SentInvites(ctx, sess)
	if err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(invites))
	for _, inv := range invites {
		codes = append(codes, inv.FriendCode)
	}
	return codes, nil
}

// PendingRequests returns friend codes waiting for the bot's acceptance.
func (c *Client) PendingRequests(ctx context.Context, sess *session.Session) ([]string, error) {
	body, err := c.get(ctx, sess, pathPendingInvites, nil)
	if err != nil {
		return nil, err
	}
	return ParseInviteCodes(body)
}

// UserProfile looks up a player by friend code.
// Returns ErrUserNotFound when the code resolves to no player.
func (c *Client) UserProfile(ctx context.Context, sess *session.Session, friendCode string) (*Profile, error) {
	body, err := c.get(ctx, sess, pathSearchUser, url.Values{"friendCode": {friendCode}})
	if err != nil {
		return nil, err
	}
	profile, err := ParseUserProfile(body)
	if err != nil {
		return nil, err
	}
	profile.FriendCode = friendCode
	return profile, nil
}

// MyFriendCode resolves the friend code of the session's own account.
func (c *Client) MyFriendCode(ctx context.Context, sess *session.Session) (string, error) {
	body, err := c.get(ctx, sess, pathOwnFriendCode, nil)
	if err != nil {
		return "", err
	}
	return ParseOwnFriendCode(body)
}

// SendFriendRequest sends a friend invite to the target player.
func (c *Client) SendFriendRequest(ctx context.Context, sess *session.Session, friendCode string) error {
	_, err := c.post(ctx, sess, pathSendInvite, c.actionForm(sess, friendCode))
	return err
}

// AcceptFriendRequest accepts a pending invite from the target player.
func (c *Client) AcceptFriendRequest(ctx context.Context, sess *session.Session, friendCode string) error {
	_, err := c.post(ctx, sess, pathAllowInvite, c.actionForm(sess, friendCode))
	return err
}

// CancelFriendRequest withdraws an outstanding invite to the target player.
func (c *Client) CancelFriendRequest(ctx context.Context, sess *session.Session, friendCode string) error {
	_, err := c.post(ctx, sess, pathCancelInvite, c.actionForm(sess, friendCode))
	return err
}

// RemoveFriend drops an existing friendship with the target player.
func (c *Client) RemoveFriend(ctx context.Context, sess *session.Session, friendCode string) error {
	_, err := c.post(ctx, sess, pathDropFriend, c.actionForm(sess, friendCode))
	return err
}

// FriendDetail fetches relationship state for one friend.
func (c *Client) FriendDetail(ctx context.Context, sess *session.Session, friendCode string) (*FriendDetail, error) {
	body, err := c.get(ctx, sess, pathFriendDetail, url.Values{"idx": {friendCode}})
	if err != nil {
		return nil, err
	}
	return ParseFriendDetail(body)
}

// SetFavorite toggles the favorite flag on a friend. The score-comparison
// endpoint is gated on the favorite relationship.
func (c *Client) SetFavorite(ctx context.Context, sess *session.Session, friendCode string, favorite bool) error {
	path := pathFavoriteOff
	if favorite {
		path = pathFavoriteOn
	}
	_, err := c.post(ctx, sess, path, c.actionForm(sess, friendCode))
	return err
}

// ScorePage fetches one friend-versus score page for the given
// difficulty and metric kind, returning the raw HTML for caching.
func (c *Client) ScorePage(ctx context.Context, sess *session.Session, friendCode string, diff int, kind domain.ScoreKind) ([]byte, error) {
	return c.get(ctx, sess, pathFriendVs, url.Values{
		"scoreType": {fmt.Sprintf("%d", int(kind))},
		"idx":       {friendCode},
		"diff":      {fmt.Sprintf("%d", diff)},
	})
}

// actionForm builds the idx/token form shared by friend actions.
func (c *Client) actionForm(sess *session.Session, friendCode string) url.Values {
	form := url.Values{"idx": {friendCode}}
	if token, ok := sess.Cookies["_t"]; ok {
		form.Set("token", token)
	}
	return form
}
