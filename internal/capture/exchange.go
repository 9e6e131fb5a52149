package capture

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"
)

// Exchanger turns an intercepted callback URL into portal cookies.
// The exchange is issued directly, not through the proxy path, so the
// portal sees an ordinary login.
type Exchanger interface {
	Exchange(ctx context.Context, callbackURL string) (map[string]string, error)
}

// authExchanger follows the callback's redirect chain with a cookie
// jar and harvests the portal cookies set along the way.
type authExchanger struct {
	portalBase *url.URL
	userAgent  string
	timeout    time.Duration
}

// NewExchanger creates the production exchanger. portalBase is the
// portal mobile base URL whose cookies constitute the session.
func NewExchanger(portalBase, userAgent string, timeout time.Duration) (Exchanger, error) {
	base, err := url.Parse(portalBase)
	if err != nil {
		return nil, fmt.Errorf("parse portal base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &authExchanger{portalBase: base, userAgent: userAgent, timeout: timeout}, nil
}

// Exchange performs the authorization exchange and returns the portal
// cookies of the fresh session.
func (e *authExchanger) Exchange(ctx context.Context, callbackURL string) (map[string]string, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	client := &http.Client{
		Jar:     jar,
		Timeout: e.timeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, callbackURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build exchange request: %w", err)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authorization exchange: %w", err)
	}
	resp.Body.Close()

	cookies := make(map[string]string)
	for _, cookie := range jar.Cookies(e.portalBase) {
		cookies[cookie.Name] = cookie.Value
	}
	if len(cookies) == 0 {
		return nil, fmt.Errorf("authorization exchange yielded no portal cookies")
	}
	return cookies, nil
}
