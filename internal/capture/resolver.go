package capture

import (
	"context"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/portal"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/session"
)

// portalResolver resolves the friend code behind fresh cookies by
// asking the portal for the account's own code.
type portalResolver struct {
	client *portal.Client
}

// NewPortalResolver wraps a portal client as a CodeResolver.
func NewPortalResolver(client *portal.Client) CodeResolver {
	return &portalResolver{client: client}
}

func (r *portalResolver) ResolveOwnCode(ctx context.Context, cookies map[string]string) (string, error) {
	return r.client.MyFriendCode(ctx, &session.Session{Cookies: cookies})
}
