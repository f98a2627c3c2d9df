package session

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/jrsteele09/go-session-manager/backend"
	ierrors "github.com/jrsteele09/go-session-manager/internal/errors"
)

var _ oauth2.TokenSource = (*Coordinator)(nil)

// Token implements oauth2.TokenSource. An expired access token is refreshed first.
// The refresh token never leaves the store.
func (c *Coordinator) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()

	current, ok := c.tokens.Read(ctx)
	if !ok {
		return nil, errors.Wrap(ierrors.ErrNoSession, "[Token]")
	}
	if current.ExpiresAt.After(c.clock.Now()) {
		return &oauth2.Token{AccessToken: current.AccessToken, TokenType: "Bearer", Expiry: current.ExpiresAt}, nil
	}
	return c.refreshedToken(ctx)
}

// HTTPClient returns a client for protected APIs: it sends the current access token
// and on a 401 refreshes once and retries.
func (c *Coordinator) HTTPClient(base http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: &backend.Transport{
			Base:    base,
			Source:  c,
			Refresh: c.refreshedToken,
		},
	}
}

func (c *Coordinator) refreshedToken(ctx context.Context) (*oauth2.Token, error) {
	accessToken, err := c.RefreshAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	token := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
	if expiresAt, ok := c.SessionExpiresAt(ctx); ok {
		token.Expiry = expiresAt
	}
	return token, nil
}
