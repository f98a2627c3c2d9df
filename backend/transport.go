package backend

import (
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// Transport is the request/response interceptor pair for calls to protected APIs. It
// sets the bearer header from Source and, when a response is 401, refreshes once and
// replays the request with the new token. It never retries a second time.
type Transport struct {
	Base    http.RoundTripper
	Source  oauth2.TokenSource
	Refresh func(ctx context.Context) (*oauth2.Token, error)
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Source == nil {
		return nil, errors.New("[Transport] token source is required")
	}
	token, err := t.Source.Token()
	if err != nil {
		return nil, err
	}

	first := req.Clone(req.Context())
	token.SetAuthHeader(first)
	resp, err := t.base().RoundTrip(first)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || t.Refresh == nil {
		return resp, err
	}
	// A consumed body cannot be sent again.
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}

	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	fresh, err := t.Refresh(req.Context())
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, errors.Wrap(err, "[Transport] rewind body")
		}
		retry.Body = body
	}
	fresh.SetAuthHeader(retry)
	return t.base().RoundTrip(retry)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
