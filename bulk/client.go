package bulk

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/sfsync/sfsync/internal/quota"
	"github.com/sfsync/sfsync/session"
	"github.com/sfsync/sfsync/utils/misc"
)

const (
	maxGetAttempts = 3
	getRetryDelay  = 500 * time.Millisecond
)

// client wraps the remote platform's HTTP surface. Every outbound call first
// passes quota admission for the client's API class, so protocol adapters
// never talk to the platform behind the governor's back.
//
// Only GET requests are retried, and only on transport errors: a mutation
// that may have reached the platform is surfaced to the caller instead of
// being replayed.
type client struct {
	httpClient *http.Client
	sessions   session.Provider
	governor   *quota.Governor
	class      quota.Class
	log        logger.Logger
}

func newClient(httpClient *http.Client, sessions session.Provider, governor *quota.Governor, class quota.Class, log logger.Logger) *client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &client{
		httpClient: httpClient,
		sessions:   sessions,
		governor:   governor,
		class:      class,
		log:        log,
	}
}

// get issues a GET with linear-backoff retries on transport failures.
// Responses the platform actually produced, 2xx or not, are never retried
// here.
func (c *client) get(ctx context.Context, path string) ([]byte, http.Header, error) {
	var lastErr error
	for attempt := 0; attempt < maxGetAttempts; attempt++ {
		if attempt > 0 {
			if err := misc.SleepCtx(ctx, time.Duration(attempt)*getRetryDelay); err != nil {
				return nil, nil, err
			}
			c.log.Debugn("retrying GET",
				logger.NewStringField("path", path),
				logger.NewIntField("attempt", int64(attempt+1)))
		}
		body, header, err := c.do(ctx, http.MethodGet, path, "", "")
		if err == nil {
			return body, header, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, quota.ErrDailyCapExceeded) || errors.Is(err, session.ErrAuth) {
			return nil, nil, err
		}
		lastErr = err
	}
	return nil, nil, lastErr
}

func (c *client) post(ctx context.Context, path, body, contentType string) ([]byte, http.Header, error) {
	return c.do(ctx, http.MethodPost, path, body, contentType)
}

func (c *client) put(ctx context.Context, path, body, contentType string) ([]byte, http.Header, error) {
	return c.do(ctx, http.MethodPut, path, body, contentType)
}

func (c *client) patch(ctx context.Context, path, body, contentType string) ([]byte, http.Header, error) {
	return c.do(ctx, http.MethodPatch, path, body, contentType)
}

func (c *client) do(ctx context.Context, method, path, body, contentType string) ([]byte, http.Header, error) {
	if err := c.governor.Acquire(ctx, c.class); err != nil {
		return nil, nil, err
	}
	creds, err := c.sessions.Session(ctx)
	if err != nil {
		return nil, nil, err
	}
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, creds.InstanceURL+path, reader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
			Category:   categorizeError(resp.StatusCode),
		}
	}
	return respBody, resp.Header, nil
}
