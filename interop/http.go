package interop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/thibmeu/daphne/dap"
)

// Options carries the runtime dependencies the harness components share.
// Zero values get defaults.
type Options struct {
	// HTTPClient overrides the default client. A custom client must not
	// follow redirects, or collect creation will chase its own 303.
	HTTPClient *http.Client

	Log *slog.Logger

	// Backoff paces network retries and poll attempts. Defaults to
	// Fixed(cfg.PollInterval).
	Backoff Backoff

	// Now supplies the clock. Defaults to time.Now.
	Now func() time.Time
}

// api is the HTTP plumbing under every component: one place for timeouts,
// the auth header, bounded network retries and response classification.
type api struct {
	http    *http.Client
	log     *slog.Logger
	backoff Backoff
	now     func() time.Time

	// attempts bounds transport-failure retries on calls marked retryable.
	attempts int
}

func newAPI(cfg Config, opts Options) *api {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.RequestTimeout.Std(),
			// the 303 from collect creation is a job handle to poll with
			// POST, not a redirect to follow
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = Fixed(cfg.PollInterval)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	attempts := cfg.NetworkAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &api{http: httpClient, log: log, backoff: backoff, now: now, attempts: attempts}
}

// call is one HTTP interaction the error taxonomy applies to.
type call struct {
	step        string
	method      string
	url         string
	token       string
	contentType string
	body        []byte

	// okStatus is an extra acceptable status beyond plain 2xx.
	okStatus int

	// retry enables bounded retries on transport failures. Only idempotent
	// calls set it.
	retry bool
}

// do runs the call and returns the response with its drained body, or a
// classified error. Protocol-level rejections are never retried here.
func (a *api) do(ctx context.Context, c call) (*http.Response, []byte, error) {
	attempts := 1
	if c.retry {
		attempts = a.attempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			a.log.Warn("retrying after network failure",
				"step", c.step, "url", c.url, "attempt", attempt, "err", lastErr)
			if err := sleep(ctx, a.backoff.Delay(attempt-1)); err != nil {
				return nil, nil, networkErr(c.step, c.url, err)
			}
		}

		req, err := http.NewRequestWithContext(ctx, c.method, c.url, bytes.NewReader(c.body))
		if err != nil {
			return nil, nil, networkErr(c.step, c.url, err)
		}
		if c.contentType != "" {
			req.Header.Set("Content-Type", c.contentType)
		}
		if c.token != "" {
			req.Header.Set(dap.AuthHeader, c.token)
		}

		resp, err := a.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if clsErr := classifyResponse(c.step, resp, body, c.okStatus); clsErr != nil {
			return resp, body, clsErr
		}
		return resp, body, nil
	}
	return nil, nil, networkErr(c.step, c.url, lastErr)
}

// postJSON sends a JSON body (nil for an empty POST) and optionally decodes
// a JSON response into out.
func (a *api) postJSON(ctx context.Context, step, endpoint, token string, payload, out any, retry bool) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", step, err)
		}
	}
	_, respBody, err := a.do(ctx, call{
		step:        step,
		method:      http.MethodPost,
		url:         endpoint,
		token:       token,
		contentType: "application/json",
		body:        body,
		retry:       retry,
	})
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s: parsing response: %w", step, err)
		}
	}
	return nil
}

func joinURL(base string, elems ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("URL %q: %w", base, err)
	}
	return u.JoinPath(elems...).String(), nil
}
