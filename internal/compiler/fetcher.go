// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// ErrImportsDisabled is returned by a Disabled fetcher for any from
// import (CLI/offline mode, spec.md §4.1).
var ErrImportsDisabled = errors.New("compiler: imports are disabled")

// ImportFetcher resolves a `from "<url>"` reference to the body of the
// document it names. It is the single injected capability the compiler
// depends on, and has a single method, Fetch.
type ImportFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Disabled returns a fetcher that rejects every import, for CLI/offline
// compilation.
func Disabled() ImportFetcher { return disabledFetcher{} }

type disabledFetcher struct{}

func (disabledFetcher) Fetch(context.Context, string) (string, error) {
	return "", ErrImportsDisabled
}

// InMemoryFetcher is a fake fetcher backed by a fixed URL→body map, for
// tests (matching lib/clock/fake.go's style of hand-written fakes
// rather than a mocking framework).
type InMemoryFetcher map[string]string

func (f InMemoryFetcher) Fetch(_ context.Context, u string) (string, error) {
	body, ok := f[u]
	if !ok {
		return "", fmt.Errorf("compiler: no such document: %s", u)
	}
	return body, nil
}

// HTTPFetcher fetches import documents over HTTP, rate-limited so a
// misbehaving or deeply-nested import chain cannot hammer a remote
// host even though cycles are already rejected structurally.
type HTTPFetcher struct {
	Client  *http.Client
	Limiter *rate.Limiter
}

// NewHTTPFetcher returns an HTTPFetcher allowing at most ratePerSecond
// fetches per second, with a burst of the same size.
func NewHTTPFetcher(client *http.Client, ratePerSecond float64) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	burst := int(ratePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &HTTPFetcher{
		Client:  client,
		Limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	if err := f.Limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("compiler: rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("compiler: building request for %s: %w", rawURL, err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("compiler: fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("compiler: fetching %s: unexpected status %s", rawURL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("compiler: reading body of %s: %w", rawURL, err)
	}
	return string(body), nil
}

// validURL reports whether s parses as an absolute URL with a scheme
// and host, the minimum shape spec.md §4.1's InvalidUrl case checks
// for before attempting a fetch.
func validURL(s string) bool {
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}
