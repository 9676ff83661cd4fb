package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Endpoint describes where the vendor API is served.
type Endpoint struct {
	APIBase string `json:"api_base"`
	Region  string `json:"region"`
}

// Resolver hands out the vendor Endpoint. With a discovery URL the descriptor is fetched
// lazily on first use, concurrent callers share a single request, and the cached value is
// dropped after maxFailures consecutive failed calls against it.
type Resolver struct {
	http         *http.Client
	staticBase   string
	discoveryURL string
	maxFailures  int
	timeout      time.Duration

	sf       singleflight.Group
	mu       sync.Mutex
	cur      *Endpoint
	failures int
}

// NewResolver constructs a resolver. discoveryURL takes precedence over baseURL.
func NewResolver(hc *http.Client, baseURL, discoveryURL string, maxFailures int) *Resolver {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &Resolver{
		http:         hc,
		staticBase:   strings.TrimRight(baseURL, "/"),
		discoveryURL: discoveryURL,
		maxFailures:  maxFailures,
		timeout:      10 * time.Second,
	}
}

// Endpoint returns the cached descriptor or resolves it.
func (r *Resolver) Endpoint(ctx context.Context) (Endpoint, error) {
	if r.discoveryURL == "" {
		return Endpoint{APIBase: r.staticBase}, nil
	}
	r.mu.Lock()
	if r.cur != nil {
		ep := *r.cur
		r.mu.Unlock()
		return ep, nil
	}
	r.mu.Unlock()

	ch := r.sf.DoChan("endpoint", func() (any, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		ep, err := r.discover(dctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cur, r.failures = &ep, 0
		r.mu.Unlock()
		return ep, nil
	})
	select {
	case <-ctx.Done():
		return Endpoint{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Endpoint{}, res.Err
		}
		return res.Val.(Endpoint), nil
	}
}

func (r *Resolver) discover(ctx context.Context) (Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(r.discoveryURL, "/")+"/v1/endpoint", nil)
	if err != nil {
		return Endpoint{}, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return Endpoint{}, fmt.Errorf("discover endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return Endpoint{}, apiError(resp)
	}
	var ep Endpoint
	if err := json.NewDecoder(resp.Body).Decode(&ep); err != nil {
		return Endpoint{}, fmt.Errorf("decode endpoint: %w", err)
	}
	if ep.APIBase == "" {
		return Endpoint{}, fmt.Errorf("discover endpoint: empty api_base")
	}
	ep.APIBase = strings.TrimRight(ep.APIBase, "/")
	return ep, nil
}

// ReportFailure records a failed call; the descriptor is invalidated once the limit is hit.
func (r *Resolver) ReportFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return
	}
	r.failures++
	if r.failures >= r.maxFailures {
		r.cur, r.failures = nil, 0
	}
}

// ReportSuccess resets the failure streak.
func (r *Resolver) ReportSuccess() {
	r.mu.Lock()
	r.failures = 0
	r.mu.Unlock()
}
