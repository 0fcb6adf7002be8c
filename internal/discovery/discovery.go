// Package discovery resolves logical node names ("flowpay", "smart-core")
// to base URLs through the ecosystem directory, with a TTL cache and an
// environment variable fallback.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/austindbirch/nexus/internal/config"
	"github.com/austindbirch/nexus/internal/delivery"
	"github.com/austindbirch/nexus/internal/logging"
)

// ErrNotFound means neither the directory nor the environment knows the node.
var ErrNotFound = errors.New("node url not found")

type node struct {
	ID      string `json:"id"`
	Hosting struct {
		ProductionURL string `json:"productionUrl"`
	} `json:"hosting"`
}

type entry struct {
	url       string
	expiresAt time.Time
}

// Resolver is safe for concurrent use.
type Resolver struct {
	cfg       config.Discovery
	client    delivery.Doer
	now       func() time.Time
	lookupEnv func(string) (string, bool)
	maxTries  uint
	logger    *logging.Logger

	mu    sync.Mutex
	cache map[string]entry
}

type Option func(*Resolver)

func WithHTTPClient(c delivery.Doer) Option {
	return func(r *Resolver) { r.client = c }
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithEnv replaces os.LookupEnv for the fallback lookup.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(r *Resolver) { r.lookupEnv = lookup }
}

// WithMaxTries bounds directory lookups per resolution.
func WithMaxTries(n uint) Option {
	return func(r *Resolver) { r.maxTries = n }
}

func New(cfg config.Discovery, opts ...Option) *Resolver {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	r := &Resolver{
		cfg:       cfg,
		client:    &http.Client{},
		now:       time.Now,
		lookupEnv: os.LookupEnv,
		maxTries:  3,
		logger:    logging.New("discovery"),
		cache:     map[string]entry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnvKey is the fallback variable for a node: "smart-core" -> "SMART_CORE_API_URL".
func EnvKey(nodeID string) string {
	return strings.ToUpper(strings.ReplaceAll(nodeID, "-", "_")) + "_API_URL"
}

// Resolve returns the base URL for nodeID without a trailing slash.
func (r *Resolver) Resolve(ctx context.Context, nodeID string) (string, error) {
	now := r.now()

	r.mu.Lock()
	if e, ok := r.cache[nodeID]; ok && now.Before(e.expiresAt) {
		r.mu.Unlock()
		return e.url, nil
	}
	r.mu.Unlock()

	log := r.logger.WithContext(ctx).WithField("node", nodeID)

	if r.cfg.DirectoryURL != "" {
		u, err := r.lookup(ctx, nodeID)
		if err == nil {
			u = strings.TrimRight(u, "/")
			r.mu.Lock()
			r.cache[nodeID] = entry{url: u, expiresAt: now.Add(r.cfg.TTL)}
			r.mu.Unlock()
			log.WithField("url", u).Info("resolved node via directory")
			return u, nil
		}
		log.WithError(err).Warn("directory lookup failed, falling back to environment")
	}

	if v, ok := r.lookupEnv(EnvKey(nodeID)); ok && v != "" {
		log.WithField("env", EnvKey(nodeID)).Info("using environment fallback")
		return strings.TrimRight(v, "/"), nil
	}
	return "", fmt.Errorf("resolve %s: %w", nodeID, ErrNotFound)
}

// Invalidate drops a cached entry.
func (r *Resolver) Invalidate(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, nodeID)
}

func (r *Resolver) lookup(ctx context.Context, nodeID string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/ecosystem?id=%s", r.cfg.DirectoryURL, url.QueryEscape(nodeID))

	op := func() (string, error) {
		reqCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		if r.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("directory returned HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return "", backoff.Permanent(fmt.Errorf("directory returned HTTP %d", resp.StatusCode))
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return "", err
		}
		u, err := parseNode(body)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		return u, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.maxTries),
	)
}

// parseNode accepts either a single node object or an array whose first
// element is the node.
func parseNode(body []byte) (string, error) {
	trimmed := strings.TrimSpace(string(body))
	var n node
	if strings.HasPrefix(trimmed, "[") {
		var nodes []node
		if err := json.Unmarshal(body, &nodes); err != nil {
			return "", fmt.Errorf("decode directory response: %w", err)
		}
		if len(nodes) == 0 {
			return "", errors.New("directory returned no nodes")
		}
		n = nodes[0]
	} else if err := json.Unmarshal(body, &n); err != nil {
		return "", fmt.Errorf("decode directory response: %w", err)
	}
	if n.Hosting.ProductionURL == "" {
		return "", errors.New("node has no production url")
	}
	return n.Hosting.ProductionURL, nil
}
