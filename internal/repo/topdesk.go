package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/miradorstack/topdesk-stats/internal/metrics"
	"github.com/miradorstack/topdesk-stats/internal/models"
	"github.com/miradorstack/topdesk-stats/internal/utils"
)

const (
	versionPath        = "/tas/api/productVersion"
	maxErrorBodyLength = 200

	defaultMaxResponseBytes = 32 * 1024 * 1024

	defaultRequestTimeout = 10 * time.Second
)

// ClientConfig holds the connection settings of one TOPdesk instance.
type ClientConfig struct {
	Host              string
	Username          string
	Password          string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	// Burst is the number of requests allowed back to back when pacing is on. It is raised
	// to at least one full refresh.
	Burst int
	// MaxResponseBytes caps a response body; larger bodies fail the call. Defaults to 32 MiB.
	MaxResponseBytes int64
	// Transport, when set, is used by every session instead of a fresh transport.
	Transport http.RoundTripper
	// Now is the clock used to resolve "today" in filters.
	Now func() time.Time
}

// TOPdeskClient wraps the TOPdesk reporting OData API and the product version endpoint.
// It holds no connection state; network resources live in a Session.
type TOPdeskClient struct {
	cfg     ClientConfig
	host    string
	limiter *rate.Limiter
}

// NewTOPdeskClient constructs a client for the given instance. Host must be an absolute
// http(s) URL.
func NewTOPdeskClient(cfg ClientConfig) (*TOPdeskClient, error) {
	host := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if err := validateHost(host); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}

	c := &TOPdeskClient{cfg: cfg, host: host}
	if cfg.RequestsPerSecond > 0 {
		// One refresh always fits the bucket; pacing applies between refreshes.
		burst := max(int(cfg.RequestsPerSecond), cfg.Burst, models.MaxCallsPerRefresh())
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

func validateHost(host string) error {
	if host == "" {
		return fmt.Errorf("TOPdesk host is required")
	}
	u, err := url.Parse(host)
	if err != nil {
		return fmt.Errorf("parse TOPdesk host: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("TOPdesk host must use http or https (got %q)", host)
	}
	if u.Host == "" {
		return fmt.Errorf("TOPdesk host %q has no hostname", host)
	}
	return nil
}

// Open acquires a session for the duration of one refresh. Callers must Close it.
func (c *TOPdeskClient) Open() *Session {
	transport := c.cfg.Transport
	var owned *http.Transport
	if transport == nil {
		owned = http.DefaultTransport.(*http.Transport).Clone()
		transport = owned
	}
	return &Session{
		client:    c,
		transport: owned,
		http: &http.Client{
			Timeout:   c.cfg.RequestTimeout,
			Transport: transport,
		},
	}
}

// Probe checks that the instance is reachable and answers the version endpoint.
func (c *TOPdeskClient) Probe(ctx context.Context) (string, error) {
	s := c.Open()
	defer s.Close()
	return s.FetchVersion(ctx)
}

func (c *TOPdeskClient) resolvePath(p string) string {
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.host)
	if err != nil {
		return c.host + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	if strings.HasSuffix(cleaned, "/") && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.String()
}

// Session is a scoped connection to one instance. It is not safe for reuse after Close.
type Session struct {
	client    *TOPdeskClient
	http      *http.Client
	transport *http.Transport

	mu     sync.Mutex
	closed bool
}

// Close releases the session's idle connections. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.transport != nil {
		s.transport.CloseIdleConnections()
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FetchVersion returns the product version as "major.minor.patch".
func (s *Session) FetchVersion(ctx context.Context) (string, error) {
	const op = "FetchVersion"

	body, err := s.get(ctx, op, "version", s.client.resolvePath(versionPath))
	if err != nil {
		return "", err
	}

	var payload struct {
		Major *json.Number `json:"major"`
		Minor *json.Number `json:"minor"`
		Patch *json.Number `json:"patch"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", utils.NewAppError(utils.KindIncompleteResponse, op, "decode version", err)
	}
	if payload.Major == nil || payload.Minor == nil || payload.Patch == nil {
		return "", utils.NewAppError(utils.KindIncompleteResponse, op, fmt.Sprintf("incomplete version data: %s", truncate(body, maxErrorBodyLength)), nil)
	}
	return fmt.Sprintf("%s.%s.%s", *payload.Major, *payload.Minor, *payload.Patch), nil
}

// FetchCount runs a filtered OData query against basePath and returns the number of
// matching tickets.
func (s *Session) FetchCount(ctx context.Context, basePath, filter string) (int, error) {
	const op = "FetchCount"

	endpoint := s.client.resolvePath(basePath) + "?$select=id&$filter=" + encodeFilter(filter)
	body, err := s.get(ctx, op, "count", endpoint)
	if err != nil {
		return 0, err
	}

	var payload struct {
		Value *[]json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, utils.NewAppError(utils.KindIncompleteResponse, op, "decode count", err)
	}
	if payload.Value == nil {
		return 0, utils.NewAppError(utils.KindIncompleteResponse, op, "response has no value array", nil)
	}
	return len(*payload.Value), nil
}

// FetchCategoryCounts issues every count query of the category's policy concurrently.
// The first failure cancels the rest and is returned; no partial counts are produced.
func (s *Session) FetchCategoryCounts(ctx context.Context, category models.Category) (models.RawCounts, error) {
	policy, err := models.PolicyFor(category)
	if err != nil {
		return nil, err
	}

	now := s.client.cfg.Now()
	results := make([]int, len(policy.Filters))

	g, gctx := errgroup.WithContext(ctx)
	for i, mf := range policy.Filters {
		filter := mf.Filter.Render(now)
		g.Go(func() error {
			n, err := s.FetchCount(gctx, policy.BasePath, filter)
			if err != nil {
				return fmt.Errorf("%s %s: %w", category, mf.Metric, err)
			}
			results[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	raw := make(models.RawCounts, len(results))
	for i, mf := range policy.Filters {
		raw[mf.Metric] = results[i]
	}
	return raw, nil
}

// get performs an authenticated GET and returns the body of a 200 response.
func (s *Session) get(ctx context.Context, op, endpointLabel, endpoint string) ([]byte, error) {
	if s.isClosed() {
		return nil, utils.NewAppError(utils.KindTransport, op, "session is closed", nil)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.client.cfg.RequestTimeout)
	defer cancel()

	if s.client.limiter != nil {
		if err := s.client.limiter.Wait(reqCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, classifyTransport(reqCtx, op, err)
			}
			return nil, utils.NewAppError(utils.KindTimeout, op, "request pacing would exceed the deadline", err)
		}
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, utils.NewAppError(utils.KindTransport, op, "create request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(s.client.cfg.Username, s.client.cfg.Password)

	resp, err := s.http.Do(req)
	if err != nil {
		metrics.ObserveRequest(endpointLabel, "error")
		return nil, classifyTransport(reqCtx, op, err)
	}
	defer resp.Body.Close()

	limit := s.client.cfg.MaxResponseBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	metrics.ObserveRequest(endpointLabel, strconv.Itoa(resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		return nil, utils.NewStatusError(op, resp.StatusCode, truncate(body, maxErrorBodyLength))
	}
	if err != nil {
		return nil, classifyTransport(reqCtx, op, err)
	}
	if int64(len(body)) > limit {
		return nil, utils.NewAppError(utils.KindResponseTooLarge, op, fmt.Sprintf("response body exceeds %d bytes", limit), nil)
	}
	return body, nil
}

func classifyTransport(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return utils.NewAppError(utils.KindTimeout, op, "request timed out", err)
	}
	return utils.NewAppError(utils.KindTransport, op, "request failed", err)
}

// encodeFilter percent-encodes an OData expression, spaces as %20.
func encodeFilter(filter string) string {
	return strings.ReplaceAll(url.QueryEscape(filter), "+", "%20")
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
