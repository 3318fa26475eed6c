// Package integration provides a reusable test harness for end-to-end
// testing of the crfd server. It starts a full HTTP server over the
// in-memory store with a shared-secret test token issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/trialgrid/crfengine/internal/config"
	"github.com/trialgrid/crfengine/internal/lifecycle"
	"github.com/trialgrid/crfengine/internal/observability"
	"github.com/trialgrid/crfengine/internal/rules"
	"github.com/trialgrid/crfengine/internal/store"
	"github.com/trialgrid/crfengine/internal/transport"
	"github.com/trialgrid/crfengine/internal/validation"
)

// TestHarness encapsulates a fully wired crfd instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store      *store.MemoryStore
	Repository *rules.Repository

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	identityEnabled bool
	queriesEnabled  bool
	cacheTTL        time.Duration
	handlerTimeout  time.Duration
}

// WithIdentity enables JWT authentication against the harness issuer.
func WithIdentity() HarnessOption {
	return func(c *harnessConfig) {
		c.identityEnabled = true
	}
}

// WithQueries enables discrepancy query creation.
func WithQueries() HarnessOption {
	return func(c *harnessConfig) {
		c.queriesEnabled = true
	}
}

// WithCacheTTL enables the in-memory rule cache with the given TTL.
func WithCacheTTL(ttl time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.cacheTTL = ttl
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full crfd test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:      t,
		Store:  store.NewMemoryStore(),
		issuer: newTokenIssuer(),
	}

	cfg := config.Defaults()
	cfg.Observability.Metrics.Enabled = false
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Queries.Enabled = hc.queriesEnabled
	cfg.Identity.Enabled = hc.identityEnabled
	cfg.Identity.Issuer = h.issuer.issuer
	cfg.Identity.Audience = h.issuer.audience
	h.cfg = cfg

	log := zap.NewNop()

	repoOpts := []rules.RepositoryOption{}
	if hc.cacheTTL > 0 {
		repoOpts = append(repoOpts, rules.WithCache(rules.NewMemoryCache(hc.cacheTTL, rules.CacheStats{})))
	}
	h.Repository = rules.NewRepository(h.Store, log, repoOpts...)

	evaluator := rules.NewEvaluator(log)

	var queryOpener validation.QueryOpener
	if hc.queriesEnabled {
		queryOpener = h.Store
	}
	orchestrator := validation.NewOrchestrator(h.Repository, evaluator, queryOpener, log, validation.Hooks{})

	var authenticator *transport.Authenticator
	if hc.identityEnabled {
		authenticator = transport.NewAuthenticator(cfg.Identity, h.issuer.secret, log)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:        cfg,
		Logger:        log,
		Authenticator: authenticator,
		Orchestrator:  orchestrator,
		Repository:    h.Repository,
		Evaluator:     evaluator,
		Machine:       lifecycle.NewMachine(h.Store),
		LockGuard:     lifecycle.NewLockGuard(h.Store, log, nil),
		ConfigStore:   h.Store,
		Readiness:     observability.ReadinessChecks{Store: h.Store},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// Token returns a signed bearer token for the given claims.
func (h *TestHarness) Token(claims TestClaims) string {
	h.t.Helper()
	return h.issuer.GenerateToken(h.t, claims)
}

// Do performs a request against the harness server. An empty token sends
// the request unauthenticated.
func (h *TestHarness) Do(method, path, token string, body any) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses
// the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Default test claims ---

// DataManagerClaims returns TestClaims for a data manager user.
func DataManagerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-dm",
		StudyID:   "study-001",
		Email:     "dm@site.example.com",
		Roles:     []string{"data_manager"},
	}
}

// CRAClaims returns TestClaims for a clinical research associate.
func CRAClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-cra",
		StudyID:   "study-001",
		Email:     "cra@site.example.com",
		Roles:     []string{"cra"},
	}
}

// InvestigatorClaims returns TestClaims for a site investigator.
func InvestigatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-pi",
		StudyID:   "study-001",
		Email:     "pi@site.example.com",
		Roles:     []string{"investigator"},
	}
}
