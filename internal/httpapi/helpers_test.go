package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"ontour.app/internal/auth"
	"ontour.app/internal/obs"
	"ontour.app/internal/pipeline"
	"ontour.app/internal/ratelimit"
	"ontour.app/internal/rbac"
)

var testSecret = []byte("httpapi-test-secret-0123456789abcdef")

func silenceLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	l := obs.Logger()
	orig := l.Writer()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	t.Cleanup(func() { l.SetOutput(orig) })
	return &buf
}

type testEnv struct {
	codec    *auth.Codec
	governor *ratelimit.Governor
	composer *pipeline.Composer
}

type envOption func(*envConfig)

type envConfig struct {
	table  rbac.RoleTable
	policy ratelimit.Policy
	tiers  ratelimit.TierResolver
}

func withTable(t rbac.RoleTable) envOption { return func(c *envConfig) { c.table = t } }

func withPolicy(p ratelimit.Policy) envOption { return func(c *envConfig) { c.policy = p } }

func withTiers(r ratelimit.TierResolver) envOption { return func(c *envConfig) { c.tiers = r } }

func newEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{table: rbac.DefaultTable(), policy: ratelimit.DefaultPolicy()}
	for _, opt := range opts {
		opt(&cfg)
	}
	codec, err := auth.NewCodec(testSecret)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	govOpts := []ratelimit.GovernorOption{}
	if cfg.tiers != nil {
		govOpts = append(govOpts, ratelimit.WithTierResolver(cfg.tiers))
	}
	gov, err := ratelimit.NewGovernor(ratelimit.NewMemoryBackend(), cfg.policy, govOpts...)
	if err != nil {
		t.Fatalf("NewGovernor: %v", err)
	}
	composer, err := pipeline.NewComposer(codec, auth.NewBuilder(nil), rbac.NewEvaluator(cfg.table), gov)
	if err != nil {
		t.Fatalf("NewComposer: %v", err)
	}
	return &testEnv{codec: codec, governor: gov, composer: composer}
}

func (e *testEnv) token(t *testing.T, org, role string, scope auth.Scope) string {
	t.Helper()
	claims := auth.Claims{UserID: "user-" + role, Role: role, Scope: scope}
	if org != "" {
		claims.OrganizationID = &org
	}
	raw, err := e.codec.Sign(claims, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return "Bearer " + raw
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T, env *testEnv, orgs OrganizationLister) *apiClient {
	t.Helper()
	silenceLogger(t)
	api, err := New(Options{
		Version:       "test",
		Composer:      env.composer,
		Organizations: orgs,
		IPRateBurst:   10000,
		IPRatePerSec:  10000,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": token}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func expectRejection(t *testing.T, resp *http.Response, status int, code string) map[string]any {
	t.Helper()
	if resp.StatusCode != status {
		resp.Body.Close()
		t.Fatalf("status = %d, want %d", resp.StatusCode, status)
	}
	body := decodeBody(t, resp)
	if body["code"] != code {
		t.Fatalf("code = %v, want %s", body["code"], code)
	}
	if body["httpStatus"] != float64(status) {
		t.Fatalf("httpStatus = %v", body["httpStatus"])
	}
	if msg, _ := body["message"].(string); msg == "" {
		t.Fatalf("missing message in %v", body)
	}
	if id, _ := body["request_id"].(string); id == "" {
		t.Fatalf("missing request_id in %v", body)
	}
	return body
}
