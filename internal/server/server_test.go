package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casedesk/internal/config"
	"casedesk/internal/db"
	"casedesk/internal/domain"
	"casedesk/internal/engine"
	"casedesk/internal/migrate"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, mutate func(*Config)) *httptest.Server {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, config.Default())
	e.Logger = zerolog.Nop()
	cfg := Config{Engine: e, BasePath: "/v1", Logger: zerolog.Nop()}
	if mutate != nil {
		mutate(&cfg)
	}
	handler, err := New(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return srv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func createHandler(t *testing.T, srv *httptest.Server, name string, capacity int) domain.Handler {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/handlers", map[string]any{
		"name":                 name,
		"role":                 "agent",
		"max_concurrent_cases": capacity,
		"carrier_specialties":  []string{"FEDEX"},
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[domain.Handler](t, data)
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	alice := createHandler(t, srv, "alice", 5)
	bob := createHandler(t, srv, "bob", 5)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/rules", map[string]any{
		"name":                 "fedex to alice",
		"priority":             10,
		"carrier":              "FEDEX",
		"strategy":             "LEAST_LOADED",
		"assign_to_handler_id": alice.ID,
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases", map[string]any{
		"carrier":        "FEDEX",
		"issue_type":     "damage",
		"claimed_amount": 120.5,
		"auto_assign":    true,
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	created := decode[CaseResponse](t, data)
	require.NotNil(t, created.AssignedTo)
	assert.Equal(t, alice.ID, *created.AssignedTo)
	require.NotNil(t, created.ActiveAssignment)
	assert.Equal(t, domain.MethodRuleBased, created.ActiveAssignment.Method)

	caseURL := srv.URL + "/v1/cases/" + strconv.FormatInt(created.ID, 10)
	res, data = doJSON(t, client, http.MethodPost, caseURL+"/reassign", map[string]any{"handler_id": bob.ID}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	tr := decode[engine.Transfer](t, data)
	require.NotNil(t, tr.From)
	assert.Equal(t, 0, tr.From.CurrentCaseCount)
	assert.Equal(t, 1, tr.To.CurrentCaseCount)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/assignments?case_id="+strconv.FormatInt(created.ID, 10), nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	history := decode[[]domain.Assignment](t, data)
	require.Len(t, history, 2)
	assert.Equal(t, domain.StatusActive, history[0].Status)
	assert.Equal(t, domain.StatusReassigned, history[1].Status)

	res, data = doJSON(t, client, http.MethodPost, caseURL+"/complete", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.True(t, decode[CompleteResponse](t, data).Completed)

	res, data = doJSON(t, client, http.MethodPost, caseURL+"/complete", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.False(t, decode[CompleteResponse](t, data).Completed)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/workload", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	for _, w := range decode[[]domain.HandlerWorkload](t, data) {
		assert.Zero(t, w.CurrentCaseCount, w.Name)
	}
}

func TestReassignWithStaleAssignmentConflicts(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	alice := createHandler(t, srv, "alice", 5)
	bob := createHandler(t, srv, "bob", 5)
	carol := createHandler(t, srv, "carol", 5)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases", map[string]any{"carrier": "UPS"}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	caseURL := srv.URL + "/v1/cases/" + strconv.FormatInt(decode[CaseResponse](t, data).ID, 10)

	res, data = doJSON(t, client, http.MethodPost, caseURL+"/assign", map[string]any{"handler_id": alice.ID}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	seen := decode[domain.Assignment](t, data).ID

	res, data = doJSON(t, client, http.MethodPost, caseURL+"/reassign", map[string]any{"handler_id": bob.ID, "expected_assignment_id": seen}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, caseURL+"/reassign", map[string]any{"handler_id": carol.ID, "expected_assignment_id": seen}, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "assignment_conflict", env.Error.Code)
	assert.Equal(t, true, env.Error.Details["retryable"])

	res, data = doJSON(t, client, http.MethodGet, caseURL, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	got := decode[CaseResponse](t, data)
	require.NotNil(t, got.AssignedTo)
	assert.Equal(t, bob.ID, *got.AssignedTo)
}

func TestAutoAssignWithoutCandidateFlagsCase(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases", map[string]any{"carrier": "UPS"}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	c := decode[CaseResponse](t, data)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+strconv.FormatInt(c.ID, 10)+"/auto-assign", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out := decode[AutoAssignResponse](t, data)
	assert.Nil(t, out.HandlerID)
	assert.True(t, out.NeedsManualAssignment)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases?needs_manual=true", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[[]domain.Case](t, data), 1)
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/handlers/999", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", decode[errorEnvelope](t, data).Error.Code)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/999/assign", map[string]any{"handler_id": 1}, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/rules", map[string]any{
		"name":       "inverted",
		"strategy":   "RANDOM",
		"amount_min": 500,
		"amount_max": 100,
	}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "invalid_rule", env.Error.Code)
	assert.Equal(t, "amount_min", env.Error.Details["field"])

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/handlers", map[string]any{"name": "zero", "max_concurrent_cases": 0}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/assignments?status=LOST", nil, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestRuleToggle(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/rules", map[string]any{"name": "all", "strategy": "ROUND_ROBIN"}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	ru := decode[domain.AssignmentRule](t, data)
	assert.True(t, ru.IsActive)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/rules/"+strconv.FormatInt(ru.ID, 10), map[string]any{"is_active": false}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.False(t, decode[domain.AssignmentRule](t, data).IsActive)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/rules?active_only=true", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Empty(t, decode[[]domain.AssignmentRule](t, data))
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	for _, name := range []string{"a", "b", "c"} {
		createHandler(t, srv, name, 3)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=handler.created&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedEvents](t, data)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	assert.Greater(t, page.Items[0].ID, page.Items[1].ID)
	assert.Equal(t, "c", page.Items[0].Payload["name"])

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=handler.created&limit=2&cursor="+page.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page = decode[paginatedEvents](t, data)
	require.Len(t, page.Items, 1)
	assert.Empty(t, page.NextCursor)
	assert.Equal(t, "a", page.Items[0].Payload["name"])

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?cursor=abc", nil, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestBalanceEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/workload/balance", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out := decode[BalanceResponse](t, data)
	assert.Zero(t, out.RebalancedCount)
	assert.NotNil(t, out.Moves)
}

func TestAuthRequiredWithSecret(t *testing.T) {
	srv := newTestServer(t, func(c *Config) {
		c.Auth = AuthConfig{JWTSecret: testSecret}
	})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/handlers", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/handlers", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/handlers", nil, map[string]string{"X-Actor-Id": "7"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	token, err := IssueToken(testSecret, 42, time.Minute)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/handlers", map[string]any{"name": "dana", "max_concurrent_cases": 2}, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=handler.created", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedEvents](t, data)
	require.Len(t, page.Items, 1)
	require.NotNil(t, page.Items[0].ActorID)
	assert.Equal(t, int64(42), *page.Items[0].ActorID)
}

func TestLegacyActorHeader(t *testing.T) {
	srv := newTestServer(t, func(c *Config) {
		c.Auth = AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true}
	})
	client := srv.Client()
	h := map[string]string{"X-Actor-Id": "7"}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases", map[string]any{"carrier": "DHL"}, h)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases", nil, map[string]string{"X-Actor-Id": "seven"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestIssueTokenRoundTrip(t *testing.T) {
	token, err := IssueToken(testSecret, 9, time.Minute)
	require.NoError(t, err)
	p, err := authenticateJWT(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, int64(9), p.ActorID)
	assert.Equal(t, "jwt", p.Source)

	_, err = authenticateJWT(token, "other-secret")
	assert.Error(t, err)
	_, err = IssueToken("", 9, time.Minute)
	assert.Error(t, err)
	_, err = IssueToken(testSecret, 0, time.Minute)
	assert.Error(t, err)

	// A non-positive ttl leaves the token without expiry.
	forever, err := IssueToken(testSecret, 9, -time.Minute)
	require.NoError(t, err)
	_, err = authenticateJWT(forever, testSecret)
	assert.NoError(t, err)
}

func TestRequestIDAndCORS(t *testing.T) {
	srv := newTestServer(t, func(c *Config) {
		c.AllowedOrigins = []string{"http://localhost:5173"}
	})
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.NotEmpty(t, res.Header.Get(requestIDHeader))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, map[string]string{requestIDHeader: "fixed-id"})
	assert.Equal(t, "fixed-id", res.Header.Get(requestIDHeader))

	req, err := http.NewRequestWithContext(context.Background(), http.MethodOptions, srv.URL+"/v1/handlers", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	preflight, err := srv.Client().Do(req)
	require.NoError(t, err)
	preflight.Body.Close()
	assert.Equal(t, "http://localhost:5173", preflight.Header.Get("Access-Control-Allow-Origin"))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestRequestLoggerWritesOneLine(t *testing.T) {
	buf := &syncBuffer{}
	srv := newTestServer(t, func(c *Config) {
		c.Logger = zerolog.New(buf)
	})
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/handlers/12", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	require.Eventually(t, func() bool { return len(buf.Bytes()) > 0 }, time.Second, time.Millisecond)
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line), string(buf.Bytes()))
	assert.Equal(t, "request completed", line["message"])
	assert.Equal(t, "/v1/handlers/12", line["path"])
	assert.Equal(t, float64(http.StatusNotFound), line["status"])
	assert.NotEmpty(t, line["request_id"])
}
