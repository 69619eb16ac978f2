package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"warden/internal/bootstrap"
	"warden/internal/config"
	"warden/internal/models"
	"warden/internal/service"
	"warden/internal/testutil"

	"github.com/disgoorg/snowflake/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-for-admin-api"

var (
	t0          = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	community   = snowflake.ID(1)
	subject     = snowflake.ID(42)
	moderatorID = snowflake.ID(7)
)

type apiHarness struct {
	srv      *Server
	app      *fiber.App
	platform *testutil.FakePlatform
	clock    *clockwork.FakeClock
	token    string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	return newAPIHarnessWith(t, nil)
}

// newAPIHarnessWith wires rdb as the event bus when it is non-nil.
func newAPIHarnessWith(t *testing.T, rdb *redis.Client) *apiHarness {
	t.Helper()
	t.Setenv("APP_ENV", "test")

	db, _ := testutil.NewTestDB(t)
	platform := testutil.NewFakePlatform()
	clock := clockwork.NewFakeClockAt(t0)

	cfg := &config.Config{
		Env:                   "test",
		JWTSecret:             testSecret,
		LockBackend:           "memory",
		FeatureFlags:          "reconcile_sweep=on",
		GatewayMaxAttempts:    1,
		GatewayInitialBackoff: time.Millisecond,
		MaxSanctionDuration:   30 * 24 * time.Hour,
		ReversalRetryInitial:  30 * time.Second,
		ReversalRetryMax:      time.Hour,
		RehydrateHorizon:      time.Hour,
		ReconcileBatchSize:    10,
	}
	mod, err := bootstrap.NewModeration(cfg, bootstrap.Deps{DB: db, Redis: rdb, Platform: platform, Clock: clock})
	require.NoError(t, err)

	srv := NewServerWithDeps(cfg, db, rdb, mod)
	app := fiber.New()
	srv.SetupMiddleware(app)
	srv.SetupRoutes(app)

	return &apiHarness{
		srv:      srv,
		app:      app,
		platform: platform,
		clock:    clock,
		token:    signToken(t, moderatorID.String()),
	}
}

func signToken(t *testing.T, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func issueBody(kind, duration string) map[string]any {
	return map[string]any{
		"kind":         kind,
		"community_id": community.String(),
		"subject_id":   subject.String(),
		"reason":       "spam",
		"duration":     duration,
	}
}

func (h *apiHarness) issue(t *testing.T, kind, duration string) models.Infraction {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/v1/infractions", issueBody(kind, duration))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[models.Infraction](t, resp)
}

func TestIssueAndFetchInfraction(t *testing.T) {
	h := newAPIHarness(t)

	inf := h.issue(t, "tempban", "1h")
	assert.Equal(t, models.KindTempBan, inf.Kind)
	assert.Equal(t, models.StatusActive, inf.Status)
	assert.Equal(t, moderatorID, inf.IssuerID)
	assert.Equal(t, "spam", inf.Reason)
	require.NotNil(t, inf.ExpiresAt)
	assert.True(t, inf.ExpiresAt.Equal(t0.Add(time.Hour)))
	assert.True(t, h.platform.Sanctioned(community, subject, models.ClassBan))
	assert.True(t, h.srv.moderation.Scheduler.Has(inf.ID))

	resp := h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/infractions/%d", inf.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[models.Infraction](t, resp)
	assert.Equal(t, inf.ID, got.ID)
	assert.Equal(t, subject, got.SubjectID)
}

func TestIssueConflictingSanctionIsRejected(t *testing.T) {
	h := newAPIHarness(t)
	h.issue(t, "tempban", "1h")

	resp := h.do(t, http.MethodPost, "/api/v1/infractions", issueBody("ban", ""))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[models.ErrorResponse](t, resp)
	assert.Equal(t, models.CodeRejected, body.Code)
	assert.Equal(t, 1, h.platform.Calls("apply"))
}

func TestIssueValidation(t *testing.T) {
	h := newAPIHarness(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown kind", issueBody("warn", "")},
		{"unparseable duration", issueBody("tempmute", "soon")},
		{"missing duration", issueBody("tempmute", "")},
		{"duration on kick", issueBody("kick", "1h")},
		{"over community maximum", issueBody("tempban", "31d")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.do(t, http.MethodPost, "/api/v1/infractions", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[models.ErrorResponse](t, resp)
			assert.Equal(t, models.CodeValidation, body.Code)
		})
	}
	assert.Zero(t, h.platform.Calls("apply"))
}

func TestIssueMalformedBody(t *testing.T) {
	h := newAPIHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/infractions", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token)
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIRequiresModeratorToken(t *testing.T) {
	h := newAPIHarness(t)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
		{"non snowflake subject", signToken(t, "alice")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.token = tt.token
			resp := h.do(t, http.MethodGet, "/api/v1/infractions/1", nil)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestApplyFailureMapsToConflict(t *testing.T) {
	h := newAPIHarness(t)
	h.platform.FailApply(errors.New("member not found"))

	resp := h.do(t, http.MethodPost, "/api/v1/infractions", issueBody("ban", ""))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[models.ErrorResponse](t, resp)
	assert.Equal(t, models.CodeRejected, body.Code)
}

func TestReverseInfraction(t *testing.T) {
	h := newAPIHarness(t)
	inf := h.issue(t, "ban", "")

	path := fmt.Sprintf("/api/v1/infractions/%d/reverse", inf.ID)
	resp := h.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[models.Infraction](t, resp)
	assert.Equal(t, models.StatusResolved, got.Status)
	require.NotNil(t, got.ResolvedBy)
	assert.Equal(t, moderatorID, *got.ResolvedBy)
	assert.False(t, h.platform.Sanctioned(community, subject, models.ClassBan))

	resp = h.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[models.ErrorResponse](t, resp)
	assert.Equal(t, models.CodeAlreadyResolved, body.Code)
}

func TestReverseGatewayFailure(t *testing.T) {
	h := newAPIHarness(t)
	inf := h.issue(t, "tempmute", "1h")
	h.platform.FailReverse(errors.New("platform down"))

	resp := h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/infractions/%d/reverse", inf.ID), nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decode[models.ErrorResponse](t, resp)
	assert.Equal(t, models.CodeGatewayFailed, body.Code)

	got, err := h.srv.moderation.Service.Get(t.Context(), inf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.True(t, h.srv.moderation.Scheduler.Has(inf.ID))
}

func TestExtendInfraction(t *testing.T) {
	h := newAPIHarness(t)
	inf := h.issue(t, "tempmute", "1h")

	resp := h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/infractions/%d/extend", inf.ID),
		map[string]string{"duration": "30m"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[models.Infraction](t, resp)
	require.NotNil(t, got.ExpiresAt)
	want := t0.Add(90 * time.Minute)
	assert.True(t, got.ExpiresAt.Equal(want))

	due, ok := h.srv.moderation.Scheduler.DueAt(inf.ID)
	require.True(t, ok)
	assert.True(t, due.Equal(want))

	resp = h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/infractions/%d/extend", inf.ID),
		map[string]string{"duration": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetInfractionErrors(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(t, http.MethodGet, "/api/v1/infractions/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/v1/infractions/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[models.ErrorResponse](t, resp)
	assert.Equal(t, "Invalid ID", body.Error)
}

func TestMemberHistory(t *testing.T) {
	h := newAPIHarness(t)
	kick := h.issue(t, "kick", "")
	h.clock.Advance(time.Minute)
	ban := h.issue(t, "tempban", "2h")

	path := fmt.Sprintf("/api/v1/communities/%s/members/%s/infractions", community, subject)
	resp := h.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[[]models.Infraction](t, resp)
	require.Len(t, history, 2)
	assert.Equal(t, ban.ID, history[0].ID)
	assert.Equal(t, kick.ID, history[1].ID)
	assert.Equal(t, models.StatusResolved, history[1].Status)

	resp = h.do(t, http.MethodGet, path+"?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.Infraction](t, resp), 1)

	resp = h.do(t, http.MethodGet, "/api/v1/communities/x/members/42/infractions", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[models.ErrorResponse](t, resp)
	assert.Equal(t, "Invalid community ID", body.Error)
}

func TestReconcileEndpointCorrectsDrift(t *testing.T) {
	h := newAPIHarness(t)
	inf := h.issue(t, "tempban", "1h")
	h.platform.Lift(community, subject, models.ClassBan)

	resp := h.do(t, http.MethodPost, "/api/v1/reconcile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[service.SweepReport](t, resp)
	assert.Equal(t, 1, report.Corrected)

	got, err := h.srv.moderation.Service.Get(t.Context(), inf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReversed, got.Status)
	assert.False(t, h.srv.moderation.Scheduler.Has(inf.ID))
}

func TestFeatureFlagsEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/communities/%s/flags", community), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Raw       map[string]string `json:"raw"`
		Evaluated map[string]bool   `json:"evaluated"`
	}](t, resp)
	assert.Equal(t, "on", body.Raw["reconcile_sweep"])
	assert.True(t, body.Evaluated["reconcile_sweep"])
}

func TestHealthChecks(t *testing.T) {
	h := newAPIHarness(t)
	h.token = ""

	resp := h.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "healthy", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "healthy", checks["database"])
	assert.Equal(t, "unavailable", checks["redis"])
}

func TestSwaggerDocIsServed(t *testing.T) {
	h := newAPIHarness(t)
	h.token = ""

	resp := h.do(t, http.MethodGet, "/swagger/doc.json", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decode[map[string]any](t, resp)
	assert.Equal(t, "/api/v1", doc["basePath"])
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	for _, p := range []string{
		"/infractions",
		"/infractions/{id}",
		"/infractions/{id}/reverse",
		"/infractions/{id}/extend",
		"/communities/{communityId}/members/{subjectId}/infractions",
		"/communities/{communityId}/modlog/ws",
		"/reconcile",
	} {
		assert.Contains(t, paths, p)
	}
}

func TestStartWorkersRehydratesBeforeServing(t *testing.T) {
	h := newAPIHarness(t)
	inf := h.issue(t, "tempmute", "1h")

	// A fresh graph over the same store simulates a restart.
	mod, err := bootstrap.NewModeration(h.srv.config, bootstrap.Deps{
		DB: h.srv.db, Platform: h.platform, Clock: h.clock,
	})
	require.NoError(t, err)
	restarted := NewServerWithDeps(h.srv.config, h.srv.db, nil, mod)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, restarted.startWorkers(ctx))
	assert.True(t, mod.Scheduler.Has(inf.ID))

	cancel()
	restarted.workers.Wait()
}
