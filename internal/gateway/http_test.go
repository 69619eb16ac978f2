package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"warden/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlatform(t *testing.T, handler http.HandlerFunc) *HTTPPlatform {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPPlatform(HTTPConfig{BaseURL: srv.URL + "/", Token: "secret", Timeout: 2 * time.Second, Retries: 1})
}

func TestHTTPPlatform_ApplyBan(t *testing.T) {
	var gotPath, gotMethod, gotAuth string
	var body sanctionBody
	p := newTestPlatform(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod, gotAuth = r.URL.Path, r.Method, r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	})

	until := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	err := p.ApplySanction(context.Background(), SanctionRequest{
		Kind: models.KindTempBan, CommunityID: 1, SubjectID: 42, Reason: "spam", Until: &until,
	})
	require.NoError(t, err)
	assert.Equal(t, "/communities/1/bans/42", gotPath)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "Bot secret", gotAuth)
	assert.Equal(t, "spam", body.Reason)
	require.NotNil(t, body.Until)
	assert.True(t, body.Until.Equal(until))
}

func TestHTTPPlatform_RoutesByClass(t *testing.T) {
	tests := []struct {
		kind   models.InfractionKind
		apply  string
		method string
	}{
		{models.KindMute, "/communities/1/members/42/mute", http.MethodPut},
		{models.KindKick, "/communities/1/members/42", http.MethodDelete},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			var gotPath, gotMethod string
			p := newTestPlatform(t, func(w http.ResponseWriter, r *http.Request) {
				gotPath, gotMethod = r.URL.Path, r.Method
				w.WriteHeader(http.StatusOK)
			})
			require.NoError(t, p.ApplySanction(context.Background(), SanctionRequest{Kind: tt.kind, CommunityID: 1, SubjectID: 42}))
			assert.Equal(t, tt.apply, gotPath)
			assert.Equal(t, tt.method, gotMethod)
		})
	}
}

func TestHTTPPlatform_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"not found on reverse", http.StatusNotFound, func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrNotSanctioned) }},
		{"forbidden", http.StatusForbidden, func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrForbidden) }},
		{"rate limited", http.StatusTooManyRequests, func(t *testing.T, err error) {
			var rl *RateLimitError
			require.ErrorAs(t, err, &rl)
			assert.Equal(t, 2*time.Second, rl.RetryAfter)
		}},
		{"bad request", http.StatusBadRequest, func(t *testing.T, err error) {
			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, http.StatusBadRequest, se.Code)
			assert.False(t, transient(err))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			p := newTestPlatform(t, func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.Header().Set("Retry-After", "2")
				w.WriteHeader(tt.status)
			})
			err := p.ReverseSanction(context.Background(), SanctionRequest{Kind: models.KindBan, CommunityID: 1, SubjectID: 42})
			tt.check(t, err)
			assert.Equal(t, int32(1), hits.Load(), "4xx responses must not be retried by the transport")
		})
	}
}

func TestHTTPPlatform_TransportRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	p := newTestPlatform(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(MemberStatus{Present: true, Muted: true})
	})

	st, err := p.FetchMemberStatus(context.Background(), 1, 42)
	require.NoError(t, err)
	assert.True(t, st.Muted)
	assert.False(t, st.Banned)
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPPlatform_ServerErrorSurfacesAsStatusError(t *testing.T) {
	p := newTestPlatform(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})

	_, err := p.FetchMemberStatus(context.Background(), 1, 42)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.True(t, transient(err))
}
