package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fitwager/coordinator/internal/config"
	"github.com/fitwager/coordinator/internal/fitness"
	"github.com/fitwager/coordinator/internal/middleware"
	"github.com/fitwager/coordinator/internal/models"
	"github.com/fitwager/coordinator/internal/services"
	"github.com/fitwager/coordinator/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testJWTSecret  = "test-secret"
	testServiceKey = "relay-key"
)

var t0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type stubProvider struct {
	steps int64
	err   error
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) FetchAggregate(ctx context.Context, accessToken string, start, end time.Time) (*models.FitnessAggregate, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &models.FitnessAggregate{Steps: p.steps, Provider: "stub"}, nil
}

func (p *stubProvider) RefreshCredential(ctx context.Context, refreshToken string) (*fitness.Credential, error) {
	return nil, errors.New("refresh not supported")
}

type recordingPublisher struct {
	published []*services.LedgerSubmission
	err       error
}

func (p *recordingPublisher) Publish(ctx context.Context, sub *services.LedgerSubmission) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	p.published = append(p.published, sub)
	return 2, nil
}

type testServer struct {
	router    *gin.Engine
	store     *storage.Memory
	clock     *clock.Mock
	provider  *stubProvider
	publisher *recordingPublisher
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &testServer{
		store:     storage.NewMemory(),
		clock:     clock.NewMock(),
		provider:  &stubProvider{steps: 12000},
		publisher: &recordingPublisher{},
	}
	s.clock.Set(t0)

	proofs := services.NewProofService(s.store, "verification-secret")
	credentials := services.NewCredentialService(s.store, s.provider, s.clock, time.Second, nil)
	verifier := services.NewVerificationService(s.store, credentials, s.provider, proofs, s.clock, time.Second, nil)
	challenges := services.NewChallengeService(s.store, verifier, services.NewWinnerResolver(config.TieBreakLexicographic),
		services.DefaultChallengeRules(), s.clock, 2, nil)

	keyHash, err := middleware.HashServiceKey(testServiceKey)
	require.NoError(t, err)

	s.router = NewRouter(Deps{
		Store:       s.store,
		Challenges:  challenges,
		Verifier:    verifier,
		Proofs:      proofs,
		Credentials: credentials,
		Publisher:   s.publisher,
		JWTSecret:   testJWTSecret,
		ServiceKeys: middleware.StaticServiceKeys(map[string]string{"relayer": keyHash}),
	})
	return s
}

func token(t *testing.T, identity string) string {
	t.Helper()
	tok, err := middleware.GenerateToken(identity, "", middleware.JWTConfig{Secret: testJWTSecret, Expiration: time.Hour})
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, identity string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if identity != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, identity))
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) doInternal(t *testing.T, method, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-Service-ID", "relayer")
	req.Header.Set("X-API-Key", key)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *testServer) createChallenge(t *testing.T, creator string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/challenges", creator, map[string]any{
		"title":          "Weekend steps",
		"challenge_type": "steps",
		"goal":           10000,
		"entry_fee":      "5",
		"is_public":      true,
		"start_time":     t0,
		"end_time":       t0.Add(48 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Challenge](t, w).ID
}

func TestHealthEndpoint(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, w)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestChallengeFlow(t *testing.T) {
	s := setupTestServer(t)
	id := s.createChallenge(t, "creator")

	// join
	s.clock.Set(t0.Add(24 * time.Hour))
	w := s.do(t, http.MethodPost, "/api/v1/challenges/"+id+"/join", "alice", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/challenges/"+id+"/join", "alice", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_joined", decode[map[string]string](t, w)["code"])

	// verify without a linked credential
	w = s.do(t, http.MethodPost, "/api/v1/challenges/"+id+"/verify", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// link and verify
	w = s.do(t, http.MethodPut, "/api/v1/me/fitness-credential", "alice", map[string]any{
		"access_token":  "a1",
		"refresh_token": "r1",
		"expires_at":    t0.Add(72 * time.Hour),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "a1")

	s.clock.Set(t0.Add(48 * time.Hour))
	w = s.do(t, http.MethodPost, "/api/v1/challenges/"+id+"/verify", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var verified struct {
		Verification models.FitnessVerification `json:"verification"`
		HashBytes    []int                      `json:"hash_bytes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verified))
	assert.EqualValues(t, 12000, verified.Verification.CalculatedScore)
	assert.True(t, verified.Verification.MeetsGoal)
	assert.Len(t, verified.HashBytes, 32)

	// leaderboard and audit
	w = s.do(t, http.MethodGet, "/api/v1/challenges/"+id+"/leaderboard", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	board := decode[services.LeaderboardView](t, w)
	require.Len(t, board.Entries, 1)
	assert.Equal(t, "12,000", board.Entries[0].Display)

	w = s.do(t, http.MethodGet, "/api/v1/challenges/"+id+"/participants/alice/verification/audit", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[services.AuditResult](t, w).Valid)

	// end
	w = s.do(t, http.MethodPost, "/api/v1/challenges/"+id+"/end", "alice", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/challenges/"+id+"/end", "creator", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ended := decode[services.EndResult](t, w)
	assert.Equal(t, "alice", ended.Challenge.Winner)
	assert.Equal(t, models.WinMethodHighestScore, ended.Result.Method)

	w = s.do(t, http.MethodGet, "/api/v1/me/stats", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[services.UserStats](t, w)
	assert.Equal(t, 1, stats.Wins)
	assert.Equal(t, 100.0, stats.WinRate)
}

func TestEndWithExplicitWinner(t *testing.T) {
	s := setupTestServer(t)
	id := s.createChallenge(t, "creator")
	s.do(t, http.MethodPost, "/api/v1/challenges/"+id+"/join", "alice", nil)
	s.clock.Set(t0.Add(49 * time.Hour))

	w := s.do(t, http.MethodPost, "/api/v1/challenges/"+id+"/end", "creator", map[string]string{"winner": "alice"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.WinMethodExplicit, decode[services.EndResult](t, w).Result.Method)
}

func TestErrorMapping(t *testing.T) {
	s := setupTestServer(t)
	id := s.createChallenge(t, "creator")

	tests := []struct {
		name       string
		method     string
		path       string
		identity   string
		body       any
		wantStatus int
		wantCode   string
	}{
		{name: "unknown challenge", method: http.MethodGet, path: "/api/v1/challenges/missing", wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{name: "verify without joining", method: http.MethodPost, path: "/api/v1/challenges/" + id + "/verify", identity: "bob", wantStatus: http.StatusForbidden, wantCode: "not_joined"},
		{name: "end before eligible", method: http.MethodPost, path: "/api/v1/challenges/" + id + "/end", identity: "creator", wantStatus: http.StatusConflict, wantCode: "not_yet_eligible"},
		{name: "cancel by stranger", method: http.MethodPost, path: "/api/v1/challenges/" + id + "/cancel", identity: "bob", wantStatus: http.StatusForbidden, wantCode: "not_creator"},
		{name: "verify-all by stranger", method: http.MethodPost, path: "/api/v1/challenges/" + id + "/verify-all", identity: "bob", wantStatus: http.StatusForbidden, wantCode: "not_creator"},
		{name: "no verification yet", method: http.MethodGet, path: "/api/v1/challenges/" + id + "/participants/bob/verification", identity: "bob", wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{name: "invalid challenge", method: http.MethodPost, path: "/api/v1/challenges", identity: "creator", body: map[string]any{
			"title": "x", "challenge_type": "yoga", "goal": 1, "start_time": t0, "end_time": t0.Add(time.Hour),
		}, wantStatus: http.StatusBadRequest, wantCode: "invalid_challenge"},
		{name: "bad filter", method: http.MethodGet, path: "/api/v1/challenges?public=maybe", wantStatus: http.StatusBadRequest, wantCode: "bad_request"},
		{name: "missing token", method: http.MethodPost, path: "/api/v1/challenges/" + id + "/join", wantStatus: http.StatusUnauthorized, wantCode: "unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, tt.identity, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantCode, decode[map[string]any](t, w)["code"])
		})
	}
}

func TestProviderFailureIsBadGateway(t *testing.T) {
	s := setupTestServer(t)
	id := s.createChallenge(t, "creator")
	s.clock.Set(t0.Add(time.Hour))
	s.do(t, http.MethodPost, "/api/v1/challenges/"+id+"/join", "alice", nil)
	s.do(t, http.MethodPut, "/api/v1/me/fitness-credential", "alice", map[string]any{
		"access_token": "a1", "expires_at": t0.Add(72 * time.Hour),
	})
	s.provider.err = errors.New("503 from upstream")

	w := s.do(t, http.MethodPost, "/api/v1/challenges/"+id+"/verify", "alice", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "provider_error", decode[map[string]any](t, w)["code"])
}

func TestListChallenges(t *testing.T) {
	s := setupTestServer(t)
	s.createChallenge(t, "creator")
	s.clock.Add(time.Minute)
	s.createChallenge(t, "other")

	w := s.do(t, http.MethodGet, "/api/v1/challenges?creator=other", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string][]models.Challenge](t, w)
	require.Len(t, body["challenges"], 1)
	assert.Equal(t, "other", body["challenges"][0].Creator)

	w = s.do(t, http.MethodGet, "/api/v1/challenges?status=ended", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"challenges":[]}`, w.Body.String())
}

func TestInternalRoutes(t *testing.T) {
	s := setupTestServer(t)
	id := s.createChallenge(t, "creator")
	s.clock.Set(t0.Add(time.Hour))
	s.do(t, http.MethodPost, "/api/v1/challenges/"+id+"/join", "alice", nil)
	s.do(t, http.MethodPut, "/api/v1/me/fitness-credential", "alice", map[string]any{
		"access_token": "a1", "expires_at": t0.Add(72 * time.Hour),
	})
	s.clock.Set(t0.Add(2 * time.Hour))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/challenges/"+id+"/verify", "alice", nil).Code)

	w := s.doInternal(t, http.MethodGet, "/internal/v1/challenges/"+id+"/submissions", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.doInternal(t, http.MethodGet, "/internal/v1/challenges/"+id+"/submissions", testServiceKey)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var subs struct {
		Submissions []struct {
			Identity  string `json:"identity"`
			Score     int64  `json:"score"`
			HashBytes []int  `json:"hash_bytes"`
		} `json:"submissions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &subs))
	require.Len(t, subs.Submissions, 1)
	assert.Equal(t, "alice", subs.Submissions[0].Identity)
	assert.Len(t, subs.Submissions[0].HashBytes, 32)

	w = s.doInternal(t, http.MethodPost, "/internal/v1/challenges/"+id+"/participants/alice/publish", testServiceKey)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, s.publisher.published, 1)
	assert.EqualValues(t, 12000, s.publisher.published[0].Score)

	w = s.doInternal(t, http.MethodPost, "/internal/v1/challenges/"+id+"/participants/bob/publish", testServiceKey)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
