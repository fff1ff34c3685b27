package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"who_knows_rewards/internal/middleware"
	"who_knows_rewards/internal/model"
	"who_knows_rewards/internal/repository"
	"who_knows_rewards/internal/service"
	"who_knows_rewards/internal/service/mocks"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const adminSecret = "top-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router   *gin.Engine
	verifier *mocks.MockVerifier
	feed     *service.Feed
}

func newTestServer(t *testing.T, limit middleware.RateLimit) *testServer {
	t.Helper()
	store := repository.NewMemoryStore()
	verifier := &mocks.MockVerifier{}
	feed := service.NewFeed(8)

	rewards := service.NewRewardsService(store, verifier, service.RewardsConfig{}, service.WithPublisher(feed))
	board := service.NewLeaderboardService(store)

	return &testServer{
		router: NewRouter(Dependencies{
			Rewards:     rewards,
			Leaderboard: board,
			Feed:        feed,
			Auth:        middleware.NewAuthorization(adminSecret),
			Limiter:     middleware.NewRateLimiter(limit),
		}),
		verifier: verifier,
		feed:     feed,
	}
}

func wallet(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func (s *testServer) do(t *testing.T, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) deposit(t *testing.T, body map[string]any, headers map[string]string) DepositResponse {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/rewards", body, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp DepositResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func (s *testServer) acceptAll() {
	s.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&model.Verification{Verified: true}, nil)
}

func TestSubmitDeposit(t *testing.T) {
	s := newTestServer(t, middleware.RateLimit{})
	s.acceptAll()

	resp := s.deposit(t, map[string]any{"address": "0x" + strings.ToUpper(wallet(1)[2:]), "amount": "1", "hash": txHash(1)}, nil)
	assert.Equal(t, wallet(1), resp.User.Address)
	assert.Equal(t, int64(11000), resp.EarnedPoints)
	assert.Equal(t, []model.QuestID{model.QuestDailyVol1, model.QuestWeeklyVol1}, resp.NewQuests)
	assert.False(t, resp.Duplicate)
	assert.True(t, resp.User.Quests["weeklyVol1"])
	assert.False(t, resp.User.Quests["dailyTx"])
	assert.Nil(t, resp.User.ReferredBy)
	assert.NotNil(t, resp.User.LastTxTimestamp)

	replay := s.deposit(t, map[string]any{"address": wallet(1), "amount": 1, "hash": txHash(1)}, nil)
	assert.True(t, replay.Duplicate)
	assert.Zero(t, replay.EarnedPoints)
	assert.Empty(t, replay.NewQuests)
	assert.Equal(t, int64(1), replay.User.Transactions)
}

func TestSubmitDeposit_Errors(t *testing.T) {
	tests := []struct {
		name           string
		body           any
		verified       bool
		expectedStatus int
		expectedError  string
	}{
		{name: "Missing hash", body: map[string]any{"address": wallet(1), "amount": "1"}, expectedStatus: http.StatusBadRequest, expectedError: "Missing data"},
		{name: "Malformed body", body: "nope", expectedStatus: http.StatusBadRequest, expectedError: "Missing data"},
		{name: "Negative amount", body: map[string]any{"address": wallet(1), "amount": "-1", "hash": txHash(1)}, verified: true, expectedStatus: http.StatusBadRequest, expectedError: "Invalid deposit"},
		{name: "Bad address", body: map[string]any{"address": "0x123", "amount": "1", "hash": txHash(1)}, verified: true, expectedStatus: http.StatusBadRequest, expectedError: "Invalid deposit"},
		{name: "Unverified", body: map[string]any{"address": wallet(1), "amount": "1", "hash": txHash(1)}, expectedStatus: http.StatusBadRequest, expectedError: "Transaction verification failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, middleware.RateLimit{})
			s.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
				Return(&model.Verification{Verified: tt.verified}, nil)

			w := s.do(t, http.MethodPost, "/api/v1/rewards", tt.body, nil)
			assert.Equal(t, tt.expectedStatus, w.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.expectedError, body["error"])
		})
	}
}

func TestSubmitDeposit_ReferralAndSybil(t *testing.T) {
	s := newTestServer(t, middleware.RateLimit{})
	s.acceptAll()

	inviter := s.deposit(t, map[string]any{"address": wallet(1), "amount": "0.1", "hash": txHash(1), "fingerprint": "fp-1"}, nil)
	code := inviter.User.ReferralCode

	linked := s.deposit(t, map[string]any{"address": wallet(2), "amount": "0.1", "hash": txHash(2), "referralCode": code, "fingerprint": "fp-2"}, nil)
	assert.True(t, linked.Referral.Linked)
	require.NotNil(t, linked.User.ReferredBy)
	assert.Equal(t, wallet(1), *linked.User.ReferredBy)

	sybil := s.deposit(t, map[string]any{"address": wallet(3), "amount": "0.1", "hash": txHash(3), "referralCode": code, "fingerprint": "fp-1"}, nil)
	assert.False(t, sybil.Referral.Linked)
	assert.Equal(t, service.RejectDuplicateDevice, sybil.Referral.Rejected)
	assert.Nil(t, sybil.User.ReferredBy)

	validated := s.deposit(t, map[string]any{"address": wallet(2), "amount": "1", "hash": txHash(4)}, nil)
	assert.True(t, validated.Referral.Validated)

	w := s.do(t, http.MethodGet, "/api/v1/rewards?address="+wallet(1), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var overview RewardsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &overview))
	assert.Equal(t, int64(500), overview.User.ReferralPoints)
	assert.Equal(t, []string{wallet(2)}, overview.User.Invites)
	require.Len(t, overview.ReferralStats.Successful, 1)
	assert.Equal(t, wallet(2), overview.ReferralStats.Successful[0].Address)
	assert.Empty(t, overview.ReferralStats.Pending)
	require.Len(t, overview.Leaderboard, 3)
	assert.Equal(t, wallet(2), overview.Leaderboard[0].Address)
	assert.Equal(t, wallet(1), overview.Leaderboard[1].Address)
}

func TestSubmitDeposit_UsesForwardedSourceIP(t *testing.T) {
	store := repository.NewMemoryStore()
	verifier := &mocks.MockVerifier{}
	verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&model.Verification{Verified: true}, nil)
	rewards := service.NewRewardsService(store, verifier, service.RewardsConfig{BlockSharedIP: true})
	router := NewRouter(Dependencies{
		Rewards:     rewards,
		Leaderboard: service.NewLeaderboardService(store),
		Auth:        middleware.NewAuthorization(""),
		Limiter:     middleware.NewRateLimiter(middleware.RateLimit{}),
	})
	s := &testServer{router: router, verifier: verifier}

	headers := map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}
	code := s.deposit(t, map[string]any{"address": wallet(1), "amount": "0.1", "hash": txHash(1)}, headers).User.ReferralCode

	resp := s.deposit(t, map[string]any{"address": wallet(2), "amount": "0.1", "hash": txHash(2), "referralCode": code}, map[string]string{"X-Real-IP": "203.0.113.9"})
	assert.Equal(t, service.RejectDuplicateIP, resp.Referral.Rejected)
}

type busyStore struct {
	service.LedgerStore
}

func (busyStore) Update(context.Context, []string, repository.UpdateFunc) error {
	return repository.ErrStoreConflict
}

func TestContendedStore_ReturnsServiceUnavailable(t *testing.T) {
	store := busyStore{LedgerStore: repository.NewMemoryStore()}
	verifier := &mocks.MockVerifier{}
	verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&model.Verification{Verified: true}, nil)
	s := &testServer{
		router: NewRouter(Dependencies{
			Rewards:     service.NewRewardsService(store, verifier, service.RewardsConfig{MaxAttempts: 2}),
			Leaderboard: service.NewLeaderboardService(store),
			Auth:        middleware.NewAuthorization(""),
			Limiter:     middleware.NewRateLimiter(middleware.RateLimit{}),
		}),
		verifier: verifier,
	}

	w := s.do(t, http.MethodGet, "/api/v1/rewards?address="+wallet(1), nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/rewards", map[string]any{"address": wallet(1), "amount": "0.1", "hash": txHash(1)}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
}

func TestSubmitDeposit_RateLimited(t *testing.T) {
	s := newTestServer(t, middleware.RateLimit{RequestsPerMinute: 1, Burst: 1})
	s.acceptAll()

	s.deposit(t, map[string]any{"address": wallet(1), "amount": "0.1", "hash": txHash(1)}, nil)
	w := s.do(t, http.MethodPost, "/api/v1/rewards", map[string]any{"address": wallet(1), "amount": "0.1", "hash": txHash(2)}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// rotating the forwarded header does not open a new bucket
	w = s.do(t, http.MethodPost, "/api/v1/rewards", map[string]any{"address": wallet(1), "amount": "0.1", "hash": txHash(3)},
		map[string]string{"X-Forwarded-For": "198.51.100.77"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// reads are not limited
	w = s.do(t, http.MethodGet, "/api/v1/rewards?address="+wallet(1), nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetRewards(t *testing.T) {
	s := newTestServer(t, middleware.RateLimit{})

	w := s.do(t, http.MethodGet, "/api/v1/rewards", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/rewards?address=xyz", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/rewards?address="+wallet(7), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp RewardsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, wallet(7), resp.User.Address)
	assert.Len(t, resp.User.ReferralCode, 6)
	assert.Len(t, resp.User.Quests, len(service.QuestCatalog))
	assert.NotNil(t, resp.ReferralStats.Pending)
	assert.NotNil(t, resp.ReferralStats.Successful)
	require.Len(t, resp.Leaderboard, 0)

	w = s.do(t, http.MethodGet, "/api/v1/rewards?address="+wallet(8), nil, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Leaderboard, 1)
}

func TestExport(t *testing.T) {
	s := newTestServer(t, middleware.RateLimit{})
	s.acceptAll()

	code := s.deposit(t, map[string]any{"address": wallet(1), "amount": "0.12346", "hash": txHash(1)}, nil).User.ReferralCode
	s.deposit(t, map[string]any{"address": wallet(2), "amount": "1", "hash": txHash(2), "referralCode": code}, nil)

	w := s.do(t, http.MethodGet, "/api/v1/admin/export", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/admin/export?secret=debug_admin", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/admin/export", nil, map[string]string{middleware.AdminSecretHeader: adminSecret})
	require.Equal(t, http.StatusOK, w.Code)

	var rows []ExportRow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, wallet(1), rows[0].Address)
	assert.Equal(t, 1, rows[0].ValidReferrals)
	assert.Equal(t, int64(500), rows[0].TotalPoints)

	w = s.do(t, http.MethodGet, "/api/v1/admin/export?format=csv&secret="+adminSecret, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=snapshot.csv", w.Header().Get("Content-Disposition"))

	records, err := csv.NewReader(w.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, exportHeader, records[0])
	assert.Equal(t, []string{wallet(1), "0", "500", "500", "1", "0", "0", "0.1235"}, records[1])
	assert.Equal(t, []string{wallet(2), "11000", "0", "11000", "0", "0", "2", "1.0000"}, records[2])
}

func TestPointsFeed(t *testing.T) {
	s := newTestServer(t, middleware.RateLimit{})
	s.acceptAll()

	server := httptest.NewServer(s.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/ws/" + wallet(1)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return s.feed.Subscribers(wallet(1)) == 1
	}, time.Second, 10*time.Millisecond)

	s.deposit(t, map[string]any{"address": wallet(1), "amount": "1", "hash": txHash(1)}, nil)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame struct {
		Type    string        `json:"type"`
		Payload PointsPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "points_updated", frame.Type)
	assert.Equal(t, wallet(1), frame.Payload.Address)
	assert.Equal(t, int64(11000), frame.Payload.TotalPoints)
	assert.Equal(t, 2, frame.Payload.CompletedQuestsCount)
}

func TestPointsFeed_InvalidAddress(t *testing.T) {
	s := newTestServer(t, middleware.RateLimit{})
	for _, address := range []string{"not-an-address", wallet(1)[2:]} {
		w := s.do(t, http.MethodGet, "/api/v1/ws/"+address, nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, address)
	}
}
