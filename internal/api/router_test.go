package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chargemap/chargemap-api/internal/api"
	"github.com/chargemap/chargemap-api/internal/config"
	"github.com/chargemap/chargemap-api/internal/handler"
	"github.com/chargemap/chargemap-api/internal/infrastructure/auth"
	"github.com/chargemap/chargemap-api/internal/infrastructure/redis"
	"github.com/chargemap/chargemap-api/internal/models"
	"github.com/chargemap/chargemap-api/internal/repository"
	service "github.com/chargemap/chargemap-api/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubService struct{}

func (s *stubService) Login(_ context.Context, email, _ string) (*models.User, service.TokenPair, error) {
	return &models.User{ID: 1, Email: email, Role: models.RoleUser},
		service.TokenPair{AccessToken: "access", RefreshToken: "refresh"}, nil
}

func (s *stubService) Register(_ context.Context, input service.RegisterInput) (*models.User, service.TokenPair, error) {
	return &models.User{ID: 1, Email: input.Email, Role: models.RoleUser},
		service.TokenPair{AccessToken: "access", RefreshToken: "refresh"}, nil
}

func (s *stubService) Refresh(_ context.Context, _ string) (string, error) {
	return "access", nil
}

func (s *stubService) UpdateUser(_ context.Context, id int64, _ service.UpdateInput) (*models.User, error) {
	return &models.User{ID: id, Email: "a@x.com", Role: models.RoleUser}, nil
}

func (s *stubService) ListUsers(_ context.Context, _ repository.ListParams) (*service.ListPage, error) {
	return &service.ListPage{Users: []models.PublicUser{}, Total: 0}, nil
}

// stubRedis scripts the limiter counter; the cache methods always miss.
type stubRedis struct {
	count   int64
	incrErr error
}

func (s *stubRedis) Get(_ context.Context, _ string) (string, error) {
	return "", redis.ErrKeyNotFound
}

func (s *stubRedis) Set(_ context.Context, _ string, _ interface{}, _ time.Duration) error {
	return nil
}

func (s *stubRedis) Incr(_ context.Context, _ string, _ time.Duration) (int64, error) {
	if s.incrErr != nil {
		return 0, s.incrErr
	}
	s.count++
	return s.count, nil
}

func (s *stubRedis) Close() error { return nil }

func newTestRouter(t *testing.T, redisClient redis.RedisClient) (http.Handler, *auth.TokenService) {
	t.Helper()
	tokens := auth.NewTokenService(&config.Config{
		AccessSecret:  "access-secret-0123456789",
		RefreshSecret: "refresh-secret-9876543210",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
	})
	h := handler.NewHandler(&stubService{})
	return api.SetupRouter(h, tokens, redisClient), tokens
}

func TestSetupRouter_Healthz(t *testing.T) {
	router, _ := newTestRouter(t, &stubRedis{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestSetupRouter_ProtectedRoutesRequireToken(t *testing.T) {
	router, tokens := newTestRouter(t, &stubRedis{})

	t.Run("no token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/users", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := tokens.IssueAccess(auth.NewIdentity(1, "a@x.com", models.RoleUser))
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/users", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestSetupRouter_PublicRoutesSkipAuth(t *testing.T) {
	router, _ := newTestRouter(t, &stubRedis{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login",
		strings.NewReader(`{"email":"a@x.com","password":"Secret1"}`))
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestSetupRouter_RateLimit(t *testing.T) {
	t.Run("over the limit", func(t *testing.T) {
		router, _ := newTestRouter(t, &stubRedis{count: 120})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/login",
			strings.NewReader(`{"email":"a@x.com","password":"Secret1"}`))
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.JSONEq(t, `{"error":"too many requests"}`, rr.Body.String())
	})

	t.Run("fails open when redis is down", func(t *testing.T) {
		router, _ := newTestRouter(t, &stubRedis{incrErr: context.DeadlineExceeded})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/login",
			strings.NewReader(`{"email":"a@x.com","password":"Secret1"}`))
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("protected routes are not rate limited", func(t *testing.T) {
		router, tokens := newTestRouter(t, &stubRedis{count: 500})

		token, err := tokens.IssueAccess(auth.NewIdentity(1, "a@x.com", models.RoleUser))
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/users", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestSetupRouter_Metrics(t *testing.T) {
	router, _ := newTestRouter(t, &stubRedis{})

	// Drive one request through first so the counters have samples.
	warmup := httptest.NewRecorder()
	router.ServeHTTP(warmup, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, warmup.Code)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "http_requests_total")
}