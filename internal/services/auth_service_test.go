package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chargemap/chargemap-api/internal/config"
	"github.com/chargemap/chargemap-api/internal/infrastructure/auth"
	redismocks "github.com/chargemap/chargemap-api/internal/infrastructure/redis/mocks"
	"github.com/chargemap/chargemap-api/internal/models"
	"github.com/chargemap/chargemap-api/internal/repository"
	repositorymocks "github.com/chargemap/chargemap-api/internal/repository/mocks"
	pkgerrors "github.com/chargemap/chargemap-api/pkg/errors"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProducer stands in for the Kafka producer; events are emitted from
// a goroutine, so a plain mock would race with the controller shutdown.
type fakeProducer struct {
	mu     sync.Mutex
	events [][]byte
}

func (p *fakeProducer) Send(_ context.Context, _ string, _ int64, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, value)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) wait(t *testing.T) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		if len(p.events) > 0 {
			event := p.events[0]
			p.mu.Unlock()
			return event
		}
		p.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no event published")
	return nil
}

func testTokens() *auth.TokenService {
	return auth.NewTokenService(&config.Config{
		AccessSecret:  "access-secret-0123456789",
		RefreshSecret: "refresh-secret-9876543210",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
	})
}

func TestAuthService_Login(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	userRepo := repositorymocks.NewMockUserRepository(ctrl)
	redisClient := redismocks.NewMockRedisClient(ctrl)
	tokens := testTokens()
	svc := NewAuthService(userRepo, tokens, redisClient, &fakeProducer{})
	ctx := context.Background()

	hash, err := auth.HashPassword("Secret1")
	require.NoError(t, err)
	stored := &models.User{
		ID:           1,
		Email:        "a@x.com",
		PasswordHash: hash,
		Role:         models.RoleUser,
	}

	t.Run("success", func(t *testing.T) {
		userRepo.EXPECT().GetByEmail(gomock.Any(), "a@x.com").Return(stored, nil)

		user, pair, err := svc.Login(ctx, "  A@X.com ", "Secret1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), user.ID)
		assert.NotEmpty(t, pair.AccessToken)
		assert.NotEmpty(t, pair.RefreshToken)

		id, err := tokens.VerifyAccess(pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, auth.NewIdentity(1, "a@x.com", models.RoleUser), id)
	})

	t.Run("unknown email", func(t *testing.T) {
		userRepo.EXPECT().GetByEmail(gomock.Any(), "ghost@x.com").Return(nil, pkgerrors.ErrUserNotFound)

		_, _, err := svc.Login(ctx, "ghost@x.com", "Secret1")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidCredentials)
	})

	t.Run("wrong password", func(t *testing.T) {
		userRepo.EXPECT().GetByEmail(gomock.Any(), "a@x.com").Return(stored, nil)

		_, _, err := svc.Login(ctx, "a@x.com", "WrongPass")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidCredentials)
	})

	t.Run("database failure is not a credentials error", func(t *testing.T) {
		userRepo.EXPECT().GetByEmail(gomock.Any(), "a@x.com").
			Return(nil, errors.New("pq: connection refused"))

		_, _, err := svc.Login(ctx, "a@x.com", "Secret1")
		assert.ErrorIs(t, err, pkgerrors.ErrInternal)
		assert.NotErrorIs(t, err, pkgerrors.ErrInvalidCredentials)
	})

	t.Run("identical error for unknown email and wrong password", func(t *testing.T) {
		userRepo.EXPECT().GetByEmail(gomock.Any(), "ghost@x.com").Return(nil, pkgerrors.ErrUserNotFound)
		_, _, unknownErr := svc.Login(ctx, "ghost@x.com", "Secret1")

		userRepo.EXPECT().GetByEmail(gomock.Any(), "a@x.com").Return(stored, nil)
		_, _, wrongErr := svc.Login(ctx, "a@x.com", "WrongPass")

		assert.Equal(t, unknownErr.Error(), wrongErr.Error())
	})
}

func TestAuthService_Register(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	userRepo := repositorymocks.NewMockUserRepository(ctrl)
	redisClient := redismocks.NewMockRedisClient(ctrl)
	tokens := testTokens()
	producer := &fakeProducer{}
	svc := NewAuthService(userRepo, tokens, redisClient, producer)
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		userRepo.EXPECT().Create(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, user *models.User) error {
				assert.Equal(t, "new@x.com", user.Email)
				assert.Equal(t, models.RoleUser, user.Role)
				assert.NotEqual(t, "Secret1", user.PasswordHash)
				assert.True(t, auth.VerifyPassword(user.PasswordHash, "Secret1"))
				user.ID = 7
				return nil
			})

		user, pair, err := svc.Register(ctx, RegisterInput{
			Email:    "  NEW@x.com ",
			Password: "Secret1",
			Name:     " Maria ",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(7), user.ID)
		assert.Equal(t, "Maria", user.Name)

		id, err := tokens.VerifyAccess(pair.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, int64(7), id.UserID)
		assert.Equal(t, models.RoleUser, id.Role)

		var event map[string]interface{}
		require.NoError(t, json.Unmarshal(producer.wait(t), &event))
		assert.Equal(t, "user_registered", event["event_type"])
		assert.Equal(t, float64(7), event["user_id"])
	})

	t.Run("duplicate email", func(t *testing.T) {
		userRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(pkgerrors.ErrEmailTaken)

		_, _, err := svc.Register(ctx, RegisterInput{Email: "dup@x.com", Password: "Secret1"})
		assert.ErrorIs(t, err, pkgerrors.ErrEmailTaken)
	})
}

func TestAuthService_Refresh(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	userRepo := repositorymocks.NewMockUserRepository(ctrl)
	redisClient := redismocks.NewMockRedisClient(ctrl)
	tokens := testTokens()
	svc := NewAuthService(userRepo, tokens, redisClient, &fakeProducer{})
	ctx := context.Background()

	identity := auth.NewIdentity(3, "a@x.com", models.RolePartner)

	t.Run("success", func(t *testing.T) {
		refresh, err := tokens.IssueRefresh(identity)
		require.NoError(t, err)

		accessToken, err := svc.Refresh(ctx, refresh)
		require.NoError(t, err)

		got, err := tokens.VerifyAccess(accessToken)
		require.NoError(t, err)
		assert.Equal(t, identity, got)
	})

	t.Run("access token rejected", func(t *testing.T) {
		access, err := tokens.IssueAccess(identity)
		require.NoError(t, err)

		_, err = svc.Refresh(ctx, access)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidToken)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := svc.Refresh(ctx, "garbage")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidToken)
	})
}

func TestAuthService_UpdateUser(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	userRepo := repositorymocks.NewMockUserRepository(ctrl)
	redisClient := redismocks.NewMockRedisClient(ctrl)
	producer := &fakeProducer{}
	svc := NewAuthService(userRepo, testTokens(), redisClient, producer)
	ctx := context.Background()

	str := func(s string) *string { return &s }

	t.Run("password is rehashed", func(t *testing.T) {
		userRepo.EXPECT().Update(gomock.Any(), int64(5), gomock.Any()).
			DoAndReturn(func(_ context.Context, id int64, update repository.UserUpdate) (*models.User, error) {
				require.NotNil(t, update.PasswordHash)
				assert.True(t, auth.VerifyPassword(*update.PasswordHash, "NewSecret1"))
				assert.Nil(t, update.Email)
				return &models.User{ID: 5, Email: "a@x.com", Role: models.RoleUser}, nil
			})

		user, err := svc.UpdateUser(ctx, 5, UpdateInput{Password: str("NewSecret1")})
		require.NoError(t, err)
		assert.Equal(t, int64(5), user.ID)

		var event map[string]interface{}
		require.NoError(t, json.Unmarshal(producer.wait(t), &event))
		assert.Equal(t, "user_updated", event["event_type"])
	})

	t.Run("email is normalized", func(t *testing.T) {
		userRepo.EXPECT().Update(gomock.Any(), int64(5), gomock.Any()).
			DoAndReturn(func(_ context.Context, id int64, update repository.UserUpdate) (*models.User, error) {
				require.NotNil(t, update.Email)
				assert.Equal(t, "new@x.com", *update.Email)
				return &models.User{ID: 5, Email: "new@x.com", Role: models.RoleUser}, nil
			})

		_, err := svc.UpdateUser(ctx, 5, UpdateInput{Email: str(" NEW@X.com ")})
		require.NoError(t, err)
	})

	t.Run("not found", func(t *testing.T) {
		userRepo.EXPECT().Update(gomock.Any(), int64(404), gomock.Any()).Return(nil, pkgerrors.ErrUserNotFound)

		_, err := svc.UpdateUser(ctx, 404, UpdateInput{Name: str("X")})
		assert.ErrorIs(t, err, pkgerrors.ErrUserNotFound)
	})

	t.Run("email conflict", func(t *testing.T) {
		userRepo.EXPECT().Update(gomock.Any(), int64(5), gomock.Any()).Return(nil, pkgerrors.ErrEmailTaken)

		_, err := svc.UpdateUser(ctx, 5, UpdateInput{Email: str("taken@x.com")})
		assert.ErrorIs(t, err, pkgerrors.ErrEmailTaken)
	})
}

func TestAuthService_ListUsers(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	userRepo := repositorymocks.NewMockUserRepository(ctrl)
	redisClient := redismocks.NewMockRedisClient(ctrl)
	svc := NewAuthService(userRepo, testTokens(), redisClient, &fakeProducer{})
	ctx := context.Background()

	params := repository.ListParams{Page: 1, Limit: 10, Sort: "createdAt", Order: "desc"}
	cacheKey := "users:v0:p1:l10:createdAt:desc"

	t.Run("cache miss hits repository and fills cache", func(t *testing.T) {
		redisClient.EXPECT().Get(gomock.Any(), "users:version").Return("", pkgerrors.ErrInternal)
		redisClient.EXPECT().Get(gomock.Any(), cacheKey).Return("", pkgerrors.ErrInternal)
		userRepo.EXPECT().List(gomock.Any(), params).Return([]models.User{
			{ID: 1, Email: "a@x.com", PasswordHash: "hash", Role: models.RoleUser},
		}, int64(1), nil)
		redisClient.EXPECT().Set(gomock.Any(), cacheKey, gomock.Any(), 5*time.Minute).
			DoAndReturn(func(_ context.Context, _ string, value interface{}, _ time.Duration) error {
				// The cached projection must not contain password hashes.
				assert.NotContains(t, value.(string), "hash")
				return nil
			})

		page, err := svc.ListUsers(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, int64(1), page.Total)
		require.Len(t, page.Users, 1)
		assert.Equal(t, "a@x.com", page.Users[0].Email)
	})

	t.Run("cache hit skips repository", func(t *testing.T) {
		cached, err := json.Marshal(&ListPage{
			Users: []models.PublicUser{{ID: 2, Email: "b@x.com", Role: models.RolePartner}},
			Total: 1,
		})
		require.NoError(t, err)

		redisClient.EXPECT().Get(gomock.Any(), "users:version").Return("3", nil)
		redisClient.EXPECT().Get(gomock.Any(), "users:v3:p1:l10:createdAt:desc").Return(string(cached), nil)

		page, err := svc.ListUsers(ctx, params)
		require.NoError(t, err)
		require.Len(t, page.Users, 1)
		assert.Equal(t, "b@x.com", page.Users[0].Email)
	})
}
