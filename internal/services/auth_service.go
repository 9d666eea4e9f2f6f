package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	stderrors "errors"

	"github.com/chargemap/chargemap-api/internal/infrastructure/auth"
	"github.com/chargemap/chargemap-api/internal/infrastructure/kafka"
	"github.com/chargemap/chargemap-api/internal/infrastructure/redis"
	"github.com/chargemap/chargemap-api/internal/models"
	"github.com/chargemap/chargemap-api/internal/repository"
	pkgerrors "github.com/chargemap/chargemap-api/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const (
	usersTopic    = "users"
	listCacheTTL  = 5 * time.Minute
	kafkaAttempts = 3
)

// TokenPair is what login and register hand back to the client.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// RegisterInput is validated at the handler boundary before it gets here.
type RegisterInput struct {
	Email    string
	Password string
	Name     string
	Phone    string
}

// UpdateInput carries a partial profile update. Nil means "leave alone".
// There is no Role field: roles cannot be changed through profile
// updates no matter what the request body says.
type UpdateInput struct {
	Email    *string
	Password *string
	Name     *string
	Phone    *string
}

// ListPage is a page of the public user listing.
type ListPage struct {
	Users []models.PublicUser
	Total int64
}

type AuthService interface {
	Login(ctx context.Context, email, password string) (*models.User, TokenPair, error)
	Register(ctx context.Context, input RegisterInput) (*models.User, TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (string, error)
	UpdateUser(ctx context.Context, id int64, input UpdateInput) (*models.User, error)
	ListUsers(ctx context.Context, params repository.ListParams) (*ListPage, error)
}

type authService struct {
	userRepo    repository.UserRepository
	tokens      *auth.TokenService
	redisClient redis.RedisClient
	producer    kafka.KafkaProducer
}

func NewAuthService(
	userRepo repository.UserRepository,
	tokens *auth.TokenService,
	redisClient redis.RedisClient,
	producer kafka.KafkaProducer,
) *authService {
	return &authService{
		userRepo:    userRepo,
		tokens:      tokens,
		redisClient: redisClient,
		producer:    producer,
	}
}

func (s *authService) Login(ctx context.Context, email, password string) (*models.User, TokenPair, error) {
	tracer := otel.Tracer("chargemap-api")
	ctx, span := tracer.Start(ctx, "Login")
	defer span.End()

	user, err := s.userRepo.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if stderrors.Is(err, pkgerrors.ErrUserNotFound) {
			// Unknown email and wrong password share one error so callers
			// cannot probe which addresses are registered.
			span.SetStatus(codes.Error, "user lookup failed")
			slog.Warn("login failed", "error", err)
			return nil, TokenPair{}, pkgerrors.ErrInvalidCredentials
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "user lookup failed")
		slog.Error("failed to load user", "error", err)
		return nil, TokenPair{}, fmt.Errorf("%w: failed to load user", pkgerrors.ErrInternal)
	}

	if !auth.VerifyPassword(user.PasswordHash, password) {
		span.SetStatus(codes.Error, "password mismatch")
		slog.Warn("login failed", "user_id", user.ID)
		return nil, TokenPair{}, pkgerrors.ErrInvalidCredentials
	}

	pair, err := s.issuePair(user)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token issuance failed")
		return nil, TokenPair{}, fmt.Errorf("%w: failed to issue tokens", pkgerrors.ErrInternal)
	}

	slog.Info("user logged in", "user_id", user.ID)
	return user, pair, nil
}

func (s *authService) Register(ctx context.Context, input RegisterInput) (*models.User, TokenPair, error) {
	tracer := otel.Tracer("chargemap-api")
	ctx, span := tracer.Start(ctx, "Register")
	defer span.End()

	hash, err := auth.HashPassword(input.Password)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "password hashing failed")
		slog.Error("failed to hash password", "error", err)
		return nil, TokenPair{}, fmt.Errorf("%w: failed to hash password", pkgerrors.ErrInternal)
	}

	user := &models.User{
		Email:        normalizeEmail(input.Email),
		PasswordHash: hash,
		Name:         strings.TrimSpace(input.Name),
		Phone:        strings.TrimSpace(input.Phone),
		Role:         models.RoleUser,
	}

	// No existence pre-check: the unique constraint is the only arbiter,
	// so concurrent identical registrations cannot both get through.
	if err := s.userRepo.Create(ctx, user); err != nil {
		if stderrors.Is(err, pkgerrors.ErrEmailTaken) {
			span.SetStatus(codes.Error, "email already registered")
			slog.Warn("registration conflict", "error", err)
			return nil, TokenPair{}, pkgerrors.ErrEmailTaken
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "user creation failed")
		slog.Error("failed to create user", "error", err)
		return nil, TokenPair{}, fmt.Errorf("%w: failed to create user", pkgerrors.ErrInternal)
	}

	pair, err := s.issuePair(user)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token issuance failed")
		return nil, TokenPair{}, fmt.Errorf("%w: failed to issue tokens", pkgerrors.ErrInternal)
	}

	s.publishUserEvent("user_registered", user)

	slog.Info("user registered", "user_id", user.ID)
	return user, pair, nil
}

func (s *authService) Refresh(ctx context.Context, refreshToken string) (string, error) {
	tracer := otel.Tracer("chargemap-api")
	_, span := tracer.Start(ctx, "Refresh")
	defer span.End()

	id, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		span.SetStatus(codes.Error, "refresh verification failed")
		slog.Warn("refresh failed", "error", err)
		return "", pkgerrors.ErrInvalidToken
	}

	// Only the access token is re-issued; the refresh token stays valid
	// until its own expiry.
	accessToken, err := s.tokens.IssueAccess(id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token issuance failed")
		return "", fmt.Errorf("%w: failed to issue access token", pkgerrors.ErrInternal)
	}

	slog.Info("access token refreshed", "user_id", id.UserID)
	return accessToken, nil
}

func (s *authService) UpdateUser(ctx context.Context, id int64, input UpdateInput) (*models.User, error) {
	tracer := otel.Tracer("chargemap-api")
	ctx, span := tracer.Start(ctx, "UpdateUser")
	defer span.End()

	update := repository.UserUpdate{
		Name:  trimmed(input.Name),
		Phone: trimmed(input.Phone),
	}
	if input.Email != nil {
		email := normalizeEmail(*input.Email)
		update.Email = &email
	}
	if input.Password != nil {
		hash, err := auth.HashPassword(*input.Password)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "password hashing failed")
			slog.Error("failed to hash password", "user_id", id, "error", err)
			return nil, fmt.Errorf("%w: failed to hash password", pkgerrors.ErrInternal)
		}
		update.PasswordHash = &hash
	}

	user, err := s.userRepo.Update(ctx, id, update)
	if err != nil {
		switch {
		case stderrors.Is(err, pkgerrors.ErrUserNotFound),
			stderrors.Is(err, pkgerrors.ErrEmailTaken),
			stderrors.Is(err, pkgerrors.ErrInvalidInput):
			span.SetStatus(codes.Error, err.Error())
			slog.Warn("update rejected", "user_id", id, "error", err)
			return nil, err
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "user update failed")
			slog.Error("failed to update user", "user_id", id, "error", err)
			return nil, fmt.Errorf("%w: failed to update user", pkgerrors.ErrInternal)
		}
	}

	s.publishUserEvent("user_updated", user)

	slog.Info("user updated", "user_id", user.ID)
	return user, nil
}

func (s *authService) ListUsers(ctx context.Context, params repository.ListParams) (*ListPage, error) {
	tracer := otel.Tracer("chargemap-api")
	ctx, span := tracer.Start(ctx, "ListUsers")
	defer span.End()

	cacheKey := s.listCacheKey(ctx, params)
	if cached, err := s.redisClient.Get(ctx, cacheKey); err == nil {
		var page ListPage
		if err := json.Unmarshal([]byte(cached), &page); err == nil {
			slog.Info("user listing served from cache", "key", cacheKey)
			return &page, nil
		}
		slog.Error("failed to unmarshal cached listing", "key", cacheKey, "error", err)
	}

	users, total, err := s.userRepo.List(ctx, params)
	if err != nil {
		if stderrors.Is(err, pkgerrors.ErrInvalidInput) {
			return nil, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "user listing failed")
		slog.Error("failed to list users", "error", err)
		return nil, fmt.Errorf("%w: failed to list users", pkgerrors.ErrInternal)
	}

	page := &ListPage{
		Users: make([]models.PublicUser, 0, len(users)),
		Total: total,
	}
	for i := range users {
		page.Users = append(page.Users, users[i].Public())
	}

	if data, err := json.Marshal(page); err == nil {
		if err := s.redisClient.Set(ctx, cacheKey, string(data), listCacheTTL); err != nil {
			slog.Error("failed to cache user listing", "key", cacheKey, "error", err)
		}
	}

	return page, nil
}

// listCacheKey embeds the current cache version, which the Kafka consumer
// bumps on every user event. A missing version counts as zero.
func (s *authService) listCacheKey(ctx context.Context, params repository.ListParams) string {
	version := "0"
	if v, err := s.redisClient.Get(ctx, kafka.UsersCacheVersionKey); err == nil {
		version = v
	}
	return fmt.Sprintf("users:v%s:p%d:l%d:%s:%s", version, params.Page, params.Limit, params.Sort, params.Order)
}

func (s *authService) issuePair(user *models.User) (TokenPair, error) {
	identity := auth.NewIdentity(user.ID, user.Email, user.Role)

	accessToken, err := s.tokens.IssueAccess(identity)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := s.tokens.IssueRefresh(identity)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// publishUserEvent emits a user lifecycle event for downstream consumers.
// Delivery is best-effort and never blocks the request path.
func (s *authService) publishUserEvent(eventType string, user *models.User) {
	event := map[string]interface{}{
		"event_type":  eventType,
		"user_id":     user.ID,
		"email":       user.Email,
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal user event", "event_type", eventType, "user_id", user.ID, "error", err)
		return
	}

	go func() {
		for i := 0; i < kafkaAttempts; i++ {
			if err := s.producer.Send(context.Background(), usersTopic, user.ID, eventBytes); err == nil {
				return
			}
			time.Sleep(time.Second * time.Duration(i+1))
		}
		slog.Error("failed to send user event after retries", "event_type", eventType, "user_id", user.ID)
	}()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	return &t
}
