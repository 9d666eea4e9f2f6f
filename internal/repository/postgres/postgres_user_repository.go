package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/chargemap/chargemap-api/internal/models"
	"github.com/chargemap/chargemap-api/internal/repository"
	pkgerrors "github.com/chargemap/chargemap-api/pkg/errors"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// sortColumns whitelists ORDER BY targets. API sort names differ from
// column names only for createdAt.
var sortColumns = map[string]string{
	"createdAt": "created_at",
	"name":      "name",
	"email":     "email",
}

type PostgresUserRepository struct {
	db *sql.DB
}

func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

// Create inserts the user and fills in ID, CreatedAt and UpdatedAt.
// Email uniqueness is enforced by the database constraint alone, so two
// concurrent identical registrations race safely: one insert wins, the
// other observes the unique violation and maps to ErrEmailTaken.
func (r *PostgresUserRepository) Create(ctx context.Context, user *models.User) error {
	if user == nil {
		return pkgerrors.ErrNilUser
	}
	if user.Email == "" || user.PasswordHash == "" {
		return fmt.Errorf("%w: email and password_hash are required", pkgerrors.ErrInvalidInput)
	}
	if !user.Role.Valid() {
		return fmt.Errorf("%w: invalid role %q", pkgerrors.ErrInvalidInput, user.Role)
	}

	query := `
	INSERT INTO users (email, password_hash, name, phone, role)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRowContext(
		ctx,
		query,
		user.Email,
		user.PasswordHash,
		nullString(user.Name),
		nullString(user.Phone),
		string(user.Role),
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return pkgerrors.ErrEmailTaken
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *PostgresUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: email cannot be empty", pkgerrors.ErrInvalidInput)
	}

	query := `
	SELECT id, email, password_hash, name, phone, role, created_at, updated_at
	FROM users WHERE email = $1`

	return r.scanUser(r.db.QueryRowContext(ctx, query, email))
}

// Update applies the non-nil fields of update and returns the fresh row.
// A changed email can hit the uniqueness constraint, which maps to
// ErrEmailTaken just like on insert.
func (r *PostgresUserRepository) Update(ctx context.Context, id int64, update repository.UserUpdate) (*models.User, error) {
	set := make([]string, 0, 5)
	args := make([]interface{}, 0, 6)

	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.Email != nil {
		add("email", *update.Email)
	}
	if update.PasswordHash != nil {
		add("password_hash", *update.PasswordHash)
	}
	if update.Name != nil {
		add("name", *update.Name)
	}
	if update.Phone != nil {
		add("phone", *update.Phone)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: no fields to update", pkgerrors.ErrInvalidInput)
	}
	set = append(set, "updated_at = now()")

	args = append(args, id)
	query := fmt.Sprintf(`
	UPDATE users SET %s
	WHERE id = $%d
	RETURNING id, email, password_hash, name, phone, role, created_at, updated_at`,
		strings.Join(set, ", "), len(args))

	user, err := r.scanUser(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, pkgerrors.ErrEmailTaken
		}
		return nil, err
	}
	return user, nil
}

func (r *PostgresUserRepository) List(ctx context.Context, params repository.ListParams) ([]models.User, int64, error) {
	column, ok := sortColumns[params.Sort]
	if !ok {
		return nil, 0, fmt.Errorf("%w: invalid sort %q", pkgerrors.ErrInvalidInput, params.Sort)
	}
	direction := "DESC"
	if strings.EqualFold(params.Order, "asc") {
		direction = "ASC"
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	query := fmt.Sprintf(`
	SELECT id, email, password_hash, name, phone, role, created_at, updated_at
	FROM users
	ORDER BY %s %s
	LIMIT $1 OFFSET $2`, column, direction)

	rows, err := r.db.QueryContext(ctx, query, params.Limit, params.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := make([]models.User, 0, params.Limit)
	for rows.Next() {
		var (
			user  models.User
			name  sql.NullString
			phone sql.NullString
			role  string
		)
		if err := rows.Scan(
			&user.ID,
			&user.Email,
			&user.PasswordHash,
			&name,
			&phone,
			&role,
			&user.CreatedAt,
			&user.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan user: %w", err)
		}
		user.Name = name.String
		user.Phone = phone.String
		user.Role = models.ParseRole(role)
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate users: %w", err)
	}

	return users, total, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *PostgresUserRepository) scanUser(row *sql.Row) (*models.User, error) {
	var (
		user  models.User
		name  sql.NullString
		phone sql.NullString
		role  string
	)
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&name,
		&phone,
		&role,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, pkgerrors.ErrUserNotFound
	case err != nil:
		return nil, err
	}

	user.Name = name.String
	user.Phone = phone.String
	user.Role = models.ParseRole(role)
	return &user, nil
}
