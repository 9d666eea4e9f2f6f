package repository

import (
	"context"

	"github.com/chargemap/chargemap-api/internal/models"
)

// UserUpdate carries a partial update. Nil fields are left untouched.
// Role is deliberately absent: it cannot be changed through this path.
type UserUpdate struct {
	Email        *string
	PasswordHash *string
	Name         *string
	Phone        *string
}

// ListParams is a validated page request. Sort is one of createdAt, name,
// email; Order is asc or desc.
type ListParams struct {
	Page  int
	Limit int
	Sort  string
	Order string
}

func (p ListParams) Offset() int {
	return (p.Page - 1) * p.Limit
}

type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Update(ctx context.Context, id int64, update UserUpdate) (*models.User, error)
	List(ctx context.Context, params ListParams) ([]models.User, int64, error)
}
