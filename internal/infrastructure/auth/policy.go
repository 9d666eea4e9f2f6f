package auth

import "github.com/chargemap/chargemap-api/internal/models"

// CanActOn implements the self-or-admin rule: a caller may act on a user
// resource when it is their own, or when they hold the admin role.
// Callers must evaluate this only after the identity has been verified.
func CanActOn(id Identity, ownerID int64) bool {
	return id.Role == models.RoleAdmin || id.UserID == ownerID
}
