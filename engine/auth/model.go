package auth

import (
	"context"
	"errors"
	"time"

	"github.com/tianshu-ai/tianshu/engine/core"
)

// Role groups a permission set.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Permissions checked by the API surface.
const (
	PermTaskSubmit    = "task.submit"
	PermTaskViewAll   = "task.view_all"
	PermTaskDeleteAll = "task.delete_all"
	PermQueueView     = "queue.view"
	PermQueueManage   = "queue.manage"
)

var rolePermissions = map[Role]map[string]bool{
	RoleAdmin: {
		PermTaskSubmit:    true,
		PermTaskViewAll:   true,
		PermTaskDeleteAll: true,
		PermQueueView:     true,
		PermQueueManage:   true,
	},
	RoleUser: {
		PermTaskSubmit: true,
		PermQueueView:  true,
	},
}

// HasPermission reports whether the role grants the permission.
func (r Role) HasPermission(permission string) bool {
	return rolePermissions[r][permission]
}

// Permissions returns the role's permission set for catalog responses.
func (r Role) Permissions() []string {
	perms := rolePermissions[r]
	out := make([]string, 0, len(perms))
	for p := range perms {
		out = append(out, p)
	}
	return out
}

// User is an authenticated principal.
type User struct {
	ID        core.ID   `json:"id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is a credential bound to a user. Only the SHA-256 fingerprint of
// the plaintext key is stored.
type APIKey struct {
	ID          core.ID    `json:"id"`
	UserID      core.ID    `json:"user_id"`
	Name        string     `json:"name"`
	Fingerprint []byte     `json:"-"`
	Prefix      string     `json:"prefix"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	Revoked     bool       `json:"revoked"`
}

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrAPIKeyNotFound = errors.New("api key not found")
	ErrAPIKeyRevoked  = errors.New("api key revoked")
	ErrInvalidAPIKey  = errors.New("invalid api key")
)

// Repository is the persistence contract for principals and credentials.
type Repository interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id core.ID) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)

	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKeyByFingerprint(ctx context.Context, fingerprint []byte) (*APIKey, error)
	ListAPIKeysByUserID(ctx context.Context, userID core.ID) ([]*APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id core.ID) error
	RevokeAPIKey(ctx context.Context, id core.ID) error

	// CreateInitialAdminIfNone bootstraps the first admin atomically.
	CreateInitialAdminIfNone(ctx context.Context, user *User) error
}
