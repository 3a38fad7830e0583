package auth

import (
	"slices"

	"github.com/terraconstructs/authbridge/internal/db/models"
)

// Special roles evaluated dynamically by HasRole. They are never stored on a user.
const (
	// RoleEveryone matches every caller, authenticated or not.
	RoleEveryone = "S_EVERYONE"
	// RoleUser matches any identity that carries an id.
	RoleUser = "S_USER"
	// RoleNoOne never matches. It locks a route for every identity, admins included.
	RoleNoOne = "S_NO_ONE"
	// RoleVerified matches identities whose email is verified in either subsystem.
	RoleVerified = "S_VERIFIED"
)

// Identity is the resolved caller attached to a request context.
//
// Identities resolved through the IAM subsystem carry IAMAuthenticated=true;
// downstream authorization must not re-verify legacy tokens for them.
// Identities resolved from a legacy access token carry the device and token
// claims needed for logout and refresh.
type Identity struct {
	// ID is the canonical user id when linked, otherwise the IAM user id.
	ID        string
	Email     string
	FirstName string
	LastName  string
	Roles     []string
	// Verified is the OR of the canonical verified flag and the IAM emailVerified flag.
	Verified bool

	IAMAuthenticated bool
	IAMUserID        string
	SessionID        string

	DeviceID string
	TokenID  string
	Claims   map[string]any
}

// FromUser builds a legacy identity from a canonical user record.
func FromUser(user *models.User) *Identity {
	return &Identity{
		ID:        user.ID,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Roles:     slices.Clone([]string(user.Roles)),
		Verified:  user.Verified,
		IAMUserID: user.LinkedIAMID(),
	}
}

// HasRole reports whether the identity holds any of the given roles.
// A nil identity still matches RoleEveryone.
func (i *Identity) HasRole(roles ...string) bool {
	for _, role := range roles {
		if i.hasRole(role) {
			return true
		}
	}
	return false
}

func (i *Identity) hasRole(role string) bool {
	switch role {
	case RoleEveryone:
		return true
	case RoleNoOne:
		return false
	case RoleUser:
		return i != nil && i.ID != ""
	case RoleVerified:
		return i != nil && i.Verified
	}
	if i == nil {
		return false
	}
	return slices.Contains(i.Roles, role)
}

// IsSpecialRole reports whether role is one of the dynamically evaluated roles.
func IsSpecialRole(role string) bool {
	switch role {
	case RoleEveryone, RoleUser, RoleNoOne, RoleVerified:
		return true
	}
	return false
}
