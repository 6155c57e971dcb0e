package app

import "github.com/google/uuid"

// IsOwner reports whether the caller owns the resource. The identity layer is
// trusted for the caller id; this is the only ownership rule in the service.
func IsOwner(callerID, resourceOwnerID uuid.UUID) bool {
	return callerID == resourceOwnerID
}

// IsAdmin reports whether a token role grants the admin surface.
func IsAdmin(role string) bool {
	return role == "admin"
}
