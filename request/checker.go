package request

import (
	"context"
	"time"
)

// FindActiveGrant searches for a live granted request for a principal
// and resource. It queries the store for the principal's requests, then
// filters for:
//   - Decision grants access (granted or granted_with_mfa)
//   - Resource matches
//   - The grant window is still open (now < ExpiresAt)
//
// Returns the first matching request if found, or nil if no live grant
// exists. Returns error only for store errors, not for "no grant found".
func FindActiveGrant(ctx context.Context, store Store, principalID, resource string) (*AccessRequest, error) {
	requests, err := store.ListByPrincipal(ctx, principalID, MaxQueryLimit)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, req := range requests {
		if req.Decision.Grants() && req.Resource == resource && grantOpen(req, now) {
			return req, nil
		}
	}

	return nil, nil
}

// grantOpen checks whether a granted request still admits access.
func grantOpen(req *AccessRequest, now time.Time) bool {
	if req.ExpiresAt.IsZero() {
		return false
	}
	return now.Before(req.ExpiresAt)
}
