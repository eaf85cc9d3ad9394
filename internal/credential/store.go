package credential

import (
	"context"
	"errors"
	"sort"
	"strconv"
)

// ErrNotFound is returned by Store.Update when the target id does not exist.
var ErrNotFound = errors.New("credential: not found")

// Patch carries the fields a refresh is allowed to write back to the Store:
// accessToken, expiresAt, and optionally a rotated profileArn.
type Patch struct {
	AccessToken string
	ExpiresAt   string // RFC3339; stored as text so both backings share one shape
	ProfileARN  *string
}

// Store is the persistence abstraction behind the Pool: a small capability
// set of {list, update, fingerprint}, with file and Postgres backings
// selected at construction and otherwise interchangeable.
type Store interface {
	// List enumerates all non-deleted credentials, ascending by priority
	// then by id.
	List(ctx context.Context) ([]Credential, error)
	// Update atomically patches accessToken/expiresAt/profileArn for id.
	Update(ctx context.Context, id string, patch Patch) error
	// Fingerprint returns an opaque value that changes iff the credential
	// set has changed since the last call.
	Fingerprint(ctx context.Context) (string, error)
}

func sortByPriorityThenID(creds []Credential) {
	sort.SliceStable(creds, func(i, j int) bool {
		if creds[i].Priority != creds[j].Priority {
			return creds[i].Priority < creds[j].Priority
		}
		return lessID(creds[i].ID, creds[j].ID)
	})
}

// lessID compares ids numerically when both parse as integers, so a
// Postgres bigserial id like "10" sorts after "2" rather than before it
// under a lexical compare. Falls back to a lexical compare when either id
// doesn't parse as an integer (e.g. a FileStore record with a string id).
// FileStore records with no explicit id get their decimal array index as
// id, so they compare numerically.
func lessID(a, b string) bool {
	an, aerr := strconv.ParseInt(a, 10, 64)
	bn, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return an < bn
	}
	return a < b
}
