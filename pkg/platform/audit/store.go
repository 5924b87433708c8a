package audit

import (
	"context"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	id "veriflow/pkg/domain"
)

// Store is the append-only audit log. Implementations never update or delete.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByUser(ctx context.Context, userID id.UserID) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}

// HashSubject returns a unkeyed blake2b-256 digest of a normalized
// identifier, so failed lookups are traceable without storing raw contacts.
func HashSubject(identifier string) string {
	sum := blake2b.Sum256([]byte(strings.ToLower(strings.TrimSpace(identifier))))
	return hex.EncodeToString(sum[:])
}
