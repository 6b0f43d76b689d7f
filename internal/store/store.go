package store

import (
	"fmt"

	"github.com/wolfeidau/keyforge/internal/errdefs"
)

// Sentinel errors for common error conditions. Each wraps the errdefs class so
// callers can match either the specific error or its class.
var (
	ErrGroupNotFound              = fmt.Errorf("group %w", errdefs.ErrNotFound)
	ErrGroupAlreadyExists         = fmt.Errorf("group %w", errdefs.ErrAlreadyExists)
	ErrGroupHasActiveCertificates = fmt.Errorf("group has active certificates: %w", errdefs.ErrConflict)

	ErrCertNotFound       = fmt.Errorf("certificate %w", errdefs.ErrNotFound)
	ErrCertAlreadyExists  = fmt.Errorf("certificate %w", errdefs.ErrAlreadyExists)
	ErrCertAlreadyRevoked = fmt.Errorf("certificate %w", errdefs.ErrAlreadyRevoked)
	ErrNoCurrentKey       = fmt.Errorf("no current signing key: %w", errdefs.ErrNotFound)
	ErrPrivateKeyNotFound = fmt.Errorf("private key %w", errdefs.ErrNotFound)

	// ErrCurrentKeyChanged is returned by Register when RegisterOptions.ExpectCurrentKid
	// no longer matches the group's current signing key.
	ErrCurrentKeyChanged = fmt.Errorf("current signing key changed: %w", errdefs.ErrConflict)
)

// Store is the persistence boundary of the lifecycle engine. Group deletion
// and certificate registration for the same group are mutually exclusive.
type Store interface {
	GroupStore
	CertificateStore
}
