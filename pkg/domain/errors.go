package domain

import "errors"

// Common domain errors
var (
	// ErrUnknownProfile is returned by explicit profile lookups for names that
	// were never registered.
	ErrUnknownProfile = errors.New("unknown routing profile")
	// ErrUnknownBackend is returned by explicit backend lookups for
	// identifiers that were never seen.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrInvalidProfile indicates a profile that violates its construction
	// invariants (empty candidates, duplicate backends, bad retry policy).
	ErrInvalidProfile = errors.New("invalid routing profile")
	// ErrConfigInvalid indicates configuration that cannot produce a working
	// registry, such as an unregistered default profile. Fatal at startup.
	ErrConfigInvalid = errors.New("invalid configuration")
	// ErrReservationLeak indicates a release without a matching prior
	// reservation, or a second release of the same reservation. A contract
	// violation by the caller, logged and counted rather than absorbed.
	ErrReservationLeak = errors.New("budget reservation leak")
)
