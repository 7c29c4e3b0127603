// Package session implements the router's session store: the keyed record
// of a dApp origin's permission grant, with lifetime, refresh-on-access, and
// expiry sweep semantics.
package session

import (
	"context"
	"time"
)

// Policy is the per-method permission state recorded for a chain.
type Policy string

const (
	Allow Policy = "ALLOW"
	Deny  Policy = "DENY"
	Ask   Policy = "ASK"
)

// ChainPermissions maps method name to policy state for one chain.
type ChainPermissions map[string]Policy

// Permissions maps chain id to its method policy map.
type Permissions map[string]ChainPermissions

// Record is the session record owned by the store.
type Record struct {
	SessionID     string
	Origin        string
	CreatedAt     time.Time
	LastActiveAt  time.Time
	ExpiresAt     time.Time
	Permissions   Permissions
	Subscriptions map[string]bool
	// Metadata is free-form, opaque to the core; supplied at wm_connect
	// time and stored with the record. No wm_* method returns it.
	Metadata map[string]string
}

// Clone returns a deep-enough copy of r so that callers may mutate the
// returned record's maps without racing the store's internal state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Permissions = make(Permissions, len(r.Permissions))
	for chain, methods := range r.Permissions {
		m := make(ChainPermissions, len(methods))
		for method, policy := range methods {
			m[method] = policy
		}
		out.Permissions[chain] = m
	}
	out.Subscriptions = make(map[string]bool, len(r.Subscriptions))
	for name := range r.Subscriptions {
		out.Subscriptions[name] = true
	}
	out.Metadata = make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

// Store is the session store contract: create, get, delete, validate-and-
// refresh, and sweep expired records.
type Store interface {
	// Create issues a new session bound to origin and returns its record.
	Create(ctx context.Context, origin string, permissions Permissions, metadata map[string]string) (*Record, error)
	// Get returns the record for sessionID, applying lazy expiry: an
	// expired record is treated as absent. Returns nil, nil if missing or
	// expired.
	Get(ctx context.Context, sessionID string) (*Record, error)
	// ValidateAndRefresh returns nil if the record is missing, expired, or
	// origin-mismatched. On success, if refreshOnAccess is enabled,
	// lastActiveAt/expiresAt are bumped before the record is returned.
	ValidateAndRefresh(ctx context.Context, sessionID, origin string) (*Record, error)
	// Update persists a mutated record (used by permission-grant and
	// subscription changes). The caller must have obtained the record via
	// Get/ValidateAndRefresh first.
	Update(ctx context.Context, record *Record) error
	// Delete removes the session unconditionally.
	Delete(ctx context.Context, sessionID string) error
	// CleanExpired removes all currently-expired records. Idempotent: a
	// second immediate call deletes nothing. MUST NOT delete a record
	// whose expiresAt is in the future.
	CleanExpired(ctx context.Context) (int, error)
	// Close releases any background resources (sweeper goroutines, DB
	// handles).
	Close() error
}

// Config holds the options recognized by both store variants.
type Config struct {
	// Lifetime is the duration added to lastActiveAt to compute expiresAt.
	// Default 24h.
	Lifetime time.Duration
	// RefreshOnAccess controls whether a successful validation bumps
	// lastActiveAt/expiresAt. Default true.
	RefreshOnAccess bool
	// SweepInterval is the period of the background expiry sweep. Default
	// Lifetime/24; 0 disables the sweeper (lazy expiry on read still
	// applies).
	SweepInterval time.Duration
}

// DefaultConfig returns the package's documented defaults.
func DefaultConfig() Config {
	lifetime := 24 * time.Hour
	return Config{
		Lifetime:        lifetime,
		RefreshOnAccess: true,
		SweepInterval:   lifetime / 24,
	}
}

func (c Config) withDefaults() Config {
	if c.Lifetime <= 0 {
		c.Lifetime = 24 * time.Hour
	}
	if c.SweepInterval < 0 {
		c.SweepInterval = 0
	}
	return c
}

// WithSweepDisabled returns a copy of c with background sweeping turned
// off, keeping lazy expiry-on-read as the only eviction path.
func (c Config) WithSweepDisabled() Config {
	c.SweepInterval = -1
	return c
}

func isExpired(r *Record, now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func refresh(r *Record, lifetime time.Duration, now time.Time) {
	r.LastActiveAt = now
	r.ExpiresAt = now.Add(lifetime)
}
