package peers

import (
	"context"
	"errors"
	"time"
)

// ErrWhitelisted is returned when setState or remove targets a frozen
// whitelist entry — spec.md §3 invariant 3, §7 kind 7.
var ErrWhitelisted = errors.New("peers: peer in white list")

// ErrNotFound is returned by store lookups that miss.
var ErrNotFound = errors.New("peers: not found")

// ErrStorage wraps an opaque underlying storage failure — spec.md §7 kind 5.
var ErrStorage = errors.New("peers: storage error")

// Filter selects peers for GetByFilter. Zero-valued fields are not applied.
type Filter struct {
	IP      string
	Port    uint16
	State   *State
	OS      string
	Version string
	DappID  string

	OrderBy string
	Limit   int
	Offset  int
}

// SortableFields is the fixed allow-list of columns GetByFilter may order
// by — spec.md §4.1.
var SortableFields = map[string]struct{}{
	"ip":      {},
	"port":    {},
	"state":   {},
	"os":      {},
	"version": {},
}

// Update is the write-side shape for PeerDirectory.update — spec.md §4.1.
// A nil State leaves the column untouched on an existing row (defaulting to
// StateDisconnected on insert); empty OS/Version leave those columns
// untouched; an empty DappID skips the dapp association.
type Update struct {
	IP      string
	Port    uint16
	State   *State
	OS      string
	Version string
	DappID  string
}

// Store is the persistence collaborator PeerDirectory drives. It is the
// "relational database driver" spec.md §1 treats as an opaque external
// collaborator: PeerDirectory only ever calls these methods, never issues
// SQL directly. store.SQLStore is the concrete implementation.
type Store interface {
	// Upsert inserts or updates a peer keyed by (ip, port) per Update's
	// field semantics.
	Upsert(ctx context.Context, u Update) error

	// SetState updates state and clock for an existing (ip, port). Returns
	// ErrNotFound if no such peer exists.
	SetState(ctx context.Context, ip string, port uint16, state State, clock *int64) error

	// Remove deletes the (ip, port) row. Returns ErrNotFound if absent.
	Remove(ctx context.Context, ip string, port uint16) error

	// Get returns a single peer by key.
	Get(ctx context.Context, ip string, port uint16) (Peer, error)

	// List returns up to limit peers, excluding StateBanned, optionally
	// restricted to a dapp association, in randomized order.
	List(ctx context.Context, limit int, dappID string) ([]Peer, error)

	// AddDapp associates dappID with the peer at (ip, port), idempotently.
	// Returns ErrNotFound if the peer does not exist.
	AddDapp(ctx context.Context, ip string, port uint16, dappID string) error

	// Count returns the total number of stored peers.
	Count(ctx context.Context) (int, error)

	// ExpireBans clears state/clock for every peer whose clock <= now and
	// returns how many rows were updated.
	ExpireBans(ctx context.Context, now time.Time) (int, error)

	// GetByFilter implements the §4.1 getByFilter search.
	GetByFilter(ctx context.Context, f Filter) ([]Peer, error)
}
