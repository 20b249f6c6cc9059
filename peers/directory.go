package peers

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"peernet/queue"
)

// RandomPeerFetcher is the outbound-transport collaborator Directory needs
// for the peer-exchange refresh cycle: pick a live peer at random (retrying
// internally) and fetch api from it. Implemented by transport.Client;
// injected after both sides are constructed — spec.md §9's resolution of
// the Peers↔Transport cycle.
type RandomPeerFetcher interface {
	GetFromRandomPeer(ctx context.Context, api string) (Peer, []byte, error)
}

// Directory is the durable, queryable peer directory — spec.md §4.1.
type Directory struct {
	store   Store
	log     *slog.Logger
	seq     *queue.Sequencer
	removed *RemovedCache

	whitelist map[string]struct{}

	minVersion     string
	maxUpdatePeers int

	outbound RandomPeerFetcher

	readyOnce chan struct{}
	readyFire bool
}

// Options configures a new Directory.
type Options struct {
	MinVersion     string
	MaxUpdatePeers int
	Seeds          []Peer
	SequencerDepth int
	RemovedCacheN  int
}

// New constructs a Directory over store. The frozen whitelist is derived
// from opts.Seeds (ip:port pairs), immune to ban/remove for the lifetime of
// the process — spec.md §3 invariant 3.
func New(store Store, log *slog.Logger, opts Options) *Directory {
	if log == nil {
		log = slog.Default()
	}
	if opts.MinVersion == "" {
		opts.MinVersion = defaultVersion
	}
	if opts.MaxUpdatePeers <= 0 {
		opts.MaxUpdatePeers = 20
	}
	d := &Directory{
		store:          store,
		log:            log,
		seq:            queue.NewSequencer(opts.SequencerDepth),
		removed:        NewRemovedCache(opts.RemovedCacheN),
		whitelist:      make(map[string]struct{}, len(opts.Seeds)),
		minVersion:     opts.MinVersion,
		maxUpdatePeers: opts.MaxUpdatePeers,
		readyOnce:      make(chan struct{}),
	}
	for _, seed := range opts.Seeds {
		d.whitelist[whitelistKey(seed.IP, seed.Port)] = struct{}{}
	}
	return d
}

// SetOutbound injects the outbound transport collaborator. Must be called
// once, after both Directory and the transport client exist.
func (d *Directory) SetOutbound(f RandomPeerFetcher) {
	d.outbound = f
}

// Ready returns a channel that closes once peersReady has fired — the
// signal spec.md §4.1's onBlockchainReady emits after seed bootstrap.
func (d *Directory) Ready() <-chan struct{} {
	return d.readyOnce
}

func (d *Directory) fireReady() {
	if !d.readyFire {
		d.readyFire = true
		close(d.readyOnce)
	}
}

func whitelistKey(ip string, port uint16) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

func (d *Directory) isWhitelisted(ip string, port uint16) bool {
	_, ok := d.whitelist[whitelistKey(ip, port)]
	return ok
}

// List returns up to limit (capped at 100) peers in randomized order,
// excluding StateBanned, optionally restricted to dappID — spec.md §4.1.
func (d *Directory) List(ctx context.Context, limit int, dappID string) ([]Peer, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	result, err := d.store.List(ctx, limit, dappID)
	if err != nil {
		return nil, d.wrapStorage("list", err)
	}
	rand.Shuffle(len(result), func(i, j int) { result[i], result[j] = result[j], result[i] })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Update upserts a peer by (ip, port) — spec.md §4.1. IP is normalized
// through Inspect; OS/Version are written only when non-empty; State is
// written only when non-nil (otherwise a fresh row defaults to
// StateDisconnected and an existing row is left untouched). The write is
// applied synchronously against the store; callers that must not block the
// request path use EnqueueUpdate instead (transport does, for inbound
// framing and outbound RPC responses).
func (d *Directory) Update(ctx context.Context, u Update) error {
	u.IP = normalizeIP(u.IP)
	if err := d.store.Upsert(ctx, u); err != nil {
		return d.wrapStorage("update", err)
	}
	return nil
}

// EnqueueUpdate enqueues Update onto the write sequencer without blocking
// the caller — used by the inbound framing middleware and outbound RPC
// client per spec.md §4.2 steps 5 and "enqueue peers.update".
func (d *Directory) EnqueueUpdate(u Update) {
	if !d.seq.Enqueue(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Update(ctx, u); err != nil {
			d.log.Warn("enqueued peer update failed", slog.String("peer", whitelistKey(u.IP, u.Port)), slog.Any("error", err))
		}
	}) {
		d.log.Warn("peer update dropped, sequencer backlog full", slog.String("peer", whitelistKey(u.IP, u.Port)))
	}
}

// EnqueueRemove enqueues Remove onto the write sequencer without blocking
// the caller — used by the inbound framing middleware on header/schema
// validation failure, per spec.md §4.2 step 2.
func (d *Directory) EnqueueRemove(ip string, port uint16) {
	if !d.seq.Enqueue(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Remove(ctx, ip, port); err != nil && err != ErrWhitelisted {
			d.log.Warn("enqueued peer remove failed", slog.String("peer", whitelistKey(ip, port)), slog.Any("error", err))
		}
	}) {
		d.log.Warn("peer remove dropped, sequencer backlog full", slog.String("peer", whitelistKey(ip, port)))
	}
}

// EnqueueBan enqueues Ban onto the write sequencer without blocking the
// caller — used by the inbound route handlers on protocol-object validation
// failure, per spec.md §4.2 / §7 kind 2, and by the outbound client on
// transport errors that are neither unavailable nor timeout.
func (d *Directory) EnqueueBan(ip string, port uint16, seconds int, code string) {
	if !d.seq.Enqueue(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Ban(ctx, ip, port, seconds, code)
	}) {
		d.log.Warn("peer ban dropped, sequencer backlog full", slog.String("peer", whitelistKey(ip, port)), slog.String("code", code))
	}
}

// SetState sets a peer's state, computing the ban clock when transitioning
// to StateBanned — spec.md §4.1. Whitelist entries reject with
// ErrWhitelisted and are never mutated; all other failures are logged and
// swallowed by callers (best-effort per spec.md §7 kind 7/4).
func (d *Directory) SetState(ctx context.Context, ip string, port uint16, state State, timeoutSeconds int) error {
	if d.isWhitelisted(ip, port) {
		return ErrWhitelisted
	}
	var clock *int64
	if state == StateBanned {
		if timeoutSeconds < 1 {
			timeoutSeconds = 1
		}
		until := time.Now().Add(time.Duration(timeoutSeconds) * time.Second).UnixMilli()
		clock = &until
	}
	if err := d.store.SetState(ctx, ip, port, state, clock); err != nil {
		return d.wrapStorage("setState", err)
	}
	return nil
}

// Ban is a convenience wrapper for SetState(..., StateBanned, seconds).
// Ban failures are logged and swallowed — they are best-effort.
func (d *Directory) Ban(ctx context.Context, ip string, port uint16, seconds int, code string) {
	if err := d.SetState(ctx, ip, port, StateBanned, seconds); err != nil {
		d.log.Warn("ban failed", slog.String("peer", whitelistKey(ip, port)), slog.String("code", code), slog.Any("error", err))
	}
}

// Remove deletes a peer and records its IP in RemovedCache — spec.md §4.1.
// Whitelist entries reject with ErrWhitelisted; other failures are logged
// and swallowed by callers.
func (d *Directory) Remove(ctx context.Context, ip string, port uint16) error {
	if d.isWhitelisted(ip, port) {
		return ErrWhitelisted
	}
	if err := d.store.Remove(ctx, ip, port); err != nil {
		return d.wrapStorage("remove", err)
	}
	d.removed.Add(ip)
	return nil
}

// AddDapp associates dappID with the peer at (ip, port) — spec.md §4.1.
func (d *Directory) AddDapp(ctx context.Context, ip string, port uint16, dappID string) error {
	if dappID == "" {
		return nil
	}
	if err := d.store.AddDapp(ctx, ip, port, dappID); err != nil {
		if err == ErrNotFound {
			return nil
		}
		return d.wrapStorage("addDapp", err)
	}
	return nil
}

// Get returns a single peer by (ip, port) — backs the public
// /api/peers/get management endpoint.
func (d *Directory) Get(ctx context.Context, ip string, port uint16) (Peer, error) {
	p, err := d.store.Get(ctx, ip, port)
	if err != nil {
		if err == ErrNotFound {
			return Peer{}, ErrNotFound
		}
		return Peer{}, d.wrapStorage("get", err)
	}
	return p, nil
}

// Count returns the number of stored peers.
func (d *Directory) Count(ctx context.Context) (int, error) {
	n, err := d.store.Count(ctx)
	if err != nil {
		return 0, d.wrapStorage("count", err)
	}
	return n, nil
}

// GetByFilter implements the §4.1 getByFilter search: limit defaults to 100
// (hard cap 100, absolute-valued), offset defaults to 0 (absolute-valued),
// and orderBy is restricted to SortableFields.
func (d *Directory) GetByFilter(ctx context.Context, f Filter) ([]Peer, error) {
	if f.Limit < 0 {
		f.Limit = -f.Limit
	}
	if f.Limit == 0 {
		f.Limit = 100
	}
	if f.Limit > 100 {
		return nil, fmt.Errorf("peers: limit exceeds maximum of 100")
	}
	if f.Offset < 0 {
		f.Offset = -f.Offset
	}
	if f.OrderBy != "" {
		if _, ok := SortableFields[f.OrderBy]; !ok {
			return nil, fmt.Errorf("peers: unknown orderBy field %q", f.OrderBy)
		}
	}
	result, err := d.store.GetByFilter(ctx, f)
	if err != nil {
		return nil, d.wrapStorage("getByFilter", err)
	}
	return result, nil
}

// BanManager clears clock/state for every peer whose ban has expired —
// spec.md §4.1.
func (d *Directory) BanManager(ctx context.Context) error {
	n, err := d.store.ExpireBans(ctx, time.Now())
	if err != nil {
		return d.wrapStorage("banManager", err)
	}
	if n > 0 {
		d.log.Debug("ban manager cleared expired bans", slog.Int("count", n))
	}
	return nil
}

// Stop drains the write sequencer.
func (d *Directory) Stop() {
	d.seq.Stop()
	d.seq.Wait()
}

func (d *Directory) wrapStorage(op string, err error) error {
	d.log.Error("storage error", slog.String("op", op), slog.Any("error", err))
	return fmt.Errorf("Peers#%s error: %w", op, ErrStorage)
}
