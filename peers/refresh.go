package peers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	refreshInterval    = 60 * time.Second
	banManagerInterval = 65 * time.Second
	refreshConcurrency = 2
)

// wireRecord is the JSON shape exchanged over /peer/list — loose enough to
// feed straight into Inspect.
type wireRecord struct {
	IP      string `json:"ip"`
	Port    int    `json:"port"`
	State   *int   `json:"state"`
	OS      string `json:"os"`
	Version string `json:"version"`
}

func (w wireRecord) valid() bool {
	// peer schema: ip, port, state required — spec.md §4.1 step 6c.
	return w.IP != "" && w.Port != 0 && w.State != nil
}

// RefreshFromRandomPeer runs one peer-exchange cycle: pick a live peer at
// random (via the outbound transport, which retries internally), fetch its
// /peer/list, filter and validate the results, and enqueue surviving
// candidates onto the write sequencer — spec.md §4.1's central algorithm.
// Any transport error aborts the cycle silently.
func (d *Directory) RefreshFromRandomPeer(ctx context.Context) {
	if d.outbound == nil {
		return
	}
	_, body, err := d.outbound.GetFromRandomPeer(ctx, "/peer/list")
	if err != nil {
		d.log.Debug("refresh cycle aborted", slog.Any("error", err))
		return
	}

	var payload struct {
		Peers []wireRecord `json:"peers"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		d.log.Debug("refresh cycle: malformed peer list", slog.Any("error", err))
		return
	}

	candidates := make([]wireRecord, 0, len(payload.Peers))
	for _, rec := range payload.Peers {
		if d.removed.Contains(rec.IP) {
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) > d.maxUpdatePeers {
		candidates = candidates[:d.maxUpdatePeers]
	}

	if randomFloat() < 0.5 {
		d.removed.ShrinkBothEnds()
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, refreshConcurrency)
	for _, rec := range candidates {
		rec := rec
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.validateAndEnqueue(rec)
		}()
	}
	wg.Wait()
}

func (d *Directory) validateAndEnqueue(rec wireRecord) {
	state := rec.State
	peer := Inspect(RawPeer{IP: rec.IP, Port: rec.Port, State: state, OS: rec.OS, Version: rec.Version})

	if VersionLess(peer.Version, d.minVersion) {
		d.log.Warn("Rejecting peer (invalid version)", slog.String("peer", peer.String()), slog.String("version", peer.Version))
		return
	}
	if !rec.valid() {
		d.log.Debug("rejecting peer (schema)", slog.String("peer", peer.String()))
		return
	}

	st := peer.State
	d.EnqueueUpdate(Update{IP: peer.IP, Port: peer.Port, State: &st, OS: peer.OS, Version: peer.Version})
}

// randomFloat is isolated so tests can observe both branches deterministically
// via dependency injection if ever needed; production uses math/rand.
var randomFloat = func() float64 {
	return pseudoRandomFloat()
}

// OnBlockchainReady seeds the directory from the frozen whitelist, runs one
// refresh cycle if any peers exist, and signals Ready() — spec.md §4.1
// "Seed bootstrap".
func (d *Directory) OnBlockchainReady(ctx context.Context, seeds []Peer) {
	for _, seed := range seeds {
		state := StateConnected
		if err := d.store.Upsert(ctx, Update{IP: seed.IP, Port: seed.Port, State: &state, OS: seed.OS, Version: seed.Version}); err != nil {
			d.log.Warn("seed upsert failed", slog.String("peer", seed.String()), slog.Any("error", err))
		}
	}

	count, err := d.Count(ctx)
	if err != nil {
		d.log.Warn("peers ready: count failed", slog.Any("error", err))
		d.fireReady()
		return
	}

	if count > 0 {
		d.RefreshFromRandomPeer(ctx)
		d.log.Info(fmt.Sprintf("Peers ready, stored %d", count))
	} else {
		d.log.Info("peers list is empty")
	}
	d.fireReady()
}

// OnPeersReady starts the two independent periodic loops — spec.md §4.1
// "Periodic loops". Both stop when ctx is cancelled.
func (d *Directory) OnPeersReady(ctx context.Context) {
	go d.loop(ctx, refreshInterval, d.RefreshFromRandomPeer)
	go d.loop(ctx, banManagerInterval, func(ctx context.Context) {
		if err := d.BanManager(ctx); err != nil {
			d.log.Warn("ban manager cycle failed", slog.Any("error", err))
		}
	})
}

func (d *Directory) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fn(ctx)
			timer.Reset(interval)
		}
	}
}
