package peers

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type fakeFetcher struct {
	body []byte
	err  error
	peer Peer
}

func (f *fakeFetcher) GetFromRandomPeer(ctx context.Context, api string) (Peer, []byte, error) {
	return f.peer, f.body, f.err
}

func TestRefreshFromRandomPeerSuppressesRemoved(t *testing.T) {
	store := newFakeStore()
	d := New(store, testLogger(), Options{MaxUpdatePeers: 20, MinVersion: "0.0.0"})
	d.removed.Add("7.7.7.7")

	body, _ := json.Marshal(map[string]any{
		"peers": []map[string]any{
			{"ip": "7.7.7.7", "port": 4001, "state": 1, "os": "linux", "version": "2.0.0"},
			{"ip": "8.8.8.8", "port": 4001, "state": 1, "os": "linux", "version": "2.0.0"},
		},
	})
	d.SetOutbound(&fakeFetcher{body: body})

	d.RefreshFromRandomPeer(context.Background())
	d.Stop()

	if _, err := store.Get(context.Background(), "7.7.7.7", 4001); err != ErrNotFound {
		t.Fatalf("expected removed-cache peer to be suppressed, got err=%v", err)
	}
	if _, err := store.Get(context.Background(), "8.8.8.8", 4001); err != nil {
		t.Fatalf("expected surviving candidate to be stored, got err=%v", err)
	}
}

func TestRefreshFromRandomPeerRejectsLowVersion(t *testing.T) {
	store := newFakeStore()
	d := New(store, testLogger(), Options{MaxUpdatePeers: 20, MinVersion: "3.0.0"})

	body, _ := json.Marshal(map[string]any{
		"peers": []map[string]any{
			{"ip": "9.9.9.9", "port": 4001, "state": 1, "os": "linux", "version": "1.0.0"},
		},
	})
	d.SetOutbound(&fakeFetcher{body: body})

	d.RefreshFromRandomPeer(context.Background())
	d.Stop()

	if _, err := store.Get(context.Background(), "9.9.9.9", 4001); err != ErrNotFound {
		t.Fatalf("expected low-version peer to be rejected, got err=%v", err)
	}
}

func TestRefreshFromRandomPeerNoopWithoutOutbound(t *testing.T) {
	store := newFakeStore()
	d := New(store, testLogger(), Options{})
	d.RefreshFromRandomPeer(context.Background())
}

func TestOnBlockchainReadyFiresReadyWithEmptyStore(t *testing.T) {
	store := newFakeStore()
	d := New(store, testLogger(), Options{})

	done := make(chan struct{})
	go func() {
		d.OnBlockchainReady(context.Background(), nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnBlockchainReady did not return in time")
	}

	select {
	case <-d.Ready():
	default:
		t.Fatal("expected Ready() to be closed after OnBlockchainReady")
	}
}

func TestOnBlockchainReadySeedsWhitelist(t *testing.T) {
	store := newFakeStore()
	seed := Peer{IP: "10.10.10.10", Port: 4001}
	d := New(store, testLogger(), Options{Seeds: []Peer{seed}})

	d.OnBlockchainReady(context.Background(), []Peer{seed})

	p, err := store.Get(context.Background(), seed.IP, seed.Port)
	if err != nil {
		t.Fatalf("expected seed to be stored, got err=%v", err)
	}
	if p.State != StateConnected {
		t.Fatalf("expected seed state connected, got %v", p.State)
	}
}
