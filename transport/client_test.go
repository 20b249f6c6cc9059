package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"peernet/peers"
	"peernet/store"
)

func newTestClientDirectory(t *testing.T) (*peers.Directory, *store.SQLStore) {
	t.Helper()
	s, err := store.Open("file:client_test_" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	dir := peers.New(s, testLogger(), peers.Options{MinVersion: "0.0.0", MaxUpdatePeers: 20})
	t.Cleanup(dir.Stop)
	return dir, s
}

func TestGetFromPeerRemovesOnBadStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	dir, st := newTestClientDirectory(t)
	connected := peers.StateConnected
	if err := st.Upsert(context.Background(), peers.Update{IP: "127.0.0.1", Port: 1, State: &connected}); err != nil {
		t.Fatalf("seed peer: %v", err)
	}

	client := NewClient(ClientConfig{
		Headers:        OutboundHeaders{OS: "linux", Version: "1.0.0", Port: 4001, NetHash: "devnet"},
		CurrentVersion: "1.0.0",
		Directory:      dir,
		Log:            testLogger(),
		Timeout:        2 * time.Second,
	})

	_, err := client.GetFromPeer(context.Background(), peers.Peer{IP: "127.0.0.1", Port: 1}, RequestOptions{URL: ts.URL})
	if err == nil {
		t.Fatal("expected error for non-200 response")
	}

	waitFor(t, func() bool {
		_, err := st.Get(context.Background(), "127.0.0.1", 1)
		return err == peers.ErrNotFound
	})
}

func TestGetFromPeerUpdatesOnCurrentVersion(t *testing.T) {
	headers := OutboundHeaders{OS: "linux", Version: "1.0.0", Port: 7000, NetHash: "devnet"}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers.Apply(w.Header())
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer ts.Close()

	dir, st := newTestClientDirectory(t)
	connected := peers.StateConnected
	if err := st.Upsert(context.Background(), peers.Update{IP: "127.0.0.1", Port: 1, State: &connected}); err != nil {
		t.Fatalf("seed peer: %v", err)
	}

	client := NewClient(ClientConfig{
		Headers:        OutboundHeaders{OS: "linux", Version: "1.0.0", Port: 4001, NetHash: "devnet"},
		CurrentVersion: "1.0.0",
		Directory:      dir,
		Log:            testLogger(),
		Timeout:        2 * time.Second,
	})

	if _, err := client.GetFromPeer(context.Background(), peers.Peer{IP: "127.0.0.1", Port: 1}, RequestOptions{URL: ts.URL}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, func() bool {
		p, err := st.Get(context.Background(), "127.0.0.1", 7000)
		return err == nil && p.State == peers.StateConnected
	})
}

func TestGetFromRandomPeerFailsAfterRetries(t *testing.T) {
	dir, _ := newTestClientDirectory(t)
	client := NewClient(ClientConfig{
		Headers:        OutboundHeaders{OS: "linux", Version: "1.0.0", Port: 4001, NetHash: "devnet"},
		CurrentVersion: "1.0.0",
		Directory:      dir,
		Log:            testLogger(),
		Timeout:        time.Second,
	})

	if _, _, err := client.GetFromRandomPeer(context.Background(), "/list"); err == nil {
		t.Fatal("expected error when directory is empty")
	}
}

func TestBuildURLRequiresAPIOrURL(t *testing.T) {
	c := &Client{}
	if _, err := c.buildURL(peers.Peer{IP: "1.1.1.1", Port: 1}, RequestOptions{}); err == nil {
		t.Fatal("expected error when neither API nor URL is set")
	}
	url, err := c.buildURL(peers.Peer{IP: "1.1.1.1", Port: 4001}, RequestOptions{API: "/list"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "http://1.1.1.1:4001/peer/list" {
		t.Fatalf("unexpected url: %s", url)
	}
}
