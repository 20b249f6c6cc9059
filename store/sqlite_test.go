package store

import (
	"context"
	"testing"
	"time"

	"peernet/peers"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open("file:peernet_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertInsertsWithDefaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Upsert(ctx, peers.Update{IP: "1.1.1.1", Port: 4001}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	p, err := s.Get(ctx, "1.1.1.1", 4001)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.State != peers.StateDisconnected {
		t.Fatalf("expected default state disconnected, got %v", p.State)
	}
	if p.OS != "unknown" || p.Version != "0.0.0" {
		t.Fatalf("unexpected defaults: %+v", p)
	}
}

func TestUpsertLeavesUnsetFieldsUntouched(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	connected := peers.StateConnected
	if err := s.Upsert(ctx, peers.Update{IP: "2.2.2.2", Port: 4001, State: &connected, OS: "linux", Version: "1.2.3"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Upsert(ctx, peers.Update{IP: "2.2.2.2", Port: 4001, Version: "1.3.0"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	p, err := s.Get(ctx, "2.2.2.2", 4001)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.State != peers.StateConnected || p.OS != "linux" {
		t.Fatalf("expected state/os untouched, got %+v", p)
	}
	if p.Version != "1.3.0" {
		t.Fatalf("expected version updated, got %s", p.Version)
	}
}

func TestSetStateNotFound(t *testing.T) {
	s := openTestStore(t)
	if err := s.SetState(context.Background(), "9.9.9.9", 1, peers.StateBanned, nil); err != peers.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListExcludesBanned(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	connected := peers.StateConnected
	banned := peers.StateBanned
	_ = s.Upsert(ctx, peers.Update{IP: "3.3.3.3", Port: 1, State: &connected})
	_ = s.Upsert(ctx, peers.Update{IP: "4.4.4.4", Port: 1, State: &banned})

	got, err := s.List(ctx, 10, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].IP != "3.3.3.3" {
		t.Fatalf("expected only connected peer, got %+v", got)
	}
}

func TestExpireBansClearsExpiredOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.Upsert(ctx, peers.Update{IP: "5.5.5.5", Port: 1})
	past := time.Now().Add(-time.Minute).UnixMilli()
	future := time.Now().Add(time.Hour).UnixMilli()
	if err := s.SetState(ctx, "5.5.5.5", 1, peers.StateBanned, &past); err != nil {
		t.Fatalf("setstate: %v", err)
	}
	_ = s.Upsert(ctx, peers.Update{IP: "6.6.6.6", Port: 1})
	if err := s.SetState(ctx, "6.6.6.6", 1, peers.StateBanned, &future); err != nil {
		t.Fatalf("setstate: %v", err)
	}

	n, err := s.ExpireBans(ctx, time.Now())
	if err != nil {
		t.Fatalf("expire bans: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired ban, got %d", n)
	}
	expired, err := s.Get(ctx, "5.5.5.5", 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if expired.State != peers.StateDisconnected || expired.Clock != nil {
		t.Fatalf("expected ban cleared, got %+v", expired)
	}
	stillBanned, err := s.Get(ctx, "6.6.6.6", 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stillBanned.State != peers.StateBanned {
		t.Fatalf("expected ban to remain, got %+v", stillBanned)
	}
}

func TestAddDappAndFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.Upsert(ctx, peers.Update{IP: "7.7.7.7", Port: 1})
	if err := s.AddDapp(ctx, "7.7.7.7", 1, "dapp-a"); err != nil {
		t.Fatalf("add dapp: %v", err)
	}
	got, err := s.GetByFilter(ctx, peers.Filter{DappID: "dapp-a", Limit: 10})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(got) != 1 || got[0].IP != "7.7.7.7" {
		t.Fatalf("expected filtered peer, got %+v", got)
	}
}

func TestAddDappNotFound(t *testing.T) {
	s := openTestStore(t)
	if err := s.AddDapp(context.Background(), "8.8.8.8", 1, "dapp-b"); err != peers.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetByFilterRejectsUnsortableField(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetByFilter(context.Background(), peers.Filter{OrderBy: "clock", Limit: 10}); err == nil {
		t.Fatal("expected error for unsortable field")
	}
}
