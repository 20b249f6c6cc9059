package peers

import (
	"reflect"
	"testing"
)

func TestInspectNumericIPConversion(t *testing.T) {
	state := 1
	p := Inspect(RawPeer{IP: "3232235521", Port: 7001, State: &state})
	if p.IP != "192.168.0.1" {
		t.Fatalf("expected 192.168.0.1, got %s", p.IP)
	}
}

func TestInspectIdempotent(t *testing.T) {
	state := 2
	raw := RawPeer{IP: "10.0.0.5", Port: 4001, State: &state, OS: "linux", Version: "2.1.0"}
	first := Inspect(raw)
	second := Inspect(RawPeer{IP: first.IP, Port: first.Port, State: &state, OS: first.OS, Version: first.Version})
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("Inspect is not idempotent: %+v != %+v", first, second)
	}
}

func TestNormalizePortNaNDefaultsToZero(t *testing.T) {
	got := normalizePort("not-a-number")
	if got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestNormalizePortFloat(t *testing.T) {
	got := normalizePort(float64(4001))
	if got != 4001 {
		t.Fatalf("expected 4001, got %d", got)
	}
}

func TestNormalizePortOutOfRange(t *testing.T) {
	if got := normalizePort(70000); got != 0 {
		t.Fatalf("expected 0 for out-of-range port, got %d", got)
	}
	if got := normalizePort(-1); got != 0 {
		t.Fatalf("expected 0 for negative port, got %d", got)
	}
}

func TestNormalizeOSDefaults(t *testing.T) {
	if got := normalizeOS(""); got != defaultOS {
		t.Fatalf("expected default os, got %s", got)
	}
	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	if got := normalizeOS(string(long)); got != defaultOS {
		t.Fatalf("expected default os for over-length, got %s", got)
	}
}

func TestNormalizeVersionDefaults(t *testing.T) {
	if got := normalizeVersion("1.0"); got != defaultVersion {
		t.Fatalf("expected default version for short string, got %s", got)
	}
	if got := normalizeVersion("1.2.3"); got != "1.2.3" {
		t.Fatalf("expected 1.2.3 preserved, got %s", got)
	}
}

func TestPeerStringUnknownWhenEmpty(t *testing.T) {
	var p Peer
	if p.String() != "unknown" {
		t.Fatalf("expected unknown, got %s", p.String())
	}
}

func TestVersionLess(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"1.2.3", "1.10.0", true},
		{"1.10.0", "1.2.3", false},
		{"1.0.0", "1.0.0", false},
		{"0.9.0", "1.0.0", true},
	}
	for _, tc := range cases {
		if got := VersionLess(tc.a, tc.b); got != tc.want {
			t.Fatalf("VersionLess(%s, %s) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
