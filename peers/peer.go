// Package peers implements the durable, queryable peer directory: state
// transitions, the ban clock, dapp associations, seed bootstrap, and the
// periodic peer-exchange refresh and ban-expiry loops (spec.md §4.1).
package peers

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// State is the lifecycle state of a Peer — spec.md §3.
type State int

const (
	// StateBanned peers are excluded from list() and carry a non-nil Clock.
	StateBanned State = 0
	// StateDisconnected is the default state for newly learned peers.
	StateDisconnected State = 1
	// StateConnected peers have completed at least one successful exchange.
	StateConnected State = 2
)

func (s State) String() string {
	switch s {
	case StateBanned:
		return "banned"
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	defaultOS      = "unknown"
	defaultVersion = "0.0.0"
)

// Peer is the normalized, storage-ready representation of a network peer.
type Peer struct {
	IP      string
	Port    uint16
	State   State
	OS      string
	Version string
	// Clock is the absolute millisecond ban-expiry timestamp. Nil when the
	// peer is not banned — invariant 2 in spec.md §3.
	Clock *int64
	Dapps []string
}

// String renders the peer's logging identity — "ip:port", or "unknown" when
// the IP is absent. Never used as a storage key.
func (p Peer) String() string {
	if strings.TrimSpace(p.IP) == "" {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// RawPeer is the loosely-typed shape a peer record arrives in over the wire
// or from a config file — numeric IPs, string/float ports, absent fields —
// before Inspect normalizes it.
type RawPeer struct {
	IP      string
	Port    any
	State   *int
	OS      string
	Version string
	DappID  string
}

var decimalOnly = regexp.MustCompile(`^[0-9]+$`)

// Inspect normalizes a raw peer record into a Peer: numeric IPs are
// converted from their 32-bit long form to dotted-quad, ports coerce to an
// integer (defaulting to 0), and os/version fall back to their defaults.
// Inspect never fails and is idempotent: Inspect(toRaw(Inspect(r))) ==
// Inspect(r) — spec.md §8 property 1.
func Inspect(raw RawPeer) Peer {
	p := Peer{
		IP:      normalizeIP(raw.IP),
		Port:    normalizePort(raw.Port),
		OS:      normalizeOS(raw.OS),
		Version: normalizeVersion(raw.Version),
	}
	if raw.State != nil {
		p.State = State(*raw.State)
	}
	if raw.DappID != "" {
		p.Dapps = []string{raw.DappID}
	}
	return p
}

func normalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ""
	}
	if decimalOnly.MatchString(ip) {
		n, err := strconv.ParseUint(ip, 10, 32)
		if err == nil {
			v := uint32(n)
			return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v)).String()
		}
	}
	return ip
}

func normalizePort(port any) uint16 {
	switch v := port.(type) {
	case uint16:
		return v
	case int:
		return clampPort(v)
	case int64:
		return clampPort(int(v))
	case float64:
		return clampPort(int(v))
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		return clampPort(n)
	default:
		return 0
	}
}

func clampPort(n int) uint16 {
	if n < 0 || n > 65535 {
		return 0
	}
	return uint16(n)
}

func normalizeOS(os string) string {
	os = strings.TrimSpace(os)
	if os == "" || len(os) > 64 {
		return defaultOS
	}
	return os
}

func normalizeVersion(version string) string {
	version = strings.TrimSpace(version)
	if len(version) < 5 || len(version) > 12 {
		return defaultVersion
	}
	return version
}
