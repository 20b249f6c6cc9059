// Package transport implements the inbound HTTP peer API and the outbound
// peer RPC client — spec.md §4.2.
package transport

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// OutboundHeaders is the process-wide header set assigned once on bind and
// carried on every outbound request and echoed on every inbound response —
// spec.md §3.
type OutboundHeaders struct {
	OS      string
	Version string
	Port    uint16
	NetHash string
}

// Apply writes the header bag onto an outgoing HTTP request or response.
func (h OutboundHeaders) Apply(header http.Header) {
	header.Set("os", h.OS)
	header.Set("version", h.Version)
	header.Set("port", strconv.FormatUint(uint64(h.Port), 10))
	header.Set("nethash", h.NetHash)
}

// InboundHeaders is the parsed-and-validated header bag of an inbound
// request.
type InboundHeaders struct {
	IP      string
	Port    uint16
	OS      string
	Version string
	NetHash string
}

// ErrHeaders is returned when a required header is missing or malformed —
// error code EHEADERS in spec.md §6.
var ErrHeaders = fmt.Errorf("transport: missing or malformed headers")

// parseInboundHeaders validates the header schema: required {port, os,
// version, nethash, ip} — spec.md §4.2 step 2.
func parseInboundHeaders(r *http.Request, ip string) (InboundHeaders, error) {
	h := InboundHeaders{IP: strings.TrimSpace(ip)}
	if h.IP == "" {
		return InboundHeaders{}, ErrHeaders
	}

	portRaw := strings.TrimSpace(r.Header.Get("port"))
	port, err := strconv.Atoi(portRaw)
	if err != nil || port < 1 || port > 65535 {
		return InboundHeaders{}, ErrHeaders
	}
	h.Port = uint16(port)

	h.OS = strings.TrimSpace(r.Header.Get("os"))
	if len(h.OS) == 0 || len(h.OS) > 64 {
		return InboundHeaders{}, ErrHeaders
	}

	h.Version = strings.TrimSpace(r.Header.Get("version"))
	if len(h.Version) < 5 || len(h.Version) > 12 {
		return InboundHeaders{}, ErrHeaders
	}

	h.NetHash = strings.TrimSpace(r.Header.Get("nethash"))
	if h.NetHash == "" {
		return InboundHeaders{}, ErrHeaders
	}

	return h, nil
}

// remoteIP extracts the caller's address from x-forwarded-for, falling back
// to RemoteAddr — spec.md §4.2 step 1.
func remoteIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("x-forwarded-for")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
