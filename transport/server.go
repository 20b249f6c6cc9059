package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"peernet/bus"
	"peernet/dedup"
	"peernet/observability/logging"
	"peernet/peers"
	"peernet/queue"
)

const (
	banBlockSeconds       = 3600
	banTransactionSeconds = 3600
	maxBlocksPerPage      = 1440
)

// Config wires Server's collaborators — spec.md §9's duck-typed collaborator
// redesign note.
type Config struct {
	Headers        OutboundHeaders
	MinVersion     string
	CurrentVersion string
	Build          string

	Directory   *peers.Directory
	Bus         *bus.Bus
	Dedup       *dedup.Cache
	BalancesSeq *queue.Sequencer

	Blocks           Blocks
	Transactions     Transactions
	Multisignatures  Multisignatures
	Delegates        Delegates
	LogicBlock       LogicBlock
	LogicTransaction LogicTransaction
	Dapps            Dapps

	Log *slog.Logger

	RateLimit float64
	RateBurst float64
}

// Server is the inbound HTTP peer API — spec.md §4.2.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *networkMetrics
	limiter *ipRateLimiter
	router  http.Handler

	loaded        atomic.Bool
	blockReceived atomic.Bool
}

// NewServer builds the chi router for /peer/* and /api/peers/* — spec.md
// §4.2 and §6, grounded on gateway/routes/router.go's chi wiring.
func NewServer(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		log:     cfg.Log,
		metrics: newNetworkMetrics(),
		limiter: newIPRateLimiter(cfg.RateLimit, cfg.RateBurst),
	}
	s.loaded.Store(true)
	s.router = s.buildRouter()
	return s
}

// SetLoaded toggles short-circuit behavior on inbound framing and matches
// spec.md §5's shutdown semantics ("Blockchain is loading").
func (s *Server) SetLoaded(loaded bool) {
	s.loaded.Store(loaded)
}

// MarkBlockReceived records that at least one block has been received,
// gating the one-shot delegates.enableForging signal.
func (s *Server) MarkBlockReceived() {
	s.blockReceived.Store(true)
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Route("/peer", func(pr chi.Router) {
		pr.Use(s.frame)
		pr.Get("/list", s.handleList)
		pr.Get("/blocks/common", s.handleCommonBlock)
		pr.Get("/blocks", s.handleGetBlocks)
		pr.Post("/blocks", s.handlePostBlock)
		pr.Get("/signatures", s.handleGetSignatures)
		pr.Post("/signatures", s.handlePostSignature)
		pr.Get("/transactions", s.handleGetTransactions)
		pr.Post("/transactions", s.handlePostTransaction)
		pr.Get("/height", s.handleHeight)
		pr.Post("/dapp/message", s.handleDappMessage)
		pr.Post("/dapp/request", s.handleDappRequest)
	})

	r.Route("/api/peers", func(ar chi.Router) {
		ar.Get("/", s.handleFilterPeers)
		ar.Get("/get", s.handleGetPeer)
		ar.Get("/version", s.handleVersion)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "API endpoint not found",
		})
	})

	return otelhttp.NewHandler(r, "peer.server")
}

type frameCtxKey struct{}

type frameState struct {
	peer    peers.Peer
	headers InboundHeaders
}

func frameFromContext(ctx context.Context) frameState {
	fs, _ := ctx.Value(frameCtxKey{}).(frameState)
	return fs
}

// frame is the inbound framing middleware — spec.md §4.2's six numbered
// steps.
func (s *Server) frame(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.cfg.Headers.Apply(w.Header())

		if !s.loaded.Load() {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Blockchain is loading"})
			return
		}

		ip := remoteIP(r)
		if !s.limiter.allow(ip, time.Now()) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"success": false, "message": "rate limited"})
			return
		}

		// Step 1: synthesize the peer from source address + port header.
		peer := peers.Inspect(peers.RawPeer{IP: ip, Port: r.Header.Get("port")})

		// Step 2: validate the header schema.
		inbound, err := parseInboundHeaders(r, peer.IP)
		if err != nil {
			s.cfg.Directory.EnqueueRemove(peer.IP, peer.Port)
			s.metrics.framingResult.WithLabelValues("headers").Inc()
			writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "invalid headers"})
			return
		}
		peer.Port = inbound.Port

		// Step 3: nethash check.
		if inbound.NetHash != s.cfg.Headers.NetHash {
			s.cfg.Directory.EnqueueRemove(peer.IP, peer.Port)
			s.metrics.framingResult.WithLabelValues("nethash").Inc()
			writeJSON(w, http.StatusOK, map[string]any{
				"success":  false,
				"message":  "Request is made on the wrong network",
				"expected": s.cfg.Headers.NetHash,
				"received": inbound.NetHash,
			})
			return
		}

		// Step 4: mark connected, record reported os/version, peek dappid.
		peer.State = peers.StateConnected
		peer.OS = inbound.OS
		peer.Version = inbound.Version
		body, dappID := peekDappID(r)
		if dappID != "" {
			peer.Dapps = []string{dappID}
		}

		// Step 5: on exact current-version match, gate enableForging and
		// enqueue the peer update — spec.md §4.2 step 5.
		if peer.Version == s.cfg.CurrentVersion {
			if !s.blockReceived.Load() && s.cfg.Delegates != nil {
				if err := s.cfg.Delegates.EnableForging(r.Context()); err != nil {
					s.log.Warn("enableForging failed", slog.Any("error", err))
				}
			}
			state := peer.State
			s.cfg.Directory.EnqueueUpdate(peers.Update{
				IP: peer.IP, Port: peer.Port, State: &state, OS: peer.OS, Version: peer.Version, DappID: dappID,
			})
		}

		s.metrics.framingResult.WithLabelValues("ok").Inc()
		oteltrace.SpanFromContext(r.Context()).SetAttributes(
			attribute.String("peer.ip", peer.IP),
			attribute.Int64("peer.port", int64(peer.Port)),
			attribute.String("peer.version", peer.Version),
		)

		r.Body = io.NopCloser(bytes.NewReader(body))
		ctx := context.WithValue(r.Context(), frameCtxKey{}, frameState{peer: peer, headers: inbound})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// peekDappID reads the full request body (restoring it for downstream
// handlers) and extracts a top-level "dappid" field if present, without
// failing on GET requests that carry no body.
func peekDappID(r *http.Request) ([]byte, string) {
	if r.Body == nil {
		return nil, ""
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, ""
	}
	var probe struct {
		DappID string `json:"dappid"`
	}
	_ = json.Unmarshal(body, &probe)
	return body, probe.DappID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	result, err := s.cfg.Directory.List(r.Context(), 100, "")
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "peers": result})
}

var idToken = regexp.MustCompile(`^[0-9]+$`)

func (s *Server) handleCommonBlock(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ids")
	raw = strings.ReplaceAll(raw, `"`, "")
	raw = strings.ReplaceAll(raw, "'", "")
	var ids []string
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if idToken.MatchString(token) {
			ids = append(ids, token)
		}
	}
	if len(ids) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "ids must contain at least one numeric id"})
		return
	}
	if s.cfg.Blocks == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "blocks collaborator not configured"})
		return
	}
	common, found, err := s.cfg.Blocks.CommonBlock(r.Context(), ids)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "common": common, "found": found})
}

func (s *Server) handleGetBlocks(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Blocks == nil {
		writeJSON(w, http.StatusOK, map[string]any{"blocks": []any{}})
		return
	}
	lastBlockID := r.URL.Query().Get("lastBlockId")
	blocks, err := s.cfg.Blocks.Load(r.Context(), lastBlockID, maxBlocksPerPage)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"blocks": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks})
}

func (s *Server) handlePostBlock(w http.ResponseWriter, r *http.Request) {
	fs := frameFromContext(r.Context())
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if s.cfg.LogicBlock == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "block normalizer not configured"})
		return
	}
	normalized, blockID, err := s.cfg.LogicBlock.ObjectNormalize(raw)
	if err != nil {
		s.cfg.Directory.EnqueueBan(fs.peer.IP, fs.peer.Port, banBlockSeconds, "EBLOCK")
		s.metrics.banEvents.WithLabelValues("EBLOCK").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	s.blockReceived.Store(true)
	if s.cfg.Bus != nil {
		s.cfg.Bus.Emit("receiveBlock", normalized)
		s.cfg.Bus.Emit("blocks/change", normalized)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "blockId": blockID})
}

func (s *Server) handleGetSignatures(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Transactions == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "signatures": []any{}})
		return
	}
	sigs, err := s.cfg.Transactions.Signatures(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "signatures": sigs})
}

func (s *Server) handlePostSignature(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil || len(raw) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "signature body required"})
		return
	}
	if s.cfg.Multisignatures == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "multisignatures collaborator not configured"})
		return
	}
	if err := s.cfg.Multisignatures.ProcessSignature(r.Context(), raw); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Emit("signature/change", raw)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetTransactions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Transactions == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "transactions": []any{}})
		return
	}
	txs, err := s.cfg.Transactions.Unconfirmed(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "transactions": txs})
}

func (s *Server) handlePostTransaction(w http.ResponseWriter, r *http.Request) {
	fs := frameFromContext(r.Context())
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if s.cfg.LogicTransaction == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "transaction normalizer not configured"})
		return
	}
	normalized, txID, err := s.cfg.LogicTransaction.ObjectNormalize(raw)
	if err != nil {
		s.cfg.Directory.EnqueueBan(fs.peer.IP, fs.peer.Port, banTransactionSeconds, "ETRANSACTION")
		s.metrics.banEvents.WithLabelValues("ETRANSACTION").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if s.cfg.BalancesSeq != nil && s.cfg.Transactions != nil {
		s.cfg.BalancesSeq.Enqueue(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.cfg.Transactions.ReceiveTransactions(ctx, []json.RawMessage{normalized}); err != nil {
				s.log.Warn("receiveTransactions failed", slog.Any("error", err))
			}
		})
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Emit("transactions/change", normalized)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "transactionId": txID})
}

func (s *Server) handleHeight(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Blocks == nil {
		writeJSON(w, http.StatusOK, map[string]any{"height": 0})
		return
	}
	height, err := s.cfg.Blocks.Height(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"height": 0})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"height": height})
}

func (s *Server) handleDappMessage(w http.ResponseWriter, r *http.Request) {
	raw, dappID, _, hash, ok := s.parseDappEnvelope(w, r)
	if !ok {
		return
	}
	if s.cfg.Dedup != nil && s.cfg.Dedup.Seen(hash) {
		w.WriteHeader(http.StatusOK)
		return
	}
	if s.cfg.Dapps == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "dapps collaborator not configured"})
		return
	}
	if err := s.cfg.Dapps.Message(r.Context(), dappID, raw); err != nil {
		s.log.Warn("dapp message forwarding failed",
			slog.String("dappId", dappID),
			logging.MaskField("body", string(raw)),
			slog.Any("error", err))
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Emit("message", raw)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDappRequest(w http.ResponseWriter, r *http.Request) {
	raw, dappID, _, _, ok := s.parseDappEnvelope(w, r)
	if !ok {
		return
	}
	var envelope struct {
		Method string `json:"method"`
		Path   string `json:"path"`
	}
	_ = json.Unmarshal(raw, &envelope)
	if s.cfg.Dapps == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "dapps collaborator not configured"})
		return
	}
	body, err := s.cfg.Dapps.Request(r.Context(), dappID, envelope.Method, envelope.Path, r.URL.Query())
	if err != nil {
		s.log.Warn("dapp request forwarding failed",
			slog.String("dappId", dappID),
			logging.MaskField("query", r.URL.RawQuery),
			slog.Any("error", err))
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// parseDappEnvelope validates the shared /dapp/message and /dapp/request
// envelope: dappid, timestamp, hash required; hash must equal Hashsum(body,
// timestamp) — spec.md §4.2, §8 property 9.
func (s *Server) parseDappEnvelope(w http.ResponseWriter, r *http.Request) (raw []byte, dappID string, timestamp int64, hash string, ok bool) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return nil, "", 0, "", false
	}
	var envelope struct {
		DappID    string          `json:"dappid"`
		Timestamp int64           `json:"timestamp"`
		Hash      string          `json:"hash"`
		Body      json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "malformed dapp envelope"})
		return nil, "", 0, "", false
	}
	if envelope.DappID == "" || envelope.Timestamp == 0 || envelope.Hash == "" {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "dappid, timestamp and hash are required"})
		return nil, "", 0, "", false
	}
	expected, err := Hashsum(envelope.Body, envelope.Timestamp)
	if err != nil || expected != envelope.Hash {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "hash mismatch"})
		return nil, "", 0, "", false
	}
	return raw, envelope.DappID, envelope.Timestamp, envelope.Hash, true
}

func (s *Server) handleFilterPeers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := peers.Filter{
		IP:      q.Get("ip"),
		OS:      q.Get("os"),
		Version: q.Get("version"),
		OrderBy: q.Get("orderBy"),
	}
	if port := q.Get("port"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			f.Port = uint16(n)
		}
	}
	if state := q.Get("state"); state != "" {
		if n, err := strconv.Atoi(state); err == nil {
			st := peers.State(n)
			f.State = &st
		}
	}
	if limit := q.Get("limit"); limit != "" {
		f.Limit, _ = strconv.Atoi(limit)
	}
	if offset := q.Get("offset"); offset != "" {
		f.Offset, _ = strconv.Atoi(offset)
	}
	result, err := s.cfg.Directory.GetByFilter(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "peers": result})
}

func (s *Server) handleGetPeer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ip := q.Get("ip")
	portStr := q.Get("port")
	if ip == "" || portStr == "" {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "ip and port are required"})
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "invalid port"})
		return
	}
	p, err := s.cfg.Directory.Get(r.Context(), ip, uint16(port))
	if err != nil {
		if err == peers.ErrNotFound {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "peer": p})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"version": s.cfg.CurrentVersion, "build": s.cfg.Build})
}
