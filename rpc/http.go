package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"paymentengine/core"
	"paymentengine/core/types"
	"paymentengine/native/escrow"
	"paymentengine/observability"
	"paymentengine/observability/logging"
)

const (
	jsonRPCVersion       = "2.0"
	maxRequestBytes      = 1 << 20 // 1 MiB
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotency-Replayed"
	metricsModule        = "rpc"
	maxForwardedForAddrs = 16
)

const (
	codeParseError          = -32700
	codeInvalidRequest      = -32600
	codeMethodNotFound      = -32601
	codeInvalidParams       = -32602
	codeUnauthorized        = -32001
	codeServerError         = -32000
	codeIdempotencyConflict = -32010
	codeIdempotencyInFlight = -32011
	codeRateLimited         = -32020
)

// Processor is the slice of the state processor the RPC surface drives.
type Processor interface {
	Apply(ctx context.Context, ins *types.Instruction) (*core.Result, error)
	Get(address solana.PublicKey) (*escrow.Escrow, error)
	Balance(addr solana.PublicKey) (*uint256.Int, error)
	Deriver() *escrow.Deriver
}

// ServerConfig wires the optional collaborators of the RPC server. A nil
// idempotency store disables replay; a nil hub disables the event stream.
// X-Forwarded-For is honoured only for peers listed in TrustedProxies
// (addresses or CIDR prefixes).
type ServerConfig struct {
	Auth           AuthConfig
	RateLimit      RateLimit
	TrustedProxies []string
	Catalog     *escrow.Catalog
	Idempotency *IdempotencyStore
	Hub         *Hub
	Logger      *slog.Logger
}

type Server struct {
	proc    Processor
	catalog *escrow.Catalog
	auth    *Authenticator
	limiter *rateLimiter
	proxies []netip.Prefix
	idem    *IdempotencyStore
	hub     *Hub
	logger  *slog.Logger
	methods map[string]method
}

type method struct {
	scope    string
	mutating bool
	handle   func(w http.ResponseWriter, r *http.Request, req *RPCRequest, p principal)
}

func NewServer(proc Processor, cfg ServerConfig) (*Server, error) {
	if proc == nil {
		return nil, fmt.Errorf("rpc: processor required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = escrow.DefaultCatalog()
	}
	auth, err := NewAuthenticator(cfg.Auth)
	if err != nil {
		return nil, err
	}
	proxies, err := parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	s := &Server{
		proc:    proc,
		catalog: catalog,
		auth:    auth,
		limiter: newRateLimiter(cfg.RateLimit),
		proxies: proxies,
		idem:    cfg.Idempotency,
		hub:     cfg.Hub,
		logger:  logger.With(slog.String("component", "rpc")),
	}
	s.methods = map[string]method{
		"escrow_derive":  {handle: s.handleEscrowDerive},
		"escrow_get":     {handle: s.handleEscrowGet},
		"ledger_balance": {handle: s.handleLedgerBalance},
		"plan_list":      {handle: s.handlePlanList},
		"escrow_create":  {scope: ScopeEscrow, mutating: true, handle: s.handleEscrowCreate},
		"escrow_fund":    {scope: ScopeEscrow, mutating: true, handle: s.handleEscrowFund},
		"escrow_release": {scope: ScopeEscrow, mutating: true, handle: s.handleEscrowRelease},
		"escrow_refund":  {scope: ScopeEscrow, mutating: true, handle: s.handleEscrowRefund},
		"ledger_deposit": {scope: ScopeOperator, mutating: true, handle: s.handleLedgerDeposit},
	}
	return s, nil
}

// Handler returns the routed HTTP surface: JSON-RPC, the event stream,
// Prometheus metrics and a liveness probe.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Post("/rpc", s.handle)
	router.Get("/ws/escrow", s.handleEscrowWS)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return otelhttp.NewHandler(router, "paymentengine.rpc")
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
	methodName := "unknown"
	defer func() {
		observability.ModuleMetrics().Observe(metricsModule, methodName, recorder.status, time.Since(start))
	}()

	reader := http.MaxBytesReader(recorder, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()
	recorder.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(recorder, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(recorder, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(recorder, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(recorder, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(recorder, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	m, ok := s.methods[req.Method]
	if !ok {
		writeError(recorder, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
		return
	}
	methodName = req.Method

	p, authErr := s.auth.Authenticate(r, m.scope)
	if authErr != nil {
		status := http.StatusUnauthorized
		if authErr.Code == codeEscrowForbidden {
			status = http.StatusForbidden
		}
		writeError(recorder, status, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	client := s.clientSource(r)
	if !p.anonymous() {
		client = p.Subject.String()
	}
	if !s.limiter.Allow(client) {
		observability.ModuleMetrics().RecordThrottle(metricsModule, "rate_limit")
		writeError(recorder, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", nil)
		return
	}

	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if !m.mutating || s.idem == nil || key == "" {
		m.handle(recorder, r, req, p)
		return
	}
	requestHash := hashRequest(client, req.Method, req.Params)
	cached, err := s.idem.Reserve(r.Context(), client, key, requestHash)
	switch {
	case errors.Is(err, ErrIdempotencyConflict):
		writeError(recorder, http.StatusConflict, req.ID, codeIdempotencyConflict, "idempotency key reused with different request", nil)
		return
	case errors.Is(err, ErrIdempotencyInFlight):
		recorder.Header().Set("Retry-After", "1")
		writeError(recorder, http.StatusConflict, req.ID, codeIdempotencyInFlight, "request with this idempotency key is still in progress", nil)
		return
	case err != nil:
		s.logger.Error("idempotency reserve failed", logging.MaskField("idempotency_key", key), slog.Any("error", err))
		writeError(recorder, http.StatusInternalServerError, req.ID, codeServerError, "idempotency store unavailable", nil)
		return
	case cached != nil:
		recorder.Header().Set(headerReplayed, "true")
		recorder.WriteHeader(cached.Status)
		_, _ = recorder.Write(cached.Body)
		return
	}

	// The reservation must be settled even when the client has gone away.
	settleCtx := context.WithoutCancel(r.Context())
	capture := &captureWriter{responseRecorder: recorder}
	m.handle(capture, r, req, p)
	if recorder.status >= http.StatusInternalServerError {
		if err := s.idem.Release(settleCtx, client, key, requestHash); err != nil {
			s.logger.Warn("idempotency release failed", logging.MaskField("idempotency_key", key), slog.Any("error", err))
		}
		return
	}
	if err := s.idem.Complete(settleCtx, client, key, requestHash, recorder.status, capture.body.Bytes()); err != nil {
		s.logger.Warn("idempotency save failed", logging.MaskField("idempotency_key", key), slog.Any("error", err))
	}
}

// clientSource identifies an anonymous caller for rate limiting. The first
// X-Forwarded-For entry is used only when the direct peer is a trusted
// proxy; otherwise the header is client controlled and ignored.
func (s *Server) clientSource(r *http.Request) string {
	remote := remoteHost(r.RemoteAddr)
	if !s.trustedProxy(remote) {
		return remote
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return remote
	}
	parts := strings.Split(forwarded, ",")
	if len(parts) > maxForwardedForAddrs {
		return remote
	}
	candidate := strings.TrimSpace(parts[0])
	if addr, err := netip.ParseAddrPort(candidate); err == nil {
		return addr.Addr().Unmap().String()
	}
	if addr, err := netip.ParseAddr(candidate); err == nil {
		return addr.Unmap().String()
	}
	return remote
}

func (s *Server) trustedProxy(host string) bool {
	if len(s.proxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range s.proxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func parseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("rpc: trusted proxy %q: %w", entry, err)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("rpc: trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(p)
}

// captureWriter tees the response body so it can be stored for replay.
type captureWriter struct {
	*responseRecorder
	body bytes.Buffer
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.body.Write(p)
	return c.responseRecorder.Write(p)
}
