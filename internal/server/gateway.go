package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"CustodyLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// PrincipalHeader carries the calling principal on HTTP requests.
const PrincipalHeader = "X-Custody-Principal"

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// errorBody is the JSON error shape for HTTP callers.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewGatewayMux mounts the HTTP/JSON routes on a grpc-gateway mux. Every
// route calls the same CustodyServer methods the gRPC service does.
func NewGatewayMux(svc CustodyServer, metrics *observability.Metrics) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	g := &gateway{svc: svc, metrics: metrics}

	routes := []struct {
		method  string
		pattern string
		name    string
		h       func(ctx context.Context, r *http.Request, params map[string]string) (any, error)
	}{
		{http.MethodPost, "/v1/deposits", "Deposit", g.deposit},
		{http.MethodPost, "/v1/withdrawals", "Withdraw", g.withdraw},
		{http.MethodPost, "/v1/admin/{action}", "Admin", g.admin},
		{http.MethodGet, "/v1/balances/{asset}/{owner}", "GetBalance", g.getBalance},
		{http.MethodGet, "/v1/policy", "GetPolicy", g.getPolicy},
		{http.MethodGet, "/v1/assets/{asset}", "GetAsset", g.getAsset},
		{http.MethodGet, "/v1/quote/{asset}/{amount}", "QuoteUSD", g.quote},
		{http.MethodGet, "/v1/records", "ListRecords", g.listRecords},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, g.wrap(rt.name, rt.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

// NewHTTPHandler combines the gateway routes with the health probes.
func NewHTTPHandler(svc CustodyServer, health *observability.HealthChecker, metrics *observability.Metrics) (http.Handler, error) {
	gw, err := NewGatewayMux(svc, metrics)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	if health != nil {
		health.Register(mux)
	}
	mux.Handle("/", gw)
	return mux, nil
}

// HTTPServer serves the gateway until its context is cancelled.
type HTTPServer struct {
	srv *http.Server
	log zerolog.Logger
}

func NewHTTPServer(addr string, handler http.Handler, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: logger,
	}
}

// Start listens and serves (blocking). After ctx is cancelled it returns
// only once in-flight requests have finished or the shutdown timeout hit.
func (s *HTTPServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves HTTP on lis until ctx is cancelled (blocking).
func (s *HTTPServer) Serve(ctx context.Context, lis net.Listener) error {
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		s.log.Info().Str("addr", lis.Addr().String()).Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("HTTP server listening")
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// Serve returns as soon as Shutdown starts; wait for it to drain.
	<-shutdownDone
	return nil
}

type gateway struct {
	svc     CustodyServer
	metrics *observability.Metrics
}

func (g *gateway) wrap(name string, h func(context.Context, *http.Request, map[string]string) (any, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		md := metadata.Pairs(PrincipalMetadataKey, r.Header.Get(PrincipalHeader))
		if auth := r.Header.Get("Authorization"); auth != "" {
			md.Set(AuthorizationMetadataKey, auth)
		}
		ctx := metadata.NewIncomingContext(r.Context(), md)

		resp, err := h(ctx, r, params)
		g.metrics.ObserveQuery(name, status.Code(err).String(), time.Since(start))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// --- routes ---

func (g *gateway) deposit(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
	var req DepositRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return g.svc.Deposit(ctx, &req)
}

func (g *gateway) withdraw(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
	var req WithdrawRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return g.svc.Withdraw(ctx, &req)
}

func (g *gateway) admin(ctx context.Context, r *http.Request, params map[string]string) (any, error) {
	switch action := params["action"]; action {
	case "admit":
		var req AdmitRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return g.svc.Admit(ctx, &req)
	case "delist":
		var req DelistRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return g.svc.Delist(ctx, &req)
	case "cap":
		var req SetAdmissionCapRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return g.svc.SetAdmissionCap(ctx, &req)
	case "ceiling":
		var req SetWithdrawalCeilingRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return g.svc.SetWithdrawalCeiling(ctx, &req)
	case "authority":
		var req TransferAuthorityRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		return g.svc.TransferAuthority(ctx, &req)
	default:
		return nil, status.Errorf(codes.NotFound, "unknown admin action %q", action)
	}
}

func (g *gateway) getBalance(ctx context.Context, _ *http.Request, params map[string]string) (any, error) {
	return g.svc.GetBalance(ctx, &GetBalanceRequest{Asset: params["asset"], Owner: params["owner"]})
}

func (g *gateway) getPolicy(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
	return g.svc.GetPolicy(ctx, &GetPolicyRequest{})
}

func (g *gateway) getAsset(ctx context.Context, _ *http.Request, params map[string]string) (any, error) {
	return g.svc.GetAsset(ctx, &GetAssetRequest{Asset: params["asset"]})
}

func (g *gateway) quote(ctx context.Context, _ *http.Request, params map[string]string) (any, error) {
	return g.svc.QuoteUSD(ctx, &QuoteUSDRequest{Asset: params["asset"], Amount: params["amount"]})
}

func (g *gateway) listRecords(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
	q := r.URL.Query()
	req := ListRecordsRequest{
		Owner: q.Get("owner"),
		Asset: q.Get("asset"),
		Type:  q.Get("type"),
	}
	if v := q.Get("after_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid after_sequence %q", v)
		}
		req.AfterSequence = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid limit %q", v)
		}
		req.Limit = n
	}
	return g.svc.ListRecords(ctx, &req)
}

// --- helpers ---

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return status.Errorf(codes.InvalidArgument, "invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Code:    st.Code().String(),
		Message: st.Message(),
	})
}
