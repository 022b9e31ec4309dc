package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"CustodyLedger/internal/core"
	"CustodyLedger/internal/custody"
	"CustodyLedger/internal/event"
	"CustodyLedger/internal/ledger"
	"CustodyLedger/internal/observability"
	"CustodyLedger/internal/oracle"
	"CustodyLedger/internal/query"
	"CustodyLedger/internal/server"
	"CustodyLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var (
	admin = testutil.Addr(0xad)
	alice = testutil.Addr(0xa11ce)
	usdc  = testutil.Addr(0x1001)
)

const oneEther = "1000000000000000000"

// fakeRecords captures the filter it was asked for.
type fakeRecords struct {
	got query.Filter
}

func (f *fakeRecords) ListRecords(_ context.Context, filter query.Filter) (*query.RecordPage, error) {
	f.got = filter
	return &query.RecordPage{
		Records:      []query.RecordResponse{{Sequence: filter.AfterSequence + 1, Type: "Deposit"}},
		AsOfSequence: 9,
	}, nil
}

func newService(t *testing.T, records server.RecordLister, opts ...server.ServiceOption) (*server.CustodyService, *custody.MemoryGateway) {
	t.Helper()

	feeds := oracle.NewMemoryFeeds()
	feeds.Set("eth-usd", oracle.Round{Answer: big.NewInt(3000_00000000), Decimals: 8, UpdatedAt: time.Now(), RoundID: 1})
	feeds.Set("usdc-usd", oracle.Round{Answer: big.NewInt(1_00000000), Decimals: 8, UpdatedAt: time.Now(), RoundID: 1})

	gw := custody.NewMemoryGateway()
	engine, err := core.NewEngine(core.Options{
		Authority:         admin,
		AdmissionCap:      testutil.USD(10_000),
		WithdrawalCeiling: testutil.USD(5_000),
		Feeds:             feeds,
		Decimals:          oracle.NewStaticDecimals(map[common.Address]uint8{usdc: 6}, nil),
		Gateway:           gw,
		Logger:            zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx := context.Background()
	if _, err := engine.Admit(ctx, admin, ledger.NativeAsset, "eth-usd"); err != nil {
		t.Fatalf("admit native: %v", err)
	}
	if _, err := engine.Admit(ctx, admin, usdc, "usdc-usd"); err != nil {
		t.Fatalf("admit usdc: %v", err)
	}
	return server.NewCustodyService(engine, records, opts...), gw
}

func newHTTP(t *testing.T, records server.RecordLister) *httptest.Server {
	t.Helper()
	svc, _ := newService(t, records)
	health := observability.NewHealthChecker()
	health.SetReady(true)
	h, err := server.NewHTTPHandler(svc, health, nil)
	if err != nil {
		t.Fatalf("NewHTTPHandler: %v", err)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, principal *common.Address, body any) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if principal != nil {
		req.Header.Set(server.PrincipalHeader, principal.Hex())
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp.StatusCode, out
}

// ============================================================================
// Test: HTTP gateway
// ============================================================================

func TestHTTP_DepositNativeAndRead(t *testing.T) {
	ts := newHTTP(t, nil)

	code, body := do(t, ts, http.MethodPost, "/v1/deposits", &alice, server.DepositRequest{Value: oneEther})
	if code != http.StatusOK {
		t.Fatalf("deposit: %d %v", code, body)
	}
	if body["type"] != "Deposit" || body["value_usd"] != "3000.00000000" || body["sequence"] != float64(3) {
		t.Errorf("deposit reply: %v", body)
	}

	code, body = do(t, ts, http.MethodGet, "/v1/balances/native/"+alice.Hex(), nil, nil)
	if code != http.StatusOK || body["balance"] != oneEther {
		t.Errorf("balance: %d %v", code, body)
	}

	code, body = do(t, ts, http.MethodGet, "/v1/policy", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("policy: %d %v", code, body)
	}
	if body["total_admitted_usd"] != "3000.00000000" || body["deposit_count"] != float64(1) || body["authority"] != admin.Hex() {
		t.Errorf("policy: %v", body)
	}
}

func TestHTTP_ErrorStatus(t *testing.T) {
	ts := newHTTP(t, nil)

	tests := []struct {
		name      string
		method    string
		path      string
		principal *common.Address
		body      any
		want      int
		wantCode  string
	}{
		{"missing principal", http.MethodPost, "/v1/deposits", nil, server.DepositRequest{Value: oneEther}, http.StatusUnauthorized, "Unauthenticated"},
		{"zero amount", http.MethodPost, "/v1/deposits", &alice, server.DepositRequest{}, http.StatusBadRequest, "InvalidArgument"},
		{"native through asset path", http.MethodPost, "/v1/deposits", &alice, server.DepositRequest{Asset: ledger.NativeAsset.Hex(), Amount: "1"}, http.StatusBadRequest, "InvalidArgument"},
		{"over the cap", http.MethodPost, "/v1/deposits", &alice, server.DepositRequest{Value: "4" + oneEther[1:]}, http.StatusTooManyRequests, "ResourceExhausted"},
		{"insufficient balance", http.MethodPost, "/v1/withdrawals", &alice, server.WithdrawRequest{Amount: "1"}, http.StatusBadRequest, "FailedPrecondition"},
		{"not the authority", http.MethodPost, "/v1/admin/cap", &alice, server.SetAdmissionCapRequest{CapUSD: "1"}, http.StatusForbidden, "PermissionDenied"},
		{"unknown admin action", http.MethodPost, "/v1/admin/explode", &admin, map[string]string{}, http.StatusNotFound, "NotFound"},
		{"bad address", http.MethodGet, "/v1/balances/native/0xnope", nil, nil, http.StatusBadRequest, "InvalidArgument"},
		{"history not configured", http.MethodGet, "/v1/records", nil, nil, http.StatusServiceUnavailable, "Unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, ts, tt.method, tt.path, tt.principal, tt.body)
			if code != tt.want || body["code"] != tt.wantCode {
				t.Errorf("got %d %v, want %d %s", code, body, tt.want, tt.wantCode)
			}
		})
	}
}

func TestHTTP_AdminActions(t *testing.T) {
	ts := newHTTP(t, nil)

	steps := []struct {
		action string
		body   any
		typ    string
	}{
		{"cap", server.SetAdmissionCapRequest{CapUSD: "20000"}, "CapChanged"},
		{"ceiling", server.SetWithdrawalCeilingRequest{CeilingUSD: "raw:100"}, "CeilingChanged"},
		{"delist", server.DelistRequest{Asset: usdc.Hex()}, "AssetDelisted"},
		{"admit", server.AdmitRequest{Asset: usdc.Hex(), Oracle: "usdc-usd-v2"}, "AssetAdmitted"},
		{"authority", server.TransferAuthorityRequest{Next: alice.Hex()}, "AuthorityTransferred"},
	}
	for _, s := range steps {
		code, body := do(t, ts, http.MethodPost, "/v1/admin/"+s.action, &admin, s.body)
		if code != http.StatusOK || body["type"] != s.typ {
			t.Fatalf("%s: %d %v", s.action, code, body)
		}
	}

	_, policy := do(t, ts, http.MethodGet, "/v1/policy", nil, nil)
	if policy["admission_cap_usd"] != "20000.00000000" || policy["withdrawal_ceiling_usd"] != "0.00000100" {
		t.Errorf("policy: %v", policy)
	}
	if policy["authority"] != alice.Hex() {
		t.Errorf("authority: %v", policy["authority"])
	}

	_, asset := do(t, ts, http.MethodGet, "/v1/assets/"+usdc.Hex(), nil, nil)
	if asset["admitted"] != true || asset["oracle"] != "usdc-usd-v2" {
		t.Errorf("asset: %v", asset)
	}

	// The previous authority is now an ordinary caller.
	code, _ := do(t, ts, http.MethodPost, "/v1/admin/cap", &admin, server.SetAdmissionCapRequest{CapUSD: "1"})
	if code != http.StatusForbidden {
		t.Errorf("old authority: got %d, want 403", code)
	}
}

func TestHTTP_Quote(t *testing.T) {
	ts := newHTTP(t, nil)

	code, body := do(t, ts, http.MethodGet, "/v1/quote/"+usdc.Hex()+"/2500000", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("quote: %d %v", code, body)
	}
	if body["value_usd"] != "2.50000000" || body["oracle"] != "usdc-usd" || body["asset_decimals"] != float64(6) {
		t.Errorf("quote: %v", body)
	}

	code, _ = do(t, ts, http.MethodGet, "/v1/quote/"+testutil.Addr(0x9999).Hex()+"/1", nil, nil)
	if code != http.StatusBadRequest {
		t.Errorf("unregistered asset: got %d, want 400", code)
	}
}

func TestHTTP_ListRecordsFilter(t *testing.T) {
	records := &fakeRecords{}
	ts := newHTTP(t, records)

	path := "/v1/records?owner=" + alice.Hex() + "&type=Withdrawal&after_sequence=4&limit=7"
	code, body := do(t, ts, http.MethodGet, path, nil, nil)
	if code != http.StatusOK || body["as_of_sequence"] != float64(9) {
		t.Fatalf("records: %d %v", code, body)
	}

	f := records.got
	if f.Owner == nil || *f.Owner != alice || f.Asset != nil {
		t.Errorf("owner/asset filter: %+v", f)
	}
	if f.Type == nil || *f.Type != event.RecordTypeWithdrawal || f.AfterSequence != 4 || f.Limit != 7 {
		t.Errorf("type/paging filter: %+v", f)
	}

	code, _ = do(t, ts, http.MethodGet, "/v1/records?type=Bogus", nil, nil)
	if code != http.StatusBadRequest {
		t.Errorf("bad type: got %d, want 400", code)
	}
}

func TestHTTP_Health(t *testing.T) {
	ts := newHTTP(t, nil)
	code, body := do(t, ts, http.MethodGet, "/readyz", nil, nil)
	if code != http.StatusOK || body["status"] != "ready" {
		t.Errorf("readyz: %d %v", code, body)
	}
}

func TestHTTPServer_ShutdownWaitsForInFlight(t *testing.T) {
	entered := make(chan struct{})
	var finished atomic.Bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		time.Sleep(300 * time.Millisecond)
		finished.Store(true)
		w.WriteHeader(http.StatusOK)
	})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	hs := server.NewHTTPServer(lis.Addr().String(), handler, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- hs.Serve(ctx, lis) }()

	go http.Get("http://" + lis.Addr().String() + "/slow")
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the handler")
	}
	cancel()

	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if !finished.Load() {
		t.Error("Serve returned before the in-flight request finished")
	}
}

// ============================================================================
// Test: Principal verification
// ============================================================================

func TestPrincipalVerifier_Tokens(t *testing.T) {
	verifier := server.TokenVerifier(map[common.Address]string{alice: "alice-secret"})
	svc, _ := newService(t, nil, server.WithPrincipalVerifier(verifier))

	tests := []struct {
		name      string
		principal common.Address
		auth      string
		want      codes.Code
	}{
		{"matching token", alice, "Bearer alice-secret", codes.OK},
		{"missing token", alice, "", codes.Unauthenticated},
		{"wrong token", alice, "Bearer guess", codes.Unauthenticated},
		{"not bearer", alice, "alice-secret", codes.Unauthenticated},
		{"unknown principal", admin, "Bearer alice-secret", codes.Unauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md := metadata.Pairs(server.PrincipalMetadataKey, tt.principal.Hex())
			if tt.auth != "" {
				md.Set(server.AuthorizationMetadataKey, tt.auth)
			}
			ctx := metadata.NewIncomingContext(context.Background(), md)
			_, err := svc.Deposit(ctx, &server.DepositRequest{Asset: usdc.Hex(), Amount: "1000000"})
			if got := status.Code(err); got != tt.want {
				t.Errorf("got %s (%v), want %s", got, err, tt.want)
			}
		})
	}
}

func TestPrincipalVerifier_HTTPAuthorizationHeader(t *testing.T) {
	verifier := server.TokenVerifier(map[common.Address]string{alice: "alice-secret"})
	svc, _ := newService(t, nil, server.WithPrincipalVerifier(verifier))
	h, err := server.NewHTTPHandler(svc, nil, nil)
	if err != nil {
		t.Fatalf("NewHTTPHandler: %v", err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	post := func(auth string) int {
		body := bytes.NewBufferString(`{"asset":"` + usdc.Hex() + `","amount":"1000000"}`)
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/deposits", body)
		req.Header.Set(server.PrincipalHeader, alice.Hex())
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := post(""); code != http.StatusUnauthorized {
		t.Errorf("without token: got %d, want 401", code)
	}
	if code := post("Bearer alice-secret"); code != http.StatusOK {
		t.Errorf("with token: got %d, want 200", code)
	}
}

func TestParsePrincipalTokens(t *testing.T) {
	tokens, err := server.ParsePrincipalTokens(" " + alice.Hex() + "=s1 , " + admin.Hex() + "=s2,")
	if err != nil {
		t.Fatalf("ParsePrincipalTokens: %v", err)
	}
	if tokens[alice] != "s1" || tokens[admin] != "s2" || len(tokens) != 2 {
		t.Errorf("tokens: %v", tokens)
	}
	for _, bad := range []string{"0x1234=t", alice.Hex() + "=", alice.Hex()} {
		if _, err := server.ParsePrincipalTokens(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
	if tokens, err := server.ParsePrincipalTokens(""); err != nil || len(tokens) != 0 {
		t.Errorf("empty: %v %v", tokens, err)
	}
}

// ============================================================================
// Test: gRPC service
// ============================================================================

func dialBufconn(t *testing.T, svc server.CustodyServer) (*grpc.ClientConn, *server.GRPCServer) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	gs := server.NewGRPCServer("bufconn", svc, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go gs.Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.CodecName)),
	)
	if err != nil {
		cancel()
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		cancel()
	})
	return conn, gs
}

func TestGRPC_DepositAndPolicy(t *testing.T) {
	svc, _ := newService(t, nil)
	conn, _ := dialBufconn(t, svc)
	ctx := metadata.AppendToOutgoingContext(context.Background(), server.PrincipalMetadataKey, alice.Hex())

	var rec server.RecordReply
	err := conn.Invoke(ctx, "/custody.v1.Custody/Deposit",
		&server.DepositRequest{Asset: usdc.Hex(), Amount: "40000000"}, &rec)
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if rec.ValueUSD != "40.00000000" || rec.Owner != alice.Hex() {
		t.Errorf("deposit reply: %+v", rec)
	}

	var policy server.PolicyReply
	if err := conn.Invoke(ctx, "/custody.v1.Custody/GetPolicy", &server.GetPolicyRequest{}, &policy); err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if policy.TotalAdmittedUSD != "40.00000000" || policy.Sequence != 3 {
		t.Errorf("policy: %+v", policy)
	}
}

func TestGRPC_ErrorCodes(t *testing.T) {
	svc, gw := newService(t, nil)
	conn, _ := dialBufconn(t, svc)
	ctx := metadata.AppendToOutgoingContext(context.Background(), server.PrincipalMetadataKey, alice.Hex())

	var rec server.RecordReply
	if err := conn.Invoke(ctx, "/custody.v1.Custody/Deposit", &server.DepositRequest{Value: oneEther}, &rec); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	gw.FailTransferOut(context.DeadlineExceeded)
	err := conn.Invoke(ctx, "/custody.v1.Custody/Withdraw", &server.WithdrawRequest{Amount: "1000"}, &rec)
	if status.Code(err) != codes.Aborted {
		t.Errorf("failed transfer: got %v, want Aborted", err)
	}

	err = conn.Invoke(ctx, "/custody.v1.Custody/Withdraw", &server.WithdrawRequest{Amount: "2" + oneEther[1:]}, &rec)
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("overdraw: got %v, want FailedPrecondition", err)
	}
}

func TestGRPC_Health(t *testing.T) {
	svc, _ := newService(t, nil)
	conn, gs := dialBufconn(t, svc)
	hc := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName}, grpc.CallContentSubtype("proto"))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("before ready: %s", resp.Status)
	}

	gs.SetServing(true)
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName}, grpc.CallContentSubtype("proto"))
	if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("after ready: %v %v", resp, err)
	}
}
