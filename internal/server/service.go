package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"CustodyLedger/internal/core"
	"CustodyLedger/internal/errs"
	"CustodyLedger/internal/event"
	fpmath "CustodyLedger/internal/math"
	"CustodyLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// PrincipalMetadataKey carries the calling principal on gRPC requests. The
// HTTP gateway copies the X-Custody-Principal header into it. The claim is
// only as trustworthy as the PrincipalVerifier behind it.
const PrincipalMetadataKey = "x-custody-principal"

// RecordLister serves the persisted record history.
type RecordLister interface {
	ListRecords(ctx context.Context, f query.Filter) (*query.RecordPage, error)
}

// CustodyServer is the custody.v1.Custody service.
type CustodyServer interface {
	Deposit(context.Context, *DepositRequest) (*RecordReply, error)
	Withdraw(context.Context, *WithdrawRequest) (*RecordReply, error)
	Admit(context.Context, *AdmitRequest) (*RecordReply, error)
	Delist(context.Context, *DelistRequest) (*RecordReply, error)
	SetAdmissionCap(context.Context, *SetAdmissionCapRequest) (*RecordReply, error)
	SetWithdrawalCeiling(context.Context, *SetWithdrawalCeilingRequest) (*RecordReply, error)
	TransferAuthority(context.Context, *TransferAuthorityRequest) (*RecordReply, error)
	GetBalance(context.Context, *GetBalanceRequest) (*BalanceReply, error)
	GetPolicy(context.Context, *GetPolicyRequest) (*PolicyReply, error)
	GetAsset(context.Context, *GetAssetRequest) (*AssetReply, error)
	QuoteUSD(context.Context, *QuoteUSDRequest) (*QuoteReply, error)
	ListRecords(context.Context, *ListRecordsRequest) (*query.RecordPage, error)
}

// CustodyService adapts the engine to the RPC surface. records may be nil,
// in which case ListRecords is unavailable.
type CustodyService struct {
	engine  *core.Engine
	records RecordLister
	verify  PrincipalVerifier
}

// ServiceOption configures a CustodyService.
type ServiceOption func(*CustodyService)

// WithPrincipalVerifier checks every claimed principal before it reaches the
// engine. Without one the principal metadata is trusted as sent.
func WithPrincipalVerifier(v PrincipalVerifier) ServiceOption {
	return func(s *CustodyService) { s.verify = v }
}

func NewCustodyService(engine *core.Engine, records RecordLister, opts ...ServiceOption) *CustodyService {
	s := &CustodyService{engine: engine, records: records}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ CustodyServer = (*CustodyService)(nil)

// --- User operations ---

func (s *CustodyService) Deposit(ctx context.Context, req *DepositRequest) (*RecordReply, error) {
	caller, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}

	if req.Asset == "" {
		value, err := parseAmount("value", req.Value)
		if err != nil {
			return nil, err
		}
		return recordOrStatus(s.engine.DepositNative(ctx, caller, value))
	}

	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	return recordOrStatus(s.engine.DepositAsset(ctx, caller, asset, amount))
}

func (s *CustodyService) Withdraw(ctx context.Context, req *WithdrawRequest) (*RecordReply, error) {
	caller, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}

	if req.Asset == "" {
		return recordOrStatus(s.engine.WithdrawNative(ctx, caller, amount))
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	return recordOrStatus(s.engine.WithdrawAsset(ctx, caller, asset, amount))
}

// --- Admin operations ---

func (s *CustodyService) Admit(ctx context.Context, req *AdmitRequest) (*RecordReply, error) {
	caller, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	return recordOrStatus(s.engine.Admit(ctx, caller, asset, req.Oracle))
}

func (s *CustodyService) Delist(ctx context.Context, req *DelistRequest) (*RecordReply, error) {
	caller, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		return nil, err
	}
	return recordOrStatus(s.engine.Delist(ctx, caller, asset))
}

func (s *CustodyService) SetAdmissionCap(ctx context.Context, req *SetAdmissionCapRequest) (*RecordReply, error) {
	caller, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	v, err := parseUSD("cap_usd", req.CapUSD)
	if err != nil {
		return nil, err
	}
	return recordOrStatus(s.engine.SetAdmissionCap(ctx, caller, v))
}

func (s *CustodyService) SetWithdrawalCeiling(ctx context.Context, req *SetWithdrawalCeilingRequest) (*RecordReply, error) {
	caller, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	v, err := parseUSD("ceiling_usd", req.CeilingUSD)
	if err != nil {
		return nil, err
	}
	return recordOrStatus(s.engine.SetWithdrawalCeiling(ctx, caller, v))
}

func (s *CustodyService) TransferAuthority(ctx context.Context, req *TransferAuthorityRequest) (*RecordReply, error) {
	caller, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	// The zero address parses; the engine rejects it as InvalidAuthority.
	next, err := parseAddress("next", req.Next)
	if err != nil {
		return nil, err
	}
	return recordOrStatus(s.engine.TransferAuthority(ctx, caller, next))
}

// --- Reads ---

func (s *CustodyService) GetBalance(ctx context.Context, req *GetBalanceRequest) (*BalanceReply, error) {
	asset, err := parseOptionalAsset(req.Asset)
	if err != nil {
		return nil, err
	}
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	return &BalanceReply{
		Asset:    asset.Hex(),
		Owner:    owner.Hex(),
		Balance:  s.engine.BalanceOf(asset, owner).Dec(),
		Sequence: s.engine.Sequence(),
	}, nil
}

func (s *CustodyService) GetPolicy(ctx context.Context, _ *GetPolicyRequest) (*PolicyReply, error) {
	return newPolicyReply(s.engine.Summary()), nil
}

func (s *CustodyService) GetAsset(ctx context.Context, req *GetAssetRequest) (*AssetReply, error) {
	asset, err := parseOptionalAsset(req.Asset)
	if err != nil {
		return nil, err
	}
	entry, ok := s.engine.Asset(asset)
	return newAssetReply(asset.Hex(), entry, ok), nil
}

func (s *CustodyService) QuoteUSD(ctx context.Context, req *QuoteUSDRequest) (*QuoteReply, error) {
	asset, err := parseOptionalAsset(req.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	q, err := s.engine.Quote(ctx, asset)
	if err != nil {
		return nil, toStatus(err)
	}
	value, err := q.Value(amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return newQuoteReply(q, amount, value), nil
}

func (s *CustodyService) ListRecords(ctx context.Context, req *ListRecordsRequest) (*query.RecordPage, error) {
	if s.records == nil {
		return nil, status.Error(codes.Unavailable, "record history is not configured")
	}

	f := query.Filter{AfterSequence: req.AfterSequence, Limit: req.Limit}
	if req.Owner != "" {
		owner, err := parseAddress("owner", req.Owner)
		if err != nil {
			return nil, err
		}
		f.Owner = &owner
	}
	if req.Asset != "" {
		asset, err := parseAddress("asset", req.Asset)
		if err != nil {
			return nil, err
		}
		f.Asset = &asset
	}
	if req.Type != "" {
		rt, err := event.ParseRecordType(req.Type)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid type: %v", err)
		}
		f.Type = &rt
	}

	page, err := s.records.ListRecords(ctx, f)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "list records: %v", err)
	}
	return page, nil
}

// --- helpers ---

func (s *CustodyService) principal(ctx context.Context) (common.Address, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(PrincipalMetadataKey)
	if len(values) == 0 || values[0] == "" {
		return common.Address{}, status.Errorf(codes.Unauthenticated, "%s is required", PrincipalMetadataKey)
	}
	if !common.IsHexAddress(values[0]) {
		return common.Address{}, status.Errorf(codes.Unauthenticated, "invalid principal %q", values[0])
	}
	caller := common.HexToAddress(values[0])
	if s.verify != nil {
		if err := s.verify(ctx, caller); err != nil {
			return common.Address{}, status.Errorf(codes.Unauthenticated, "principal %s: %v", caller.Hex(), err)
		}
	}
	return caller, nil
}

func parseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "invalid %s %q", field, s)
	}
	return common.HexToAddress(s), nil
}

// parseOptionalAsset treats an empty asset, or "native", as the native unit.
func parseOptionalAsset(s string) (common.Address, error) {
	if s == "" || strings.EqualFold(s, "native") {
		return common.Address{}, nil
	}
	return parseAddress("asset", s)
}

func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := fpmath.ParseAmount(s)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
	}
	return v, nil
}

func parseUSD(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	v, err := fpmath.ParseUSD(s)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
	}
	return v, nil
}

func recordOrStatus(rec event.Record, err error) (*RecordReply, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return newRecordReply(rec), nil
}

// toStatus converts an engine error into a gRPC status carrying the domain
// code in its message.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return status.Error(errs.GRPCCode(e.Code), err.Error())
	}
	return status.Error(codes.Internal, fmt.Sprintf("internal: %v", err))
}
