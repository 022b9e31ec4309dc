package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go"
)

const (
	SubjectTransferIn    = "custody.transfer.in"
	SubjectTransferOut   = "custody.transfer.out"
	SubjectAssetDecimals = "custody.asset.decimals"

	DefaultRequestTimeout = 10 * time.Second

	// transferAttempts bounds how often an unanswered transfer is re-sent
	// under the same TransferID.
	transferAttempts = 2
)

// ErrOutcomeUnknown reports a transfer that never got a reply. The custody
// service may still have executed it; reconcile by TransferID.
var ErrOutcomeUnknown = errors.New("transfer outcome unknown")

// TransferRequest is the wire form of a transfer. The custody service must
// execute each TransferID at most once and answer a replay with the
// original outcome.
type TransferRequest struct {
	TransferID string `json:"transfer_id"`
	Asset      string `json:"asset"`
	Account    string `json:"account"`
	Amount     string `json:"amount"`
}

// TransferReply is the custody service's answer to a transfer.
type TransferReply struct {
	OK       bool   `json:"ok"`
	Received string `json:"received,omitempty"`
	Error    string `json:"error,omitempty"`
}

// DecimalsRequest asks for the precision of an asset.
type DecimalsRequest struct {
	Asset string `json:"asset"`
}

// DecimalsReply carries an asset's precision.
type DecimalsReply struct {
	OK       bool   `json:"ok"`
	Decimals uint8  `json:"decimals"`
	Error    string `json:"error,omitempty"`
}

// NATSGateway talks to the custody service over NATS request/reply.
type NATSGateway struct {
	nc      *nats.Conn
	timeout time.Duration
}

func NewNATSGateway(nc *nats.Conn, timeout time.Duration) *NATSGateway {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &NATSGateway{nc: nc, timeout: timeout}
}

func (g *NATSGateway) TransferIn(ctx context.Context, asset, from common.Address, amount *uint256.Int) (*uint256.Int, error) {
	var reply TransferReply
	if err := g.transfer(ctx, SubjectTransferIn, newTransferRequest(asset, from, amount), &reply); err != nil {
		return nil, err
	}
	if !reply.OK {
		return nil, fmt.Errorf("custody rejected transfer in: %s", reply.Error)
	}
	received, err := uint256.FromDecimal(reply.Received)
	if err != nil {
		return nil, fmt.Errorf("custody reply: invalid received %q: %w", reply.Received, err)
	}
	return received, nil
}

func (g *NATSGateway) TransferOut(ctx context.Context, asset, to common.Address, amount *uint256.Int) error {
	var reply TransferReply
	if err := g.transfer(ctx, SubjectTransferOut, newTransferRequest(asset, to, amount), &reply); err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("custody rejected transfer out: %s", reply.Error)
	}
	return nil
}

// Decimals implements oracle.DecimalsSource.
func (g *NATSGateway) Decimals(ctx context.Context, asset common.Address) (uint8, error) {
	var reply DecimalsReply
	if err := g.request(ctx, SubjectAssetDecimals, DecimalsRequest{Asset: asset.Hex()}, &reply); err != nil {
		return 0, err
	}
	if !reply.OK {
		return 0, fmt.Errorf("custody decimals of %s: %s", asset.Hex(), reply.Error)
	}
	return reply.Decimals, nil
}

// transfer sends req and re-sends it under the same TransferID while no
// reply arrives. Giving up yields ErrOutcomeUnknown.
func (g *NATSGateway) transfer(ctx context.Context, subject string, req TransferRequest, reply *TransferReply) error {
	var err error
	for attempt := 0; attempt < transferAttempts; attempt++ {
		err = g.request(ctx, subject, req, reply)
		if !errors.Is(err, errNoReply) || ctx.Err() != nil {
			break
		}
	}
	if errors.Is(err, errNoReply) {
		return fmt.Errorf("%w: %s %s: %v", ErrOutcomeUnknown, subject, req.TransferID, err)
	}
	return err
}

var errNoReply = errors.New("no reply")

func (g *NATSGateway) request(ctx context.Context, subject string, req, reply any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", subject, err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	msg, err := g.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return fmt.Errorf("%s: %w within %s", subject, errNoReply, g.timeout)
		}
		return fmt.Errorf("%s request: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("decode %s reply: %w", subject, err)
	}
	return nil
}

func newTransferRequest(asset, account common.Address, amount *uint256.Int) TransferRequest {
	return TransferRequest{
		TransferID: uuid.NewString(),
		Asset:      asset.Hex(),
		Account:    account.Hex(),
		Amount:     amount.Dec(),
	}
}
