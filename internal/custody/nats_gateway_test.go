package custody_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"CustodyLedger/internal/custody"
	"CustodyLedger/internal/testutil"

	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go"
)

func TestNATSGateway_RequestReply(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, err := nats.Connect(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	inSub, err := nc.Subscribe(custody.SubjectTransferIn, func(msg *nats.Msg) {
		var req custody.TransferRequest
		json.Unmarshal(msg.Data, &req)
		reply, _ := json.Marshal(custody.TransferReply{OK: true, Received: req.Amount})
		msg.Respond(reply)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer inSub.Unsubscribe()

	outSub, _ := nc.Subscribe(custody.SubjectTransferOut, func(msg *nats.Msg) {
		reply, _ := json.Marshal(custody.TransferReply{OK: false, Error: "frozen"})
		msg.Respond(reply)
	})
	defer outSub.Unsubscribe()

	decSub, _ := nc.Subscribe(custody.SubjectAssetDecimals, func(msg *nats.Msg) {
		reply, _ := json.Marshal(custody.DecimalsReply{OK: true, Decimals: 6})
		msg.Respond(reply)
	})
	defer decSub.Unsubscribe()

	g := custody.NewNATSGateway(nc, 2*time.Second)
	ctx := context.Background()

	received, err := g.TransferIn(ctx, token, alice, uint256.NewInt(777))
	if err != nil {
		t.Fatalf("TransferIn: %v", err)
	}
	if received.Uint64() != 777 {
		t.Errorf("received: got %s, want 777", received)
	}

	if err := g.TransferOut(ctx, token, alice, uint256.NewInt(1)); err == nil {
		t.Error("rejected transfer out should fail")
	}

	d, err := g.Decimals(ctx, token)
	if err != nil || d != 6 {
		t.Errorf("Decimals: got %d, %v", d, err)
	}
}

func TestNATSGateway_ReplaysUnansweredTransfer(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, err := nats.Connect(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	var (
		mu  sync.Mutex
		ids []string
	)
	sub, err := nc.Subscribe(custody.SubjectTransferOut, func(msg *nats.Msg) {
		var req custody.TransferRequest
		json.Unmarshal(msg.Data, &req)
		mu.Lock()
		ids = append(ids, req.TransferID)
		first := len(ids) == 1
		mu.Unlock()
		if first {
			return // lost reply
		}
		reply, _ := json.Marshal(custody.TransferReply{OK: true})
		msg.Respond(reply)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	g := custody.NewNATSGateway(nc, 200*time.Millisecond)
	if err := g.TransferOut(context.Background(), token, alice, uint256.NewInt(5)); err != nil {
		t.Fatalf("TransferOut: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 2 || ids[0] == "" || ids[0] != ids[1] {
		t.Errorf("replay should reuse the transfer id, got %v", ids)
	}
}

func TestNATSGateway_NoReplyIsOutcomeUnknown(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, err := nats.Connect(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	sub, err := nc.Subscribe(custody.SubjectTransferIn, func(*nats.Msg) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	g := custody.NewNATSGateway(nc, 100*time.Millisecond)
	_, err = g.TransferIn(context.Background(), token, alice, uint256.NewInt(5))
	if !errors.Is(err, custody.ErrOutcomeUnknown) {
		t.Errorf("expected ErrOutcomeUnknown, got %v", err)
	}
}
