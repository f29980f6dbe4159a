package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/approval"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/keystore"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/securefile"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/signer"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/store"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/window"
)

const chainID = 11155111

type fakeChain struct {
	mu         sync.Mutex
	nonce      uint64
	fillErr    error
	failFrom   int // broadcasts beyond this many fail; 0 never fails
	broadcasts []*types.Transaction
}

func (f *fakeChain) Fill(_ context.Context, id uint64, _ common.Address, fields protocol.TxFields) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fillErr != nil {
		return nil, f.fillErr
	}
	nonce := f.nonce
	if fields.Nonce != "" {
		nonce = hexutil.MustDecodeUint64(fields.Nonce)
	}
	to := common.HexToAddress(fields.To)
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(id),
		Nonce:     nonce,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	}), nil
}

func (f *fakeChain) Broadcast(_ context.Context, _ uint64, tx *types.Transaction) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFrom > 0 && len(f.broadcasts) >= f.failFrom {
		return common.Hash{}, protocol.ErrBroadcastFailure
	}
	f.broadcasts = append(f.broadcasts, tx)
	return tx.Hash(), nil
}

func (f *fakeChain) Call(context.Context, uint64, string, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`"0x10"`), nil
}

type harness struct {
	c        *Coordinator
	state    *store.State
	keys     *keystore.Store
	windows  *window.Registry
	tabs     *TabFeed
	chain    *fakeChain
	selected common.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	keys := keystore.New(filepath.Join(t.TempDir(), keystore.VaultFile), securefile.Options{
		KDF: securefile.Envelope{Version: 1, ArgonTime: 1, ArgonMemory: 1024, ArgonThreads: 1, ArgonKeyLen: 32},
	})
	require.NoError(t, keys.Unlock([]byte("pw")))
	acct, err := keys.GetSelectedAccount()
	require.NoError(t, err)

	h := &harness{
		state:    store.NewState(store.NewMemoryKV()),
		keys:     keys,
		windows:  window.NewRegistry(1440),
		tabs:     NewTabFeed(),
		chain:    &fakeChain{nonce: 4},
		selected: acct.Address,
	}
	h.c, err = New(Config{CreationRetryDelay: 5 * time.Millisecond, DefaultChainID: chainID}, Deps{
		State:    h.state,
		Accounts: keys,
		Signers:  signer.NewSelector(keys, nil),
		Chain:    h.chain,
		Windows:  h.windows,
		Pusher:   h.tabs,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) listen(t *testing.T, tabID int) chan protocol.Push {
	t.Helper()
	ch := make(chan protocol.Push, 8)
	sub := h.tabs.Subscribe(tabID, ch)
	t.Cleanup(sub.Unsubscribe)
	return ch
}

func expectPush(t *testing.T, ch chan protocol.Push) protocol.Push {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("push not delivered")
		return protocol.Push{}
	}
}

func expectNoPush(t *testing.T, ch chan protocol.Push) {
	t.Helper()
	select {
	case p := <-ch:
		t.Fatalf("unexpected push %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func tab(id int, origin string) protocol.Sender {
	return protocol.Sender{TabID: id, Origin: origin}
}

func TestConnectApproveCreatesGrant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pushes := h.listen(t, 1)

	reply := h.c.Handle(ctx, tab(1, "https://a.xyz"), protocol.ConnectDapp{Origin: "https://a.xyz", Name: "A"})
	require.True(t, reply.Success, reply.Error)
	require.True(t, reply.Pending)
	assert.False(t, reply.WindowFocused)
	require.Len(t, h.windows.Open(), 1)

	kind, id, err := approval.ParseURL(h.windows.Open()[0].URL)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindConnection, kind)
	assert.Equal(t, reply.RequestID, id)

	// the same origin asking again reuses the request
	again := h.c.Handle(ctx, tab(1, "https://a.xyz"), protocol.ConnectDapp{Origin: "https://a.xyz"})
	assert.Equal(t, reply.RequestID, again.RequestID)
	assert.True(t, again.WindowFocused)

	out := h.c.Handle(ctx, protocol.Sender{}, protocol.ApproveConnection{RequestID: reply.RequestID})
	require.True(t, out.Success, out.Error)
	var accounts []string
	require.NoError(t, out.DecodeResult(&accounts))
	assert.Equal(t, []string{h.selected.Hex()}, accounts)

	p := expectPush(t, pushes)
	assert.Equal(t, protocol.PushConnectApproved, p.Type)
	assert.Equal(t, reply.RequestID, p.RequestID)

	g, err := h.state.Grant(ctx, "https://a.xyz")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, h.selected.Hex(), g.Account)
	assert.Empty(t, h.windows.Open())
}

func TestExistingGrantAnswersWithoutWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.state.PutGrant(ctx, protocol.ConnectionGrant{Origin: "https://a.xyz", Account: h.selected.Hex()}))

	reply := h.c.Handle(ctx, tab(1, "https://a.xyz"), protocol.ConnectDapp{Origin: "https://a.xyz", Silent: true})
	require.True(t, reply.Success)
	assert.True(t, reply.AlreadyConnected)
	assert.False(t, reply.Pending)
	assert.Empty(t, h.windows.Open())

	silent := h.c.Handle(ctx, tab(2, "https://b.xyz"), protocol.ConnectDapp{Silent: true})
	require.True(t, silent.Success)
	assert.JSONEq(t, `[]`, string(silent.Result))
	assert.Empty(t, h.windows.Open())

	reconnect := h.c.Handle(ctx, tab(1, "https://a.xyz"), protocol.ConnectDapp{Origin: "https://a.xyz", Reconnect: true})
	assert.True(t, reconnect.Pending)
	assert.Len(t, h.windows.Open(), 1)
}

func TestRequestsQueueBehindOneWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pushA := h.listen(t, 1)

	sig := h.c.Handle(ctx, tab(1, "https://a.xyz"), protocol.SignMessage{Message: "hello"})
	require.True(t, sig.Pending)
	tx := h.c.Handle(ctx, tab(2, "https://b.xyz"), protocol.SendTransaction{
		Transaction: protocol.TxFields{To: "0x00000000000000000000000000000000000000b0"},
	})
	require.True(t, tx.Pending)
	assert.True(t, tx.WindowFocused)
	require.Len(t, h.windows.Open(), 1)

	_, kind, shown, ok := h.c.Displayed()
	require.True(t, ok)
	assert.Equal(t, protocol.KindSignature, kind)
	assert.Equal(t, sig.RequestID, shown)

	out := h.c.Handle(ctx, protocol.Sender{}, protocol.ApproveSignature{RequestID: sig.RequestID})
	require.True(t, out.Success, out.Error)
	p := expectPush(t, pushA)
	assert.Equal(t, protocol.PushSignatureApproved, p.Type)

	// the transaction is still queued and gets its own window
	open := h.windows.Open()
	require.Len(t, open, 1)
	kind, id, err := approval.ParseURL(open[0].URL)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindTransaction, kind)
	assert.Equal(t, tx.RequestID, id)
}

func TestApproveTwiceIsNotFound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pushes := h.listen(t, 1)

	sig := h.c.Handle(ctx, tab(1, "https://a.xyz"), protocol.SignMessage{Message: "0x68656c6c6f"})
	_, err := h.c.Approve(ctx, protocol.KindSignature, sig.RequestID, protocol.ApproveOptions{})
	require.NoError(t, err)
	expectPush(t, pushes)

	pending, err := h.state.Pending(ctx)
	require.NoError(t, err)

	_, err = h.c.Approve(ctx, protocol.KindSignature, sig.RequestID, protocol.ApproveOptions{})
	assert.ErrorIs(t, err, protocol.ErrNotFound)
	expectNoPush(t, pushes)

	after, err := h.state.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, pending, after)
}

func TestMismatchedIDLeavesRequestUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pushes := h.listen(t, 1)

	sig := h.c.Handle(ctx, tab(1, "https://a.xyz"), protocol.SignMessage{Message: "hi"})
	reply := h.c.Handle(ctx, protocol.Sender{}, protocol.ApproveSignature{RequestID: "sign_999"})
	assert.False(t, reply.Success)
	assert.Equal(t, protocol.CodeNotFound, reply.Code)
	expectNoPush(t, pushes)

	req, err := h.state.Get(ctx, protocol.KindSignature, sig.RequestID)
	require.NoError(t, err)
	assert.Equal(t, sig.RequestID, req.ID)
	assert.Len(t, h.windows.Open(), 1)
}

func TestCloseWithoutDecisionRejects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	pushes := h.listen(t, 3)

	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx) }()

	tx := h.c.Handle(ctx, tab(3, "https://a.xyz"), protocol.SendTransaction{
		Transaction: protocol.TxFields{To: "0x00000000000000000000000000000000000000b0"},
	})
	require.True(t, tx.Pending)
	conn := h.c.Handle(ctx, tab(3, "https://a.xyz"), protocol.ConnectDapp{Origin: "https://a.xyz"})
	require.True(t, conn.Pending)

	id, _, _, ok := h.c.Displayed()
	require.True(t, ok)
	require.NoError(t, h.windows.Close(ctx, id))

	p := expectPush(t, pushes)
	assert.Equal(t, protocol.PushTransactionRejected, p.Type)
	assert.Equal(t, tx.RequestID, p.RequestID)

	_, err := h.state.Get(ctx, protocol.KindTransaction, tx.RequestID)
	assert.ErrorIs(t, err, protocol.ErrNotFound)

	// the queued connection gets a fresh window; closing that one is silent
	require.Eventually(t, func() bool { return len(h.windows.Open()) == 1 }, time.Second, 5*time.Millisecond)
	id, kind, _, ok := h.c.Displayed()
	require.True(t, ok)
	assert.Equal(t, protocol.KindConnection, kind)
	require.NoError(t, h.windows.Close(ctx, id))
	expectNoPush(t, pushes)

	require.Eventually(t, func() bool {
		st, err := h.c.PendingStatus(ctx, protocol.KindConnection, conn.RequestID)
		return err == nil && !st.Pending && st.Outcome != nil && !st.Outcome.Approved
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestLockedWalletKeepsRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sig := h.c.Handle(ctx, tab(1, "https://a.xyz"), protocol.SignMessage{Message: "hi"})
	h.keys.Lock()

	reply := h.c.Handle(ctx, protocol.Sender{}, protocol.ApproveSignature{RequestID: sig.RequestID})
	assert.Equal(t, protocol.CodeWalletLocked, reply.Code)

	_, err := h.state.Get(ctx, protocol.KindSignature, sig.RequestID)
	require.NoError(t, err)

	require.NoError(t, h.keys.Unlock([]byte("pw")))
	reply = h.c.Handle(ctx, protocol.Sender{}, protocol.ApproveSignature{RequestID: sig.RequestID})
	assert.True(t, reply.Success, reply.Error)
}

func TestForeignAddressIsWalletLocked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sig := h.c.Handle(ctx, tab(1, "https://a.xyz"), protocol.SignMessage{
		Message: "hi",
		Address: "0x00000000000000000000000000000000000000c1",
	})
	require.True(t, sig.Pending)

	_, err := h.c.Approve(ctx, protocol.KindSignature, sig.RequestID, protocol.ApproveOptions{})
	assert.ErrorIs(t, err, protocol.ErrWalletLocked)
}

func TestTransactionApproval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	send := h.c.Handle(ctx, tab(1, "https://a.xyz"), protocol.SendTransaction{
		Transaction: protocol.TxFields{To: "0x00000000000000000000000000000000000000b0"},
	})
	res, err := h.c.Approve(ctx, protocol.KindTransaction, send.RequestID, protocol.ApproveOptions{
		Transaction: &protocol.TxFields{To: "0x00000000000000000000000000000000000000b1", Nonce: "0x9"},
	})
	require.NoError(t, err)
	require.Len(t, h.chain.broadcasts, 1)
	sent := h.chain.broadcasts[0]
	assert.JSONEq(t, `"`+sent.Hash().Hex()+`"`, string(res))
	assert.Equal(t, uint64(9), sent.Nonce())
	assert.Equal(t, common.HexToAddress("0xb1"), *sent.To())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(chainID)), sent)
	require.NoError(t, err)
	assert.Equal(t, h.selected, from)

	signOnly := h.c.Handle(ctx, tab(1, "https://a.xyz"), protocol.SignTransaction{
		Transaction: protocol.TxFields{To: "0x00000000000000000000000000000000000000b0"},
	})
	res, err = h.c.Approve(ctx, protocol.KindTransaction, signOnly.RequestID, protocol.ApproveOptions{})
	require.NoError(t, err)
	var raw string
	require.NoError(t, json.Unmarshal(res, &raw))
	decoded := new(types.Transaction)
	require.NoError(t, decoded.UnmarshalBinary(hexutil.MustDecode(raw)))
	assert.Len(t, h.chain.broadcasts, 1)
}

func TestBroadcastFailureKeepsRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.chain.fillErr = protocol.ErrBroadcastFailure

	send := h.c.Handle(ctx, tab(1, "https://a.xyz"), protocol.SendTransaction{
		Transaction: protocol.TxFields{To: "0x00000000000000000000000000000000000000b0"},
	})
	reply := h.c.Handle(ctx, protocol.Sender{}, protocol.ApproveTransaction{RequestID: send.RequestID})
	assert.Equal(t, protocol.CodeBroadcastFailure, reply.Code)

	st, err := h.c.PendingStatus(ctx, protocol.KindTransaction, send.RequestID)
	require.NoError(t, err)
	assert.True(t, st.Pending)
	assert.Len(t, h.windows.Open(), 1)

	h.chain.fillErr = nil
	reply = h.c.Handle(ctx, protocol.Sender{}, protocol.ApproveTransaction{RequestID: send.RequestID})
	assert.True(t, reply.Success, reply.Error)
}

func TestBatchedCalls(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pushes := h.listen(t, 1)

	reply := h.c.Handle(ctx, tab(1, "https://a.xyz"), protocol.SendCalls{Calls: []protocol.Call{
		{To: "0x00000000000000000000000000000000000000b0"},
		{To: "0x00000000000000000000000000000000000000b1", Data: "0x01"},
	}})
	require.True(t, reply.Pending)

	empty := h.c.Handle(ctx, tab(1, "https://a.xyz"), protocol.SendCalls{})
	assert.Equal(t, protocol.CodeInvalidRequest, empty.Code)

	out := h.c.Handle(ctx, protocol.Sender{}, protocol.ApproveCalls{RequestID: reply.RequestID})
	require.True(t, out.Success, out.Error)

	var res protocol.CallsResult
	require.NoError(t, out.DecodeResult(&res))
	assert.Equal(t, reply.RequestID, res.ID)
	require.Len(t, res.TransactionHashes, 2)
	require.Len(t, h.chain.broadcasts, 2)
	assert.Equal(t, uint64(4), h.chain.broadcasts[0].Nonce())
	assert.Equal(t, uint64(5), h.chain.broadcasts[1].Nonce())

	p := expectPush(t, pushes)
	assert.Equal(t, protocol.PushCallsApproved, p.Type)
}

func TestBatchedCallsSettleAfterPartialBroadcast(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.chain.failFrom = 1
	calls := []protocol.Call{
		{To: "0x00000000000000000000000000000000000000b0"},
		{To: "0x00000000000000000000000000000000000000b1"},
		{To: "0x00000000000000000000000000000000000000b2"},
	}

	reply := h.c.Handle(ctx, tab(1, "https://a.xyz"), protocol.SendCalls{Calls: calls})
	require.True(t, reply.Pending)

	out := h.c.Handle(ctx, protocol.Sender{}, protocol.ApproveCalls{RequestID: reply.RequestID})
	require.True(t, out.Success, out.Error)
	var res protocol.CallsResult
	require.NoError(t, out.DecodeResult(&res))
	assert.Len(t, res.TransactionHashes, 1)

	_, err := h.c.GetPending(ctx, protocol.KindBatchedCalls, reply.RequestID)
	assert.ErrorIs(t, err, protocol.ErrNotFound)

	// nothing sent yet: the request stays for a retry
	h2 := newHarness(t)
	h2.chain.fillErr = protocol.ErrBroadcastFailure
	reply = h2.c.Handle(ctx, tab(1, "https://a.xyz"), protocol.SendCalls{Calls: calls})
	require.True(t, reply.Pending)
	out = h2.c.Handle(ctx, protocol.Sender{}, protocol.ApproveCalls{RequestID: reply.RequestID})
	assert.Equal(t, protocol.CodeBroadcastFailure, out.Code)
	assert.Empty(t, h2.chain.broadcasts)
	_, err = h2.c.GetPending(ctx, protocol.KindBatchedCalls, reply.RequestID)
	assert.NoError(t, err)
}

func TestRejectWithoutListenerSucceeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	sig := h.c.Handle(ctx, tab(42, "https://a.xyz"), protocol.SignMessage{Message: "hi"})
	reply := h.c.Handle(ctx, protocol.Sender{}, protocol.RejectSignature{RequestID: sig.RequestID})
	assert.True(t, reply.Success, reply.Error)

	st, err := h.c.PendingStatus(ctx, protocol.KindSignature, sig.RequestID)
	require.NoError(t, err)
	assert.False(t, st.Pending)
	require.NotNil(t, st.Outcome)
	assert.False(t, st.Outcome.Approved)
	assert.Empty(t, h.windows.Open())
}

func TestConcurrentAdmissionsOpenOneWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	events := make(chan window.Event, 64)
	sub := h.windows.SubscribeEvents(events)
	defer sub.Unsubscribe()

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var msg protocol.Message = protocol.SignMessage{Message: "m"}
			if i%3 == 0 {
				msg = protocol.SendTransaction{Transaction: protocol.TxFields{To: "0x00000000000000000000000000000000000000b0"}}
			}
			r := h.c.Handle(ctx, tab(i+1, "https://a.xyz"), msg)
			assert.True(t, r.Pending, r.Error)
		}(i)
	}
	wg.Wait()

	assert.Len(t, h.windows.Open(), 1)
	opened := 0
	for len(events) > 0 {
		if e := <-events; e.Type == window.EventOpened {
			opened++
		}
	}
	assert.Equal(t, 1, opened)

	pending, err := h.state.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 12)
}

func TestCloseBeforeRunIsNotLost(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	pushes := h.listen(t, 2)

	sig := h.c.Handle(ctx, tab(2, "https://b.xyz"), protocol.SignMessage{Message: "gm"})
	require.True(t, sig.Pending)
	id, _, _, ok := h.c.Displayed()
	require.True(t, ok)
	require.NoError(t, h.windows.Close(ctx, id))
	assert.ErrorIs(t, h.windows.Close(ctx, id), window.ErrNoWindow)

	go func() { _ = h.c.Run(ctx) }()

	p := expectPush(t, pushes)
	assert.Equal(t, protocol.PushSignatureRejected, p.Type)
	assert.Equal(t, sig.RequestID, p.RequestID)

	st, err := h.c.PendingStatus(ctx, protocol.KindSignature, sig.RequestID)
	require.NoError(t, err)
	assert.False(t, st.Pending)
	require.NotNil(t, st.Outcome)
	assert.False(t, st.Outcome.Approved)
}

// deafWindows never reports closes.
type deafWindows struct {
	*window.Registry
}

func (deafWindows) SubscribeClosed(chan<- window.ID) event.Subscription {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	})
}

func TestStaleWindowRejectsItsRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pushes := h.listen(t, 1)
	c, err := New(Config{}, Deps{State: h.state, Accounts: h.keys, Signers: signer.NewSelector(h.keys, nil), Windows: deafWindows{h.windows}, Pusher: h.tabs})
	require.NoError(t, err)

	first := c.Handle(ctx, tab(1, "https://a.xyz"), protocol.SignMessage{Message: "a"})
	require.True(t, first.Pending)
	firstID, _, _, _ := c.Displayed()
	require.NoError(t, h.windows.Close(ctx, firstID))

	second := c.Handle(ctx, tab(1, "https://a.xyz"), protocol.SignMessage{Message: "b"})
	require.True(t, second.Pending)
	assert.False(t, second.WindowFocused)

	p := expectPush(t, pushes)
	assert.Equal(t, protocol.PushSignatureRejected, p.Type)
	assert.Equal(t, first.RequestID, p.RequestID)

	_, err = c.GetPending(ctx, protocol.KindSignature, first.RequestID)
	assert.ErrorIs(t, err, protocol.ErrNotFound)

	secondID, kind, requestID, ok := c.Displayed()
	require.True(t, ok)
	assert.NotEqual(t, firstID, secondID)
	assert.Equal(t, protocol.KindSignature, kind)
	assert.Equal(t, second.RequestID, requestID)
}

type flakyWindows struct {
	*window.Registry
	existsErr error
}

func (f *flakyWindows) Exists(ctx context.Context, id window.ID) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.Registry.Exists(ctx, id)
}

func TestWindowProbeFailsOpen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	flaky := &flakyWindows{Registry: h.windows}
	c, err := New(Config{}, Deps{State: h.state, Accounts: h.keys, Signers: signer.NewSelector(h.keys, nil), Windows: flaky, Pusher: h.tabs})
	require.NoError(t, err)

	first := c.Handle(ctx, tab(1, "https://a.xyz"), protocol.SignMessage{Message: "a"})
	require.True(t, first.Pending)
	firstID, _, _, _ := c.Displayed()

	flaky.existsErr = errors.New("window api unavailable")
	second := c.Handle(ctx, tab(1, "https://a.xyz"), protocol.SignMessage{Message: "b"})
	require.True(t, second.Pending)
	assert.False(t, second.WindowFocused)

	secondID, _, _, _ := c.Displayed()
	assert.NotEqual(t, firstID, secondID)
}

type panickySigners struct{}

func (panickySigners) Select(context.Context, common.Address) (*signer.Selection, error) {
	panic("chip bridge exploded")
}

func TestHandleRecoversPanics(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c, err := New(Config{}, Deps{State: h.state, Accounts: h.keys, Signers: panickySigners{}, Windows: h.windows, Pusher: h.tabs})
	require.NoError(t, err)

	sig := c.Handle(ctx, tab(1, "https://a.xyz"), protocol.SignMessage{Message: "a"})
	reply := c.Handle(ctx, protocol.Sender{}, protocol.ApproveSignature{RequestID: sig.RequestID})
	assert.False(t, reply.Success)
	assert.Equal(t, protocol.CodeInternal, reply.Code)
	assert.Contains(t, reply.Error, "chip bridge exploded")

	// the failed decision released the lock
	reject := c.Handle(ctx, protocol.Sender{}, protocol.RejectSignature{RequestID: sig.RequestID})
	assert.True(t, reject.Success, reject.Error)

	unknown := c.Handle(ctx, protocol.Sender{}, nil)
	assert.Equal(t, protocol.CodeInvalidRequest, unknown.Code)
}

func TestGrantsFollowSelectedAccount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	require.NoError(t, h.state.PutGrant(ctx, protocol.ConnectionGrant{Origin: "https://a.xyz", Account: h.selected.Hex()}))

	go func() { _ = h.c.Run(ctx) }()

	slot := 1
	chip := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	require.NoError(t, h.keys.AddAccount(keystore.Account{Address: chip, Type: keystore.TypeChip, ChipSlot: &slot}, nil))
	require.NoError(t, h.keys.SelectAccount(chip))

	require.Eventually(t, func() bool {
		g, err := h.state.Grant(ctx, "https://a.xyz")
		return err == nil && g != nil && g.Account == chip.Hex()
	}, time.Second, 5*time.Millisecond)
}

func TestRPCPassthrough(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	r := h.c.Handle(ctx, protocol.Sender{}, protocol.RPCRequest{Method: "eth_chainId"})
	require.True(t, r.Success)
	assert.JSONEq(t, `"0xaa36a7"`, string(r.Result))

	r = h.c.Handle(ctx, protocol.Sender{}, protocol.RPCRequest{Method: "eth_blockNumber", Params: json.RawMessage(`[]`)})
	require.True(t, r.Success)
	assert.JSONEq(t, `"0x10"`, string(r.Result))
}

func TestGetPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	r := h.c.Handle(ctx, protocol.Sender{}, protocol.GetPending{})
	assert.Equal(t, protocol.CodeNotFound, r.Code)

	sig := h.c.Handle(ctx, tab(1, "https://a.xyz"), protocol.SignMessage{Message: "a"})
	r = h.c.Handle(ctx, protocol.Sender{}, protocol.GetPending{Kind: protocol.KindSignature, RequestID: sig.RequestID})
	require.True(t, r.Success)
	var req protocol.PendingRequest
	require.NoError(t, r.DecodeResult(&req))
	assert.Equal(t, sig.RequestID, req.ID)
	assert.Equal(t, "https://a.xyz", req.Origin)
	assert.Equal(t, 1, req.TabID)
}
