package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"x402mail/internal/allowance"
	"x402mail/internal/delivery"
	"x402mail/internal/escrow"
	"x402mail/internal/funds"
	"x402mail/internal/mailerr"
	"x402mail/internal/recovery"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	escrowAddr   = common.HexToAddress("0x00000000000000000000000000000000000e5c20")
	senderAddr   = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	receiverAddr = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type stubResolver struct {
	mu    sync.Mutex
	known map[string]common.Address
	err   error
	calls int
}

func (r *stubResolver) ResolveAddress(_ context.Context, email string) (common.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return common.Address{}, r.err
	}
	addr, ok := r.known[email]
	if !ok {
		return common.Address{}, delivery.ErrNotFound
	}
	return addr, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []delivery.Payload
	err      error
	onNotify func()
}

func (n *recordingNotifier) Notify(_ context.Context, p delivery.Payload) error {
	if n.onNotify != nil {
		n.onNotify()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
	return n.err
}

func (n *recordingNotifier) setErr(err error) {
	n.mu.Lock()
	n.err = err
	n.mu.Unlock()
}

func (n *recordingNotifier) sent() []delivery.Payload {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]delivery.Payload, len(n.payloads))
	copy(out, n.payloads)
	return out
}

type countingFunds struct {
	inner FundsChecker
	calls atomic.Int32
}

func (c *countingFunds) CheckSufficientFunds(ctx context.Context, account common.Address, required *big.Int) error {
	c.calls.Add(1)
	return c.inner.CheckSufficientFunds(ctx, account, required)
}

// gatedChain holds every finality wait until the gate is closed.
type gatedChain struct {
	inner     Finality
	gate      chan struct{}
	finalized atomic.Int32
}

func (g *gatedChain) WaitForFinality(ctx context.Context, tx common.Hash) error {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	err := g.inner.WaitForFinality(ctx, tx)
	g.finalized.Add(1)
	return err
}

type harness struct {
	sim      *escrow.Simulator
	account  *escrow.SimAccount
	resolver *stubResolver
	notifier *recordingNotifier
	funds    *countingFunds
	ledger   *recovery.MemoryStore
	orch     *Orchestrator
}

func newHarness(t *testing.T, tokenBalance int64, configure ...func(*Config, *Deps)) *harness {
	t.Helper()
	sim := escrow.NewSimulator(escrowAddr)
	sim.Fund(senderAddr, big.NewInt(1e18), big.NewInt(tokenBalance))
	account := sim.Account(senderAddr)

	h := &harness{
		sim:      sim,
		account:  account,
		resolver: &stubResolver{known: map[string]common.Address{"bob@example.com": receiverAddr}},
		notifier: &recordingNotifier{},
		funds:    &countingFunds{inner: funds.NewGuard(account, funds.Thresholds{}, 0, nil)},
		ledger:   recovery.NewMemoryStore(),
	}

	cfg := Config{
		Sender:             senderAddr,
		EscrowAddress:      escrowAddr,
		Network:            "base-sepolia",
		AdvisoryMinimum:    big.NewInt(5000),
		EnforceProtocolFee: true,
		SuccessTTL:         time.Hour,
	}
	deps := Deps{
		Protocol:  account,
		Chain:     account,
		Funds:     h.funds,
		Allowance: allowance.NewCoordinator(account, senderAddr, nil),
		Resolver:  h.resolver,
		Notifier:  h.notifier,
		Recovery:  h.ledger,
	}
	for _, fn := range configure {
		fn(&cfg, &deps)
	}
	h.orch = New(cfg, deps)
	return h
}

func (h *harness) preApprove(t *testing.T, amount int64) {
	t.Helper()
	tx, err := h.account.Approve(context.Background(), escrowAddr, big.NewInt(amount))
	require.NoError(t, err)
	require.NoError(t, h.account.WaitForFinality(context.Background(), tx))
}

func (h *harness) run(t *testing.T, req Request) (*Session, error) {
	t.Helper()
	s, err := h.orch.NewSession(req)
	require.NoError(t, err)
	return s, h.orch.Run(context.Background(), s)
}

func sendTo(recipient string) Request {
	return Request{Recipient: recipient, Subject: "hello", Body: "worth your time", Amount: "0.005"}
}

func TestSendWithApproval(t *testing.T) {
	h := newHarness(t, 1_000_000)

	s, err := h.run(t, sendTo(receiverAddr.Hex()))
	require.NoError(t, err)

	assert.Equal(t, []Phase{PhaseIdle, PhaseCheckingBalance, PhaseApproving, PhaseDepositing, PhaseSendingNotification, PhaseSuccess}, s.Phases())
	assert.NotEqual(t, common.Hash{}, s.ApprovalTx())
	assert.NotEqual(t, common.Hash{}, s.DepositTx())
	assert.Equal(t, int64(5000), s.Amount().Int64())

	sent := h.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, s.MessageHash().Hex(), sent[0].MessageHash)
	assert.Equal(t, s.DepositTx().Hex(), sent[0].TransactionHash)
	assert.Equal(t, receiverAddr.Hex(), sent[0].Receiver)
	assert.Equal(t, "5000", sent[0].Amount)

	msg, err := h.account.GetMessage(context.Background(), s.MessageHash())
	require.NoError(t, err)
	assert.Equal(t, receiverAddr, msg.Receiver)
	assert.Equal(t, int64(5000), msg.Amount.Int64())

	remaining, err := h.account.Allowance(context.Background(), senderAddr, escrowAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining.Int64(), "approval covers exactly the amount")
}

func TestSendResolvesEmail(t *testing.T) {
	h := newHarness(t, 1_000_000)

	s, err := h.run(t, Request{RecipientEmail: "bob@example.com", Subject: "hi", Body: "b", Amount: "0.005"})
	require.NoError(t, err)
	assert.Equal(t, PhaseResolving, s.Phases()[1])
	assert.Equal(t, receiverAddr, s.Receiver())
	assert.Equal(t, "bob@example.com", h.notifier.sent()[0].ReceiverEmail)
}

func TestSendHexAddressInEmailFieldSkipsResolution(t *testing.T) {
	h := newHarness(t, 1_000_000)

	s, err := h.run(t, Request{RecipientEmail: receiverAddr.Hex(), Subject: "hi", Body: "b", Amount: "0.005"})
	require.NoError(t, err)
	assert.NotContains(t, s.Phases(), PhaseResolving)
	assert.Equal(t, 0, h.resolver.calls)
	assert.Equal(t, receiverAddr, s.Receiver())
}

func TestZeroTokenBalanceStopsBeforeAnyTransaction(t *testing.T) {
	h := newHarness(t, 0)
	h.sim.GasCost = big.NewInt(1)
	before, err := h.account.NativeBalance(context.Background(), senderAddr)
	require.NoError(t, err)

	s, err := h.run(t, sendTo(receiverAddr.Hex()))
	require.Error(t, err)

	var shortfall *mailerr.InsufficientFundsError
	require.True(t, errors.As(err, &shortfall))
	assert.Equal(t, mailerr.AssetToken, shortfall.Asset)
	assert.Equal(t, int64(5000), shortfall.Required.Int64())
	assert.Equal(t, int64(0), shortfall.Available.Int64())

	assert.Equal(t, []Phase{PhaseIdle, PhaseCheckingBalance, PhaseError}, s.Phases())
	assert.Equal(t, common.Hash{}, s.ApprovalTx())
	assert.Equal(t, common.Hash{}, s.DepositTx())
	assert.Empty(t, h.notifier.sent())

	after, err := h.account.NativeBalance(context.Background(), senderAddr)
	require.NoError(t, err)
	assert.Equal(t, 0, before.Cmp(after), "no gas spent")

	view := s.View()
	assert.Equal(t, mailerr.KindInsufficientFunds, view.ErrorKind)
	assert.Contains(t, view.Error, "required 5000, available 0")
}

func TestSufficientAllowanceSkipsApproving(t *testing.T) {
	h := newHarness(t, 1_000_000)
	h.preApprove(t, 5000)

	s, err := h.run(t, sendTo(receiverAddr.Hex()))
	require.NoError(t, err)
	assert.Equal(t, []Phase{PhaseIdle, PhaseCheckingBalance, PhaseDepositing, PhaseSendingNotification, PhaseSuccess}, s.Phases())
	assert.Equal(t, common.Hash{}, s.ApprovalTx())
}

func TestNotificationFailureKeepsDeposit(t *testing.T) {
	h := newHarness(t, 1_000_000)
	h.notifier.setErr(errors.New("dial tcp: connection refused"))

	s, err := h.run(t, sendTo(receiverAddr.Hex()))
	require.Error(t, err)

	var nerr *mailerr.NotificationError
	require.True(t, errors.As(err, &nerr))
	assert.NotEqual(t, common.Hash{}, nerr.DepositTx)
	assert.Equal(t, s.DepositTx(), nerr.DepositTx)
	assert.Equal(t, s.MessageHash(), nerr.MessageHash)
	assert.Equal(t, PhaseError, s.Phase())
	assert.True(t, s.View().NeedsGuidance)

	rec, err := h.ledger.Get(context.Background(), s.DepositTx().Hex())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, s.MessageHash().Hex(), rec.MessageHash)
	assert.Equal(t, "worth your time", rec.Body)
	assert.Contains(t, rec.Reason, "connection refused")
}

func TestUnknownEmailFailsBeforeBalanceCheck(t *testing.T) {
	h := newHarness(t, 1_000_000)

	s, err := h.run(t, Request{RecipientEmail: "nobody@example.com", Subject: "hi", Body: "b", Amount: "0.005"})
	require.Error(t, err)

	var rerr *mailerr.ResolutionError
	require.True(t, errors.As(err, &rerr))
	assert.True(t, rerr.NotFound)
	assert.Equal(t, []Phase{PhaseIdle, PhaseResolving, PhaseError}, s.Phases())
	assert.Equal(t, int32(0), h.funds.calls.Load())
}

func TestResolverFailureIsResolutionError(t *testing.T) {
	h := newHarness(t, 1_000_000)
	h.resolver.err = errors.New("store timeout")

	_, err := h.run(t, Request{RecipientEmail: "bob@example.com", Subject: "hi", Body: "b", Amount: "0.005"})
	var rerr *mailerr.ResolutionError
	require.True(t, errors.As(err, &rerr))
	assert.False(t, rerr.NotFound)
}

func TestNotifyWaitsForDepositFinality(t *testing.T) {
	var chain *gatedChain
	h := newHarness(t, 1_000_000, func(_ *Config, d *Deps) {
		chain = &gatedChain{inner: d.Chain, gate: make(chan struct{})}
		d.Chain = chain
	})
	h.preApprove(t, 5000)

	var finalizedAtNotify int32 = -1
	h.notifier.onNotify = func() { finalizedAtNotify = chain.finalized.Load() }

	s, err := h.orch.NewSession(sendTo(receiverAddr.Hex()))
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(context.Background(), s) }()

	require.Eventually(t, func() bool {
		return s.Phase() == PhaseDepositing && s.DepositTx() != (common.Hash{})
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.notifier.sent(), "no notification while the deposit is pending")
	assert.Equal(t, PhaseDepositing, s.Phase())

	close(chain.gate)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), finalizedAtNotify)
}

func TestApprovalRejected(t *testing.T) {
	h := newHarness(t, 1_000_000)
	h.sim.FailSubmission("approve", errors.New("user rejected the request"))

	s, err := h.run(t, sendTo(receiverAddr.Hex()))
	var aerr *mailerr.ApprovalError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, []Phase{PhaseIdle, PhaseCheckingBalance, PhaseApproving, PhaseError}, s.Phases())
	assert.Equal(t, common.Hash{}, s.DepositTx())
	assert.Empty(t, h.notifier.sent())
}

func TestDepositRejectedBeforeSubmission(t *testing.T) {
	h := newHarness(t, 1_000_000)
	h.preApprove(t, 5000)
	h.sim.FailSubmission("depositPayment", errors.New("user rejected the request"))

	s, err := h.run(t, sendTo(receiverAddr.Hex()))
	var derr *mailerr.DepositError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, common.Hash{}, derr.Tx)
	assert.Equal(t, PhaseError, s.Phase())
	assert.Empty(t, h.notifier.sent())

	records, err := h.ledger.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRevertedDepositIsDepositError(t *testing.T) {
	h := newHarness(t, 1_000_000, func(c *Config, _ *Deps) {
		c.EnforceProtocolFee = false
	})

	s, err := h.run(t, Request{Recipient: receiverAddr.Hex(), Subject: "cheap", Body: "b", Amount: "0.001"})
	var derr *mailerr.DepositError
	require.True(t, errors.As(err, &derr))
	assert.NotEqual(t, common.Hash{}, derr.Tx)
	assert.ErrorIs(t, err, escrow.ErrReverted)
	assert.Equal(t, PhaseDepositing, s.Phases()[len(s.Phases())-2])
	assert.Empty(t, h.notifier.sent())
}

func TestAmountBelowProtocolFee(t *testing.T) {
	h := newHarness(t, 1_000_000)

	s, err := h.run(t, Request{Recipient: receiverAddr.Hex(), Subject: "cheap", Body: "b", Amount: "0.001"})
	var ferr *mailerr.FeeError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, int64(5000), ferr.Required.Int64())
	assert.Equal(t, int64(1000), ferr.Offered.Int64())
	assert.Equal(t, []Phase{PhaseIdle, PhaseCheckingBalance, PhaseError}, s.Phases())
	assert.Equal(t, int32(0), h.funds.calls.Load())
}

func TestAdvisoryMinimumNeverRejects(t *testing.T) {
	h := newHarness(t, 1_000_000, func(c *Config, _ *Deps) {
		c.AdvisoryMinimum = big.NewInt(50_000)
	})

	s, err := h.run(t, sendTo(receiverAddr.Hex()))
	require.NoError(t, err)
	assert.Equal(t, "50000", s.View().AdvisoryFee)
	assert.Equal(t, "5000", s.View().ProtocolFee)
}

func TestResubmissionUsesNewHash(t *testing.T) {
	h := newHarness(t, 1_000_000)
	req := sendTo(receiverAddr.Hex())

	first, err := h.orch.NewSession(req)
	require.NoError(t, err)
	second, err := h.orch.NewSession(req)
	require.NoError(t, err)
	assert.NotEqual(t, first.MessageHash(), second.MessageHash())
}

func TestNewSessionValidation(t *testing.T) {
	h := newHarness(t, 0)
	cases := []Request{
		{Subject: "s", Body: "b", Amount: "0.005"},
		{Recipient: "bob", Subject: "s", Body: "b", Amount: "0.005"},
		{Recipient: receiverAddr.Hex(), Amount: "0.005"},
		{Recipient: receiverAddr.Hex(), Subject: "s", Body: "b", Amount: "0"},
		{Recipient: receiverAddr.Hex(), Subject: "s", Body: "b", Amount: "-1"},
		{Recipient: receiverAddr.Hex(), Subject: "s", Body: "b", Amount: "abc"},
		{Recipient: receiverAddr.Hex(), Subject: "s", Body: "b", Amount: "0.0000001"},
	}
	for _, req := range cases {
		_, err := h.orch.NewSession(req)
		var invalid *mailerr.InvalidRequestError
		assert.True(t, errors.As(err, &invalid), "%+v", req)
	}
}

func TestRunTwiceIsRejected(t *testing.T) {
	h := newHarness(t, 1_000_000)
	s, err := h.run(t, sendTo(receiverAddr.Hex()))
	require.NoError(t, err)
	assert.ErrorIs(t, h.orch.Run(context.Background(), s), ErrSessionStarted)
}

func TestSubmitAndRenotify(t *testing.T) {
	h := newHarness(t, 1_000_000)
	h.notifier.setErr(errors.New("502 bad gateway"))

	s, err := h.orch.Submit(context.Background(), sendTo(receiverAddr.Hex()))
	require.NoError(t, err)
	h.orch.Wait()
	require.Equal(t, PhaseError, s.Phase())

	got, ok := h.orch.Session(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	h.notifier.setErr(nil)
	require.NoError(t, h.orch.Renotify(context.Background(), s.ID))
	assert.Equal(t, PhaseSuccess, s.Phase())
	assert.Nil(t, s.Err())

	sent := h.notifier.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].MessageHash, sent[1].MessageHash)
	assert.Equal(t, sent[0].TransactionHash, sent[1].TransactionHash)

	records, err := h.ledger.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)

	assert.ErrorIs(t, h.orch.Renotify(context.Background(), s.ID), ErrNothingToRenotify)
}

func TestRenotifyInFlightCarriesNoStaleError(t *testing.T) {
	h := newHarness(t, 1_000_000)
	h.notifier.setErr(errors.New("502 bad gateway"))

	s, err := h.orch.Submit(context.Background(), sendTo(receiverAddr.Hex()))
	require.NoError(t, err)
	h.orch.Wait()
	require.Equal(t, PhaseError, s.Phase())
	require.NotEmpty(t, s.View().Error)

	var during View
	var errDuring error
	h.notifier.onNotify = func() {
		during = s.View()
		errDuring = s.Err()
	}
	h.notifier.setErr(errors.New("503 unavailable"))

	err = h.orch.Renotify(context.Background(), s.ID)
	require.Error(t, err)
	assert.Equal(t, PhaseSendingNotification, during.Phase)
	assert.Empty(t, during.Error)
	assert.Empty(t, during.ErrorKind)
	assert.NoError(t, errDuring)

	require.Equal(t, PhaseError, s.Phase())
	assert.Contains(t, s.View().Error, "503 unavailable")
	var nerr *mailerr.NotificationError
	assert.ErrorAs(t, s.Err(), &nerr)
}

func TestRenotifyOnlyAfterNotificationFailure(t *testing.T) {
	h := newHarness(t, 0)

	s, err := h.orch.Submit(context.Background(), sendTo(receiverAddr.Hex()))
	require.NoError(t, err)
	h.orch.Wait()

	assert.ErrorIs(t, h.orch.Renotify(context.Background(), s.ID), ErrNothingToRenotify)
	assert.ErrorIs(t, h.orch.Renotify(context.Background(), "missing"), ErrSessionNotFound)
}

func TestRenotifyRecord(t *testing.T) {
	h := newHarness(t, 1_000_000)
	ctx := context.Background()
	rec := recovery.Record{
		DepositTx:   common.HexToHash("0xd0").Hex(),
		MessageHash: common.HexToHash("0x3e").Hex(),
		Sender:      senderAddr.Hex(),
		Receiver:    receiverAddr.Hex(),
		Subject:     "from a previous run",
		Body:        "b",
		Amount:      "5000",
		FailedAt:    time.Now().UTC(),
	}
	require.NoError(t, h.ledger.Save(ctx, rec))

	h.notifier.setErr(errors.New("still down"))
	err := h.orch.RenotifyRecord(ctx, rec.DepositTx)
	var nerr *mailerr.NotificationError
	require.True(t, errors.As(err, &nerr))
	kept, _ := h.ledger.Get(ctx, rec.DepositTx)
	require.NotNil(t, kept)
	assert.Equal(t, "still down", kept.Reason)

	h.notifier.setErr(nil)
	require.NoError(t, h.orch.RenotifyRecord(ctx, rec.DepositTx))
	gone, _ := h.ledger.Get(ctx, rec.DepositTx)
	assert.Nil(t, gone)
	assert.Equal(t, rec.DepositTx, h.notifier.sent()[1].TransactionHash)

	assert.ErrorIs(t, h.orch.RenotifyRecord(ctx, rec.DepositTx), ErrNothingToRenotify)
}

func TestDismiss(t *testing.T) {
	h := newHarness(t, 0)

	s, err := h.orch.Submit(context.Background(), sendTo(receiverAddr.Hex()))
	require.NoError(t, err)
	h.orch.Wait()
	require.Equal(t, PhaseError, s.Phase())

	require.NoError(t, h.orch.Dismiss(s.ID))
	assert.Equal(t, PhaseIdle, s.Phase())
	assert.Nil(t, s.Err())
	_, ok := h.orch.Session(s.ID)
	assert.False(t, ok)

	assert.ErrorIs(t, h.orch.Dismiss(s.ID), ErrSessionNotFound)
}

func TestInFlightSessionBlocksSecondSend(t *testing.T) {
	var chain *gatedChain
	h := newHarness(t, 1_000_000, func(_ *Config, d *Deps) {
		chain = &gatedChain{inner: d.Chain, gate: make(chan struct{})}
		d.Chain = chain
	})

	s, err := h.orch.Submit(context.Background(), sendTo(receiverAddr.Hex()))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Phase() == PhaseApproving }, time.Second, time.Millisecond)

	_, err = h.orch.Submit(context.Background(), sendTo(receiverAddr.Hex()))
	assert.ErrorIs(t, err, ErrSessionInFlight)
	assert.ErrorIs(t, h.orch.Dismiss(s.ID), ErrNotDismissable)

	close(chain.gate)
	h.orch.Wait()
	require.Equal(t, PhaseSuccess, s.Phase())

	next, err := h.orch.Submit(context.Background(), sendTo(receiverAddr.Hex()))
	require.NoError(t, err)
	h.orch.Wait()
	assert.NotEqual(t, s.MessageHash(), next.MessageHash())
}

func TestRefundExpired(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := start
	h := newHarness(t, 1_000_000, func(c *Config, d *Deps) {
		c.RefundWindow = 7 * 24 * time.Hour
		d.Now = func() time.Time { return now }
	})
	h.sim.Now = func() time.Time { return now }
	ctx := context.Background()

	s, err := h.run(t, sendTo(receiverAddr.Hex()))
	require.NoError(t, err)
	balance, _ := h.account.BalanceOf(ctx, senderAddr)
	assert.Equal(t, int64(995_000), balance.Int64())

	_, err = h.orch.RefundExpired(ctx, s.MessageHash())
	assert.ErrorIs(t, err, escrow.ErrNotExpired)

	now = start.Add(8 * 24 * time.Hour)
	tx, err := h.orch.RefundExpired(ctx, s.MessageHash())
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, tx)

	msg, err := h.account.GetMessage(ctx, s.MessageHash())
	require.NoError(t, err)
	assert.True(t, msg.Refunded)
	balance, _ = h.account.BalanceOf(ctx, senderAddr)
	assert.Equal(t, int64(1_000_000), balance.Int64())

	_, err = h.orch.RefundExpired(ctx, s.MessageHash())
	assert.ErrorIs(t, err, escrow.ErrAlreadyFinalized)
}

func TestRefundRejectsReadMessage(t *testing.T) {
	h := newHarness(t, 1_000_000)
	ctx := context.Background()

	s, err := h.run(t, sendTo(receiverAddr.Hex()))
	require.NoError(t, err)

	receiver := h.sim.Account(receiverAddr)
	tx, err := receiver.MarkRead(ctx, s.MessageHash())
	require.NoError(t, err)
	require.NoError(t, receiver.WaitForFinality(ctx, tx))

	_, err = h.orch.RefundExpired(ctx, s.MessageHash())
	assert.ErrorIs(t, err, escrow.ErrAlreadyFinalized)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) ObservePhase(from, to Phase) { m.Called(from, to) }
func (m *mockRecorder) ObserveResult(result string) { m.Called(result) }
func (m *mockRecorder) SetRecoveryPending(n int)    { m.Called(n) }

func TestRecorderSeesEveryTransition(t *testing.T) {
	rec := &mockRecorder{}
	rec.On("ObservePhase", PhaseIdle, PhaseCheckingBalance).Once()
	rec.On("ObservePhase", PhaseCheckingBalance, PhaseDepositing).Once()
	rec.On("ObservePhase", PhaseDepositing, PhaseSendingNotification).Once()
	rec.On("ObservePhase", PhaseSendingNotification, PhaseSuccess).Once()
	rec.On("SetRecoveryPending", 0).Once()
	rec.On("ObserveResult", "success").Once()

	h := newHarness(t, 1_000_000, func(_ *Config, d *Deps) { d.Metrics = rec })
	h.preApprove(t, 5000)

	_, err := h.run(t, sendTo(receiverAddr.Hex()))
	require.NoError(t, err)
	rec.AssertExpectations(t)
}
