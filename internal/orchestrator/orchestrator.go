package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"x402mail/internal/allowance"
	"x402mail/internal/delivery"
	"x402mail/internal/escrow"
	"x402mail/internal/mailerr"
	"x402mail/internal/recovery"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrSessionInFlight   = errors.New("a send from this wallet is already in progress")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionStarted    = errors.New("session already started")
	ErrNotDismissable    = errors.New("only finished sessions can be dismissed")
	ErrNothingToRenotify = errors.New("no failed notification to retry")
)

// Resolver maps an email-like address to a wallet.
type Resolver interface {
	ResolveAddress(ctx context.Context, email string) (common.Address, error)
}

// Notifier records a confirmed payment in the message store.
type Notifier interface {
	Notify(ctx context.Context, payload delivery.Payload) error
}

// FundsChecker is the balance guard.
type FundsChecker interface {
	CheckSufficientFunds(ctx context.Context, account common.Address, required *big.Int) error
}

// AllowanceCoordinator reads and, when needed, raises the escrow allowance.
type AllowanceCoordinator interface {
	Covers(ctx context.Context, spender common.Address, required *big.Int) (bool, *big.Int, error)
	EnsureAllowance(ctx context.Context, spender common.Address, required *big.Int) (allowance.Result, error)
}

// Finality observes submitted transactions.
type Finality interface {
	WaitForFinality(ctx context.Context, tx common.Hash) error
}

// Recorder receives state machine events for metrics.
type Recorder interface {
	ObservePhase(from, to Phase)
	ObserveResult(result string)
	SetRecoveryPending(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObservePhase(Phase, Phase) {}
func (nopRecorder) ObserveResult(string)      {}
func (nopRecorder) SetRecoveryPending(int)    {}

// Config is the deployment the orchestrator sends against. It is passed in
// explicitly; nothing is read from the environment.
type Config struct {
	Sender        common.Address
	EscrowAddress common.Address
	Network       string
	// AdvisoryMinimum is shown to the user; it never rejects an amount.
	AdvisoryMinimum *big.Int
	// EnforceProtocolFee rejects amounts below calculateFee(sender) before
	// any transaction is submitted.
	EnforceProtocolFee bool
	TokenDecimals      int
	// RefundWindow, when set, is checked locally before refundExpired is
	// submitted. Zero leaves the expiry check to the protocol.
	RefundWindow time.Duration
	// SuccessTTL is how long a successful session stays visible.
	SuccessTTL time.Duration
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Protocol  escrow.Protocol
	Chain     Finality
	Funds     FundsChecker
	Allowance AllowanceCoordinator
	Resolver  Resolver
	Notifier  Notifier
	Recovery  recovery.Store
	Metrics   Recorder
	Tracer    trace.Tracer
	Logger    *logrus.Logger
	Nonces    *escrow.NonceSource
	Now       func() time.Time
}

// Orchestrator runs send sessions. Each session is one sequential flow:
// every transaction is submitted, then awaited to finality, then branched on.
type Orchestrator struct {
	cfg      Config
	deps     Deps
	logger   *logrus.Logger
	tracer   trace.Tracer
	metrics  Recorder
	registry *Registry

	wg sync.WaitGroup
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = escrow.TokenDecimals
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
		deps.Logger.SetOutput(io.Discard)
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("x402mail/orchestrator")
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if deps.Recovery == nil {
		deps.Recovery = recovery.NewMemoryStore()
	}
	if deps.Nonces == nil {
		deps.Nonces = &escrow.NonceSource{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		tracer:   deps.Tracer,
		metrics:  deps.Metrics,
		registry: NewRegistry(cfg.SuccessTTL),
	}
}

func (o *Orchestrator) Config() Config {
	return o.cfg
}

// NewSession validates req and fixes the message hash and escrow amount for
// the whole session. The hash is never recomputed afterwards.
func (o *Orchestrator) NewSession(req Request) (*Session, error) {
	recipient := strings.TrimSpace(req.Recipient)
	email := strings.TrimSpace(req.RecipientEmail)
	if recipient == "" && email == "" {
		return nil, &mailerr.InvalidRequestError{Reason: "recipient or recipient email is required"}
	}
	if recipient != "" && !common.IsHexAddress(recipient) {
		return nil, &mailerr.InvalidRequestError{Reason: fmt.Sprintf("recipient %q is not a wallet address", recipient)}
	}
	if strings.TrimSpace(req.Subject) == "" && strings.TrimSpace(req.Body) == "" {
		return nil, &mailerr.InvalidRequestError{Reason: "subject or body is required"}
	}
	amount, err := escrow.ParseAmount(req.Amount, o.cfg.TokenDecimals)
	if err != nil {
		return nil, &mailerr.InvalidRequestError{Reason: err.Error()}
	}
	if amount.Sign() <= 0 {
		return nil, &mailerr.InvalidRequestError{Reason: "amount must be greater than zero"}
	}

	now := o.deps.Now()
	s := &Session{
		ID:             uuid.NewString(),
		Sender:         o.cfg.Sender,
		subject:        req.Subject,
		body:           req.Body,
		recipientEmail: email,
		messageHash:    escrow.MessageHash(req.Subject, req.Body, o.deps.Nonces.Next()),
		amount:         amount,
		createdAt:      now,
		updatedAt:      now,
	}
	if o.cfg.AdvisoryMinimum != nil {
		s.advisoryFee = new(big.Int).Set(o.cfg.AdvisoryMinimum)
	}
	if recipient != "" {
		s.receiver = common.HexToAddress(recipient)
	}
	return s, nil
}

// Submit registers a new session and runs it in the background. The run is
// detached from ctx: once a transaction is submitted nothing cancels it.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Session, error) {
	s, err := o.NewSession(req)
	if err != nil {
		return nil, err
	}
	if err := o.registry.Add(s); err != nil {
		return nil, err
	}

	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.Run(runCtx, s)
		o.registry.Finished(s)
	}()
	return s, nil
}

// Wait blocks until every background session has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) Session(id string) (*Session, bool) {
	return o.registry.Get(id)
}

// Run drives s from Idle to Success or Error and returns the session error.
func (o *Orchestrator) Run(ctx context.Context, s *Session) error {
	if !s.markStarted() {
		return ErrSessionStarted
	}

	ctx, span := o.tracer.Start(ctx, "send.session", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("sender", s.Sender.Hex()),
		attribute.String("message.hash", s.messageHash.Hex()),
		attribute.String("network", o.cfg.Network),
	))
	defer span.End()

	log := o.sessionLogger(s)
	log.WithField("amount", s.amount.String()).Info("send started")

	err := o.run(ctx, s)
	if err != nil {
		o.fail(s, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.WithFields(logrus.Fields{
			"error": err.Error(),
			"kind":  string(mailerr.KindOf(err)),
		}).Warn("send failed")
		o.metrics.ObserveResult(string(mailerr.KindOf(err)))
		return err
	}

	o.moveTo(s, PhaseSuccess)
	span.SetStatus(codes.Ok, "")
	log.WithField("tx_hash", s.DepositTx().Hex()).Info("send completed")
	o.metrics.ObserveResult("success")
	return nil
}

func (o *Orchestrator) run(ctx context.Context, s *Session) error {
	receiver, err := o.resolve(ctx, s)
	if err != nil {
		return err
	}

	needsApproval, err := o.checkBalance(ctx, s)
	if err != nil {
		return err
	}

	if needsApproval {
		if err := o.approve(ctx, s); err != nil {
			return err
		}
	}

	if err := o.deposit(ctx, s, receiver); err != nil {
		return err
	}

	return o.notify(ctx, s)
}

func (o *Orchestrator) resolve(ctx context.Context, s *Session) (common.Address, error) {
	if addr := s.Receiver(); addr != (common.Address{}) {
		return addr, nil
	}
	if common.IsHexAddress(s.recipientEmail) {
		addr := common.HexToAddress(s.recipientEmail)
		s.setReceiver(addr)
		return addr, nil
	}

	st, err := o.begin(ctx, s, PhaseResolving)
	if err != nil {
		return common.Address{}, err
	}
	addr, err := o.deps.Resolver.ResolveAddress(st.ctx, s.recipientEmail)
	switch {
	case errors.Is(err, delivery.ErrNotFound):
		err = &mailerr.ResolutionError{Recipient: s.recipientEmail, NotFound: true, Err: err}
	case err != nil:
		err = &mailerr.ResolutionError{Recipient: s.recipientEmail, Err: err}
	case addr == (common.Address{}):
		err = &mailerr.ResolutionError{Recipient: s.recipientEmail, NotFound: true}
	}
	if st.end(err) != nil {
		return common.Address{}, err
	}
	s.setReceiver(addr)
	return addr, nil
}

// checkBalance reports whether an approval must precede the deposit.
func (o *Orchestrator) checkBalance(ctx context.Context, s *Session) (bool, error) {
	st, err := o.begin(ctx, s, PhaseCheckingBalance)
	if err != nil {
		return false, err
	}

	if o.cfg.EnforceProtocolFee {
		fee, err := o.deps.Protocol.CalculateFee(st.ctx, s.Sender)
		if err != nil {
			return false, st.end(fmt.Errorf("read protocol fee: %w", err))
		}
		s.setProtocolFee(fee)
		if s.amount.Cmp(fee) < 0 {
			return false, st.end(&mailerr.FeeError{Required: fee, Offered: s.Amount()})
		}
	}

	if err := o.deps.Funds.CheckSufficientFunds(st.ctx, s.Sender, s.amount); err != nil {
		return false, st.end(err)
	}

	covered, current, err := o.deps.Allowance.Covers(st.ctx, o.cfg.EscrowAddress, s.amount)
	if err != nil {
		return false, st.end(err)
	}
	st.span.SetAttributes(attribute.String("allowance.current", current.String()))
	st.end(nil)
	return !covered, nil
}

func (o *Orchestrator) approve(ctx context.Context, s *Session) error {
	st, err := o.begin(ctx, s, PhaseApproving)
	if err != nil {
		return err
	}

	res, err := o.deps.Allowance.EnsureAllowance(st.ctx, o.cfg.EscrowAddress, s.amount)
	if err != nil {
		var approvalErr *mailerr.ApprovalError
		if !errors.As(err, &approvalErr) {
			err = &mailerr.ApprovalError{Err: err}
		}
		return st.end(err)
	}
	if res.AlreadySufficient {
		return st.end(nil)
	}

	s.setApprovalTx(res.ApprovalTx)
	st.span.SetAttributes(attribute.String("tx.hash", res.ApprovalTx.Hex()))
	o.sessionLogger(s).WithField("tx_hash", res.ApprovalTx.Hex()).Info("waiting for approval finality")

	if err := o.deps.Chain.WaitForFinality(st.ctx, res.ApprovalTx); err != nil {
		return st.end(&mailerr.ApprovalError{Tx: res.ApprovalTx, Err: err})
	}
	return st.end(nil)
}

func (o *Orchestrator) deposit(ctx context.Context, s *Session, receiver common.Address) error {
	st, err := o.begin(ctx, s, PhaseDepositing)
	if err != nil {
		return err
	}

	tx, err := o.deps.Protocol.Deposit(st.ctx, receiver, s.messageHash, s.Amount())
	if err != nil {
		return st.end(&mailerr.DepositError{Err: err})
	}
	s.setDepositTx(tx)
	st.span.SetAttributes(attribute.String("tx.hash", tx.Hex()))
	o.sessionLogger(s).WithField("tx_hash", tx.Hex()).Info("waiting for deposit finality")

	if err := o.deps.Chain.WaitForFinality(st.ctx, tx); err != nil {
		return st.end(&mailerr.DepositError{Tx: tx, Err: err})
	}

	msg, err := o.deps.Protocol.GetMessage(st.ctx, s.messageHash)
	if err != nil {
		return st.end(&mailerr.DepositError{Tx: tx, Err: fmt.Errorf("confirm escrow: %w", err)})
	}
	if msg.Sender != s.Sender || msg.Receiver != receiver || msg.Amount == nil || msg.Amount.Cmp(s.amount) != 0 {
		return st.end(&mailerr.DepositError{Tx: tx, Err: fmt.Errorf("escrow for %s does not match the deposit", s.messageHash.Hex())})
	}
	return st.end(nil)
}

func (o *Orchestrator) notify(ctx context.Context, s *Session) error {
	st, err := o.begin(ctx, s, PhaseSendingNotification)
	if err != nil {
		return err
	}

	tx := s.DepositTx()
	if err := o.deps.Notifier.Notify(st.ctx, o.payload(s)); err != nil {
		nerr := &mailerr.NotificationError{DepositTx: tx, MessageHash: s.messageHash, Err: err}
		o.recordFailure(st.ctx, s, nerr)
		return st.end(nerr)
	}
	o.clearFailure(st.ctx, tx)
	return st.end(nil)
}

func (o *Orchestrator) payload(s *Session) delivery.Payload {
	return delivery.Payload{
		MessageHash:     s.messageHash.Hex(),
		Sender:          s.Sender.Hex(),
		Receiver:        s.Receiver().Hex(),
		ReceiverEmail:   s.recipientEmail,
		Subject:         s.subject,
		Body:            s.body,
		Amount:          s.amount.String(),
		TransactionHash: s.DepositTx().Hex(),
	}
}

// Renotify re-posts the notification of a session that failed after its
// deposit was final, reusing the known deposit transaction.
func (o *Orchestrator) Renotify(ctx context.Context, id string) error {
	s, ok := o.registry.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	var nerr *mailerr.NotificationError
	if s.Phase() != PhaseError || !errors.As(s.Err(), &nerr) {
		return ErrNothingToRenotify
	}

	ctx, span := o.tracer.Start(ctx, "send.renotify", trace.WithAttributes(attribute.String("session.id", s.ID)))
	defer span.End()

	if err := o.notify(ctx, s); err != nil {
		if errors.Is(err, errInvalidTransition) {
			return ErrNothingToRenotify
		}
		o.fail(s, err)
		span.RecordError(err)
		o.metrics.ObserveResult(string(mailerr.KindOf(err)))
		return err
	}
	o.moveTo(s, PhaseSuccess)
	o.registry.Finished(s)
	o.metrics.ObserveResult("success")
	o.sessionLogger(s).Info("re-notification delivered")
	return nil
}

// RenotifyRecord retries a notification from the recovery ledger, which
// outlives the in-memory sessions.
func (o *Orchestrator) RenotifyRecord(ctx context.Context, depositTx string) error {
	rec, err := o.deps.Recovery.Get(ctx, depositTx)
	if err != nil {
		return fmt.Errorf("load recovery record: %w", err)
	}
	if rec == nil {
		return ErrNothingToRenotify
	}

	ctx, span := o.tracer.Start(ctx, "send.renotify_record", trace.WithAttributes(attribute.String("tx.hash", rec.DepositTx)))
	defer span.End()

	log := o.logger.WithFields(logrus.Fields{
		"tx_hash":      rec.DepositTx,
		"message_hash": rec.MessageHash,
	})

	err = o.deps.Notifier.Notify(ctx, delivery.Payload{
		MessageHash:     rec.MessageHash,
		Sender:          rec.Sender,
		Receiver:        rec.Receiver,
		ReceiverEmail:   rec.ReceiverEmail,
		Subject:         rec.Subject,
		Body:            rec.Body,
		Amount:          rec.Amount,
		TransactionHash: rec.DepositTx,
	})
	if err != nil {
		rec.Reason = err.Error()
		rec.FailedAt = o.deps.Now().UTC()
		if serr := o.deps.Recovery.Save(ctx, *rec); serr != nil {
			log.WithError(serr).Error("failed to update recovery record")
		}
		span.RecordError(err)
		log.WithError(err).Warn("re-notification failed")
		return &mailerr.NotificationError{
			DepositTx:   common.HexToHash(rec.DepositTx),
			MessageHash: common.HexToHash(rec.MessageHash),
			Err:         err,
		}
	}
	o.clearFailure(ctx, common.HexToHash(rec.DepositTx))
	log.Info("re-notification delivered")
	return nil
}

// PendingRecovery lists deposits that still lack a store record.
func (o *Orchestrator) PendingRecovery(ctx context.Context) ([]recovery.Record, error) {
	return o.deps.Recovery.List(ctx)
}

// Dismiss resets a finished session to Idle and forgets it. Pending
// transactions are never cancelled; an in-flight session cannot be dismissed.
func (o *Orchestrator) Dismiss(id string) error {
	s, ok := o.registry.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	from, err := s.advance(PhaseIdle, o.deps.Now())
	if err != nil {
		return ErrNotDismissable
	}
	o.metrics.ObservePhase(from, PhaseIdle)
	o.registry.Remove(id)
	o.sessionLogger(s).Info("session dismissed")
	return nil
}

// RefundExpired reclaims the escrow of an unread message the configured
// sender paid for.
func (o *Orchestrator) RefundExpired(ctx context.Context, messageHash common.Hash) (common.Hash, error) {
	ctx, span := o.tracer.Start(ctx, "escrow.refund", trace.WithAttributes(attribute.String("message.hash", messageHash.Hex())))
	defer span.End()

	msg, err := o.deps.Protocol.GetMessage(ctx, messageHash)
	if err != nil {
		return common.Hash{}, fmt.Errorf("read message: %w", err)
	}
	if msg.Sender != o.cfg.Sender {
		return common.Hash{}, escrow.ErrNotSender
	}
	if msg.Finalized() {
		return common.Hash{}, escrow.ErrAlreadyFinalized
	}
	if o.cfg.RefundWindow > 0 && o.deps.Now().Before(msg.Timestamp.Add(o.cfg.RefundWindow)) {
		return common.Hash{}, fmt.Errorf("%w: refundable after %s", escrow.ErrNotExpired, msg.Timestamp.Add(o.cfg.RefundWindow).UTC().Format(time.RFC3339))
	}

	tx, err := o.deps.Protocol.RefundExpired(ctx, messageHash)
	if err != nil {
		span.RecordError(err)
		return common.Hash{}, fmt.Errorf("submit refund: %w", err)
	}
	log := o.logger.WithFields(logrus.Fields{"message_hash": messageHash.Hex(), "tx_hash": tx.Hex()})
	log.Info("waiting for refund finality")

	if err := o.deps.Chain.WaitForFinality(ctx, tx); err != nil {
		span.RecordError(err)
		return tx, fmt.Errorf("refund %s: %w", tx.Hex(), err)
	}
	after, err := o.deps.Protocol.GetMessage(ctx, messageHash)
	if err != nil {
		return tx, fmt.Errorf("confirm refund: %w", err)
	}
	if !after.Refunded {
		return tx, fmt.Errorf("refund %s finalized but message is not refunded", tx.Hex())
	}
	log.Info("refund confirmed")
	return tx, nil
}

type step struct {
	ctx  context.Context
	span trace.Span
}

func (st step) end(err error) error {
	if err != nil {
		st.span.RecordError(err)
		st.span.SetStatus(codes.Error, err.Error())
	}
	st.span.End()
	return err
}

// begin enters phase and opens its span.
func (o *Orchestrator) begin(ctx context.Context, s *Session, phase Phase) (step, error) {
	if err := o.moveTo(s, phase); err != nil {
		return step{}, err
	}
	ctx, span := o.tracer.Start(ctx, "send."+phase.String(), trace.WithAttributes(attribute.String("session.id", s.ID)))
	return step{ctx: ctx, span: span}, nil
}

func (o *Orchestrator) moveTo(s *Session, phase Phase) error {
	from, err := s.advance(phase, o.deps.Now())
	if err != nil {
		o.sessionLogger(s).WithError(err).Error("rejected phase transition")
		return err
	}
	o.metrics.ObservePhase(from, phase)
	o.sessionLogger(s).WithFields(logrus.Fields{
		"from": from.String(),
		"to":   phase.String(),
	}).Debug("phase transition")
	return nil
}

func (o *Orchestrator) fail(s *Session, err error) {
	s.setErr(err)
	_ = o.moveTo(s, PhaseError)
}

func (o *Orchestrator) recordFailure(ctx context.Context, s *Session, nerr *mailerr.NotificationError) {
	p := o.payload(s)
	rec := recovery.Record{
		DepositTx:     nerr.DepositTx.Hex(),
		MessageHash:   p.MessageHash,
		Sender:        p.Sender,
		Receiver:      p.Receiver,
		ReceiverEmail: p.ReceiverEmail,
		Subject:       p.Subject,
		Body:          p.Body,
		Amount:        p.Amount,
		Reason:        nerr.Err.Error(),
		FailedAt:      o.deps.Now().UTC(),
	}
	log := o.sessionLogger(s).WithField("tx_hash", rec.DepositTx)
	if err := o.deps.Recovery.Save(ctx, rec); err != nil {
		log.WithError(err).Error("failed to write recovery record")
		return
	}
	log.Warn("deposit escrowed without store record, recovery record written")
	o.refreshPending(ctx)
}

func (o *Orchestrator) clearFailure(ctx context.Context, depositTx common.Hash) {
	if err := o.deps.Recovery.Delete(ctx, depositTx.Hex()); err != nil {
		o.logger.WithError(err).WithField("tx_hash", depositTx.Hex()).Warn("failed to clear recovery record")
		return
	}
	o.refreshPending(ctx)
}

func (o *Orchestrator) refreshPending(ctx context.Context) {
	records, err := o.deps.Recovery.List(ctx)
	if err != nil {
		return
	}
	o.metrics.SetRecoveryPending(len(records))
}

func (o *Orchestrator) sessionLogger(s *Session) *logrus.Entry {
	return o.logger.WithFields(logrus.Fields{
		"session_id":   s.ID,
		"sender":       s.Sender.Hex(),
		"message_hash": s.messageHash.Hex(),
		"phase":        s.Phase().String(),
	})
}
