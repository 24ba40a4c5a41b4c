package orchestrator

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"x402mail/internal/escrow"
	"x402mail/internal/mailerr"

	"github.com/ethereum/go-ethereum/common"
)

// Request is what a sender submits from the compose form. Recipient holds a
// wallet address; RecipientEmail an email-like address to resolve through
// the message store. Amount is a decimal token amount such as "0.005".
type Request struct {
	Recipient      string `json:"recipient,omitempty"`
	RecipientEmail string `json:"recipientEmail,omitempty"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	Amount         string `json:"amount"`
}

// Transition is one recorded phase change.
type Transition struct {
	From Phase     `json:"from"`
	To   Phase     `json:"to"`
	At   time.Time `json:"at"`
}

// Session is the state of one compose submission. It lives in memory only.
type Session struct {
	ID     string
	Sender common.Address

	subject        string
	body           string
	recipientEmail string
	messageHash    common.Hash
	amount         *big.Int
	advisoryFee    *big.Int

	mu          sync.RWMutex
	phase       Phase
	history     []Transition
	started     bool
	receiver    common.Address
	protocolFee *big.Int
	approvalTx  common.Hash
	depositTx   common.Hash
	err         error
	createdAt   time.Time
	updatedAt   time.Time
}

var errInvalidTransition = errors.New("invalid phase transition")

// advance moves the session to phase if the edge is legal.
func (s *Session) advance(to Phase, now time.Time) (Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.phase
	if !canTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", errInvalidTransition, from, to)
	}
	s.phase = to
	s.history = append(s.history, Transition{From: from, To: to, At: now})
	s.updatedAt = now
	// Leaving Error starts over or retries; the old failure no longer applies.
	if to == PhaseIdle || from == PhaseError {
		s.err = nil
	}
	return from, nil
}

func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Err is the last failure, nil unless the session is in PhaseError.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Session) MessageHash() common.Hash {
	return s.messageHash
}

func (s *Session) Amount() *big.Int {
	return new(big.Int).Set(s.amount)
}

func (s *Session) Receiver() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receiver
}

func (s *Session) ApprovalTx() common.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.approvalTx
}

// DepositTx stays set after a notification failure so the payment can be
// re-announced without paying again.
func (s *Session) DepositTx() common.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.depositTx
}

func (s *Session) History() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Transition, len(s.history))
	copy(out, s.history)
	return out
}

// Phases returns the visited phases in order, starting with Idle.
func (s *Session) Phases() []Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Phase{PhaseIdle}
	for _, t := range s.history {
		out = append(out, t.To)
	}
	return out
}

func (s *Session) markStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	s.started = true
	return true
}

func (s *Session) setReceiver(addr common.Address) {
	s.mu.Lock()
	s.receiver = addr
	s.mu.Unlock()
}

func (s *Session) setProtocolFee(fee *big.Int) {
	s.mu.Lock()
	s.protocolFee = fee
	s.mu.Unlock()
}

func (s *Session) setApprovalTx(tx common.Hash) {
	s.mu.Lock()
	s.approvalTx = tx
	s.mu.Unlock()
}

func (s *Session) setDepositTx(tx common.Hash) {
	s.mu.Lock()
	s.depositTx = tx
	s.mu.Unlock()
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// active reports whether the session still blocks a new submission from the
// same sender.
func (s *Session) active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.phase == PhaseIdle {
		return len(s.history) == 0
	}
	return s.phase.InFlight()
}

// View is the JSON projection of a session.
type View struct {
	ID            string       `json:"sessionId"`
	Phase         Phase        `json:"phase"`
	Sender        string       `json:"sender"`
	Receiver      string       `json:"receiver,omitempty"`
	ReceiverEmail string       `json:"receiverEmail,omitempty"`
	Subject       string       `json:"subject"`
	MessageHash   string       `json:"messageHash"`
	Amount        string       `json:"amount"`
	AmountDisplay string       `json:"amountDisplay"`
	AdvisoryFee   string       `json:"advisoryFee,omitempty"`
	ProtocolFee   string       `json:"protocolFee,omitempty"`
	ApprovalTx    string       `json:"approvalTx,omitempty"`
	DepositTx     string       `json:"depositTx,omitempty"`
	Error         string       `json:"error,omitempty"`
	ErrorKind     mailerr.Kind `json:"errorKind,omitempty"`
	NeedsGuidance bool         `json:"needsGuidance,omitempty"`
	History       []Transition `json:"history"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := View{
		ID:            s.ID,
		Phase:         s.phase,
		Sender:        s.Sender.Hex(),
		ReceiverEmail: s.recipientEmail,
		Subject:       s.subject,
		MessageHash:   s.messageHash.Hex(),
		Amount:        s.amount.String(),
		AmountDisplay: escrow.FormatAmount(s.amount, escrow.TokenDecimals),
		History:       make([]Transition, len(s.history)),
		CreatedAt:     s.createdAt,
		UpdatedAt:     s.updatedAt,
	}
	copy(v.History, s.history)
	if s.receiver != (common.Address{}) {
		v.Receiver = s.receiver.Hex()
	}
	if s.advisoryFee != nil {
		v.AdvisoryFee = s.advisoryFee.String()
	}
	if s.protocolFee != nil {
		v.ProtocolFee = s.protocolFee.String()
	}
	if s.approvalTx != (common.Hash{}) {
		v.ApprovalTx = s.approvalTx.Hex()
	}
	if s.depositTx != (common.Hash{}) {
		v.DepositTx = s.depositTx.Hex()
	}
	if s.err != nil {
		v.Error = mailerr.UserMessage(s.err)
		v.ErrorKind = mailerr.KindOf(s.err)
		v.NeedsGuidance = mailerr.NeedsGuidance(s.err)
	}
	return v
}
