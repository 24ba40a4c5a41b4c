package escrow

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	simBaseFee         = 5000 // 0.005 USDC
	simFloorFee        = 1000
	simReadCredit      = 10
	simSpamPenalty     = 20
	simDefaultExpiry   = 7 * 24 * time.Hour
	simCredibilityStep = 100
)

// Simulator is an in-memory X402Mail deployment with a payment token. Every
// submitted transaction is mined immediately; preconditions that the real
// contract would revert on produce a transaction whose finality reports
// ErrReverted and leaves state untouched.
type Simulator struct {
	mu sync.Mutex

	escrowAddress common.Address
	native        map[common.Address]*big.Int
	tokens        map[common.Address]*big.Int
	allowances    map[common.Address]map[common.Address]*big.Int
	messages      map[common.Hash]*Message
	profiles      map[common.Address]*SenderProfile
	txs           map[common.Hash]error
	submitErrs    map[string]error
	txSeq         uint64

	ExpiryWindow time.Duration
	// GasCost is charged in native currency for every submitted transaction.
	GasCost *big.Int
	Now     func() time.Time
}

func NewSimulator(escrowAddress common.Address) *Simulator {
	return &Simulator{
		escrowAddress: escrowAddress,
		native:        make(map[common.Address]*big.Int),
		tokens:        make(map[common.Address]*big.Int),
		allowances:    make(map[common.Address]map[common.Address]*big.Int),
		messages:      make(map[common.Hash]*Message),
		profiles:      make(map[common.Address]*SenderProfile),
		txs:           make(map[common.Hash]error),
		submitErrs:    make(map[string]error),
		ExpiryWindow:  simDefaultExpiry,
		GasCost:       new(big.Int),
	}
}

// Fund credits native currency (wei) and payment tokens to account.
func (s *Simulator) Fund(account common.Address, native, token *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if native != nil {
		s.native[account] = new(big.Int).Add(s.balance(s.native, account), native)
	}
	if token != nil {
		s.tokens[account] = new(big.Int).Add(s.balance(s.tokens, account), token)
	}
}

// FailSubmission makes the next submission of method (e.g. "approve",
// "depositPayment") fail before a transaction exists, as a wallet rejection would.
func (s *Simulator) FailSubmission(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErrs[method] = err
}

// Account returns a Backend that signs as addr.
func (s *Simulator) Account(addr common.Address) *SimAccount {
	return &SimAccount{sim: s, addr: addr}
}

func (s *Simulator) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Simulator) balance(book map[common.Address]*big.Int, account common.Address) *big.Int {
	if v, ok := book[account]; ok {
		return v
	}
	return new(big.Int)
}

func (s *Simulator) allowance(owner, spender common.Address) *big.Int {
	if m, ok := s.allowances[owner]; ok {
		if v, ok := m[spender]; ok {
			return v
		}
	}
	return new(big.Int)
}

func (s *Simulator) profile(sender common.Address) *SenderProfile {
	p, ok := s.profiles[sender]
	if !ok {
		p = &SenderProfile{Sender: sender}
		s.profiles[sender] = p
	}
	return p
}

func (s *Simulator) fee(sender common.Address) *big.Int {
	var credibility uint64
	if p, ok := s.profiles[sender]; ok {
		credibility = p.CredibilityScore
	}
	fee := simBaseFee * simCredibilityStep / (simCredibilityStep + credibility)
	if fee < simFloorFee {
		fee = simFloorFee
	}
	return new(big.Int).SetUint64(fee)
}

func (s *Simulator) transfer(from, to common.Address, amount *big.Int) {
	s.tokens[from] = new(big.Int).Sub(s.balance(s.tokens, from), amount)
	s.tokens[to] = new(big.Int).Add(s.balance(s.tokens, to), amount)
}

// submit charges gas, runs apply and records the mined outcome. apply must
// validate before mutating: a non-nil return means the transaction reverted.
func (s *Simulator) submit(from common.Address, method string, apply func() error) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.submitErrs[method]; ok {
		delete(s.submitErrs, method)
		return common.Hash{}, fmt.Errorf("%s tx: %w", method, err)
	}
	if s.balance(s.native, from).Cmp(s.GasCost) < 0 {
		return common.Hash{}, fmt.Errorf("%s tx: insufficient funds for gas", method)
	}
	s.native[from] = new(big.Int).Sub(s.balance(s.native, from), s.GasCost)

	s.txSeq++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], s.txSeq)
	hash := crypto.Keccak256Hash(from.Bytes(), []byte(method), seq[:])

	if err := apply(); err != nil {
		s.txs[hash] = fmt.Errorf("%w: %s: %v", ErrReverted, method, err)
	} else {
		s.txs[hash] = nil
	}
	return hash, nil
}

func (s *Simulator) waitForFinality(ctx context.Context, tx common.Hash) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.txs[tx]
	if !ok {
		return fmt.Errorf("unknown transaction %s", tx.Hex())
	}
	return result
}

// SimAccount is a Simulator view bound to one signing address.
type SimAccount struct {
	sim  *Simulator
	addr common.Address
}

func (a *SimAccount) Address() common.Address {
	return a.addr
}

func (a *SimAccount) EscrowAddress() common.Address {
	return a.sim.escrowAddress
}

func (a *SimAccount) Deposit(_ context.Context, receiver common.Address, messageHash common.Hash, amount *big.Int) (common.Hash, error) {
	if receiver == (common.Address{}) {
		return common.Hash{}, fmt.Errorf("invalid receiver address")
	}
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("invalid amount")
	}
	s := a.sim
	return s.submit(a.addr, "depositPayment", func() error {
		if _, exists := s.messages[messageHash]; exists {
			return ErrDuplicateMessage
		}
		if amount.Cmp(s.fee(a.addr)) < 0 {
			return ErrBelowMinimum
		}
		if s.balance(s.tokens, a.addr).Cmp(amount) < 0 {
			return fmt.Errorf("transfer amount exceeds balance")
		}
		allowed := s.allowance(a.addr, s.escrowAddress)
		if allowed.Cmp(amount) < 0 {
			return fmt.Errorf("insufficient allowance")
		}

		s.allowances[a.addr][s.escrowAddress] = new(big.Int).Sub(allowed, amount)
		s.transfer(a.addr, s.escrowAddress, amount)
		s.messages[messageHash] = &Message{
			Hash:      messageHash,
			Sender:    a.addr,
			Receiver:  receiver,
			Amount:    new(big.Int).Set(amount),
			Timestamp: s.now().UTC().Truncate(time.Second),
		}
		s.profile(a.addr).TotalSent++
		return nil
	})
}

func (a *SimAccount) MarkRead(_ context.Context, messageHash common.Hash) (common.Hash, error) {
	s := a.sim
	return s.submit(a.addr, "markAsRead", func() error {
		msg, err := a.receivedMessage(messageHash)
		if err != nil {
			return err
		}
		msg.Read = true
		s.transfer(s.escrowAddress, msg.Receiver, msg.Amount)
		p := s.profile(msg.Sender)
		p.TotalRead++
		p.CredibilityScore += simReadCredit
		return nil
	})
}

func (a *SimAccount) FlagSpam(_ context.Context, messageHash common.Hash) (common.Hash, error) {
	s := a.sim
	return s.submit(a.addr, "flagSpam", func() error {
		msg, err := a.receivedMessage(messageHash)
		if err != nil {
			return err
		}
		msg.Spam = true
		p := s.profile(msg.Sender)
		p.SpamFlags++
		if p.CredibilityScore > simSpamPenalty {
			p.CredibilityScore -= simSpamPenalty
		} else {
			p.CredibilityScore = 0
		}
		return nil
	})
}

func (a *SimAccount) RefundExpired(_ context.Context, messageHash common.Hash) (common.Hash, error) {
	s := a.sim
	return s.submit(a.addr, "refundExpired", func() error {
		msg, ok := s.messages[messageHash]
		if !ok {
			return ErrMessageNotFound
		}
		if msg.Finalized() {
			return ErrAlreadyFinalized
		}
		if s.now().Before(msg.Timestamp.Add(s.ExpiryWindow)) {
			return ErrNotExpired
		}
		msg.Refunded = true
		s.transfer(s.escrowAddress, msg.Sender, msg.Amount)
		return nil
	})
}

// receivedMessage must be called with the simulator lock held.
func (a *SimAccount) receivedMessage(messageHash common.Hash) (*Message, error) {
	msg, ok := a.sim.messages[messageHash]
	if !ok {
		return nil, ErrMessageNotFound
	}
	if msg.Receiver != a.addr {
		return nil, ErrNotReceiver
	}
	if msg.Finalized() {
		return nil, ErrAlreadyFinalized
	}
	return msg, nil
}

func (a *SimAccount) CalculateFee(_ context.Context, sender common.Address) (*big.Int, error) {
	a.sim.mu.Lock()
	defer a.sim.mu.Unlock()
	return a.sim.fee(sender), nil
}

func (a *SimAccount) GetMessage(_ context.Context, messageHash common.Hash) (Message, error) {
	a.sim.mu.Lock()
	defer a.sim.mu.Unlock()
	msg, ok := a.sim.messages[messageHash]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	out := *msg
	out.Amount = new(big.Int).Set(msg.Amount)
	return out, nil
}

func (a *SimAccount) GetProfile(_ context.Context, sender common.Address) (SenderProfile, error) {
	a.sim.mu.Lock()
	defer a.sim.mu.Unlock()
	if p, ok := a.sim.profiles[sender]; ok {
		return *p, nil
	}
	return SenderProfile{Sender: sender}, nil
}

func (a *SimAccount) BalanceOf(_ context.Context, account common.Address) (*big.Int, error) {
	a.sim.mu.Lock()
	defer a.sim.mu.Unlock()
	return new(big.Int).Set(a.sim.balance(a.sim.tokens, account)), nil
}

func (a *SimAccount) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	a.sim.mu.Lock()
	defer a.sim.mu.Unlock()
	return new(big.Int).Set(a.sim.allowance(owner, spender)), nil
}

func (a *SimAccount) Approve(_ context.Context, spender common.Address, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("invalid approval amount")
	}
	s := a.sim
	return s.submit(a.addr, "approve", func() error {
		if _, ok := s.allowances[a.addr]; !ok {
			s.allowances[a.addr] = make(map[common.Address]*big.Int)
		}
		s.allowances[a.addr][spender] = new(big.Int).Set(amount)
		return nil
	})
}

func (a *SimAccount) NativeBalance(_ context.Context, account common.Address) (*big.Int, error) {
	a.sim.mu.Lock()
	defer a.sim.mu.Unlock()
	return new(big.Int).Set(a.sim.balance(a.sim.native, account)), nil
}

func (a *SimAccount) WaitForFinality(ctx context.Context, tx common.Hash) error {
	return a.sim.waitForFinality(ctx, tx)
}

func (a *SimAccount) Ping(context.Context) error {
	return nil
}
