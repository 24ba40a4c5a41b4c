package escrow

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrReverted         = errors.New("transaction reverted")
	ErrMessageNotFound  = errors.New("message not found")
	ErrAlreadyFinalized = errors.New("message already finalized")
	ErrNotReceiver      = errors.New("caller is not the message receiver")
	ErrNotSender        = errors.New("caller is not the message sender")
	ErrNotExpired       = errors.New("message has not expired")
	ErrBelowMinimum     = errors.New("amount below protocol minimum")
	ErrDuplicateMessage = errors.New("message hash already deposited")
	ErrReadOnly         = errors.New("client is read-only")
)

// Message is the client's read-only projection of an escrowed message.
// At most one of Read, Refunded and Spam is ever set.
type Message struct {
	Hash      common.Hash    `json:"messageHash"`
	Sender    common.Address `json:"sender"`
	Receiver  common.Address `json:"receiver"`
	Amount    *big.Int       `json:"amount"`
	Timestamp time.Time      `json:"timestamp"`
	Read      bool           `json:"isRead"`
	Refunded  bool           `json:"isRefunded"`
	Spam      bool           `json:"isSpam"`
}

// Finalized reports whether the message reached a terminal outcome.
func (m Message) Finalized() bool {
	return m.Read || m.Refunded || m.Spam
}

// SenderProfile is the protocol-maintained reputation of a sender.
type SenderProfile struct {
	Sender           common.Address `json:"sender"`
	CredibilityScore uint64         `json:"credibilityScore"`
	TotalSent        uint64         `json:"totalSent"`
	TotalRead        uint64         `json:"totalRead"`
	SpamFlags        uint64         `json:"spamFlags"`
}

// rawMessage mirrors the ABI tuple returned by getMessage.
type rawMessage struct {
	Sender      common.Address
	Receiver    common.Address
	MessageHash [32]byte
	Amount      *big.Int
	Timestamp   *big.Int
	IsRead      bool
	IsRefunded  bool
	IsSpam      bool
}

func (r rawMessage) toMessage() Message {
	msg := Message{
		Hash:     common.Hash(r.MessageHash),
		Sender:   r.Sender,
		Receiver: r.Receiver,
		Amount:   r.Amount,
		Read:     r.IsRead,
		Refunded: r.IsRefunded,
		Spam:     r.IsSpam,
	}
	if msg.Amount == nil {
		msg.Amount = new(big.Int)
	}
	if r.Timestamp != nil {
		msg.Timestamp = time.Unix(r.Timestamp.Int64(), 0).UTC()
	}
	return msg
}

// rawProfile mirrors the ABI tuple returned by getSenderProfile.
type rawProfile struct {
	CredibilityScore *big.Int
	TotalSent        *big.Int
	TotalRead        *big.Int
	SpamFlags        *big.Int
}

func (r rawProfile) toProfile(sender common.Address) SenderProfile {
	return SenderProfile{
		Sender:           sender,
		CredibilityScore: uint64OrZero(r.CredibilityScore),
		TotalSent:        uint64OrZero(r.TotalSent),
		TotalRead:        uint64OrZero(r.TotalRead),
		SpamFlags:        uint64OrZero(r.SpamFlags),
	}
}

func uint64OrZero(v *big.Int) uint64 {
	if v == nil || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}
