package inbox

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Message is the off-chain store's view of a delivered message, cached per
// recipient. Timestamp is unix milliseconds.
type Message struct {
	MessageHash     string `json:"messageHash"`
	Sender          string `json:"sender"`
	Receiver        string `json:"receiver,omitempty"`
	Subject         string `json:"subject"`
	Body            string `json:"body"`
	Amount          string `json:"amount"`
	Timestamp       int64  `json:"timestamp"`
	IsRead          bool   `json:"isRead"`
	IsSpam          bool   `json:"isSpam"`
	IsRefunded      bool   `json:"isRefunded,omitempty"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

// Hash parses MessageHash.
func (m Message) Hash() common.Hash {
	return common.HexToHash(m.MessageHash)
}

func (m Message) finalized() bool {
	return m.IsRead || m.IsSpam || m.IsRefunded
}

// Outcome is a recipient action that finalizes a message.
type Outcome int

const (
	OutcomeRead Outcome = iota + 1
	OutcomeSpam
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRead:
		return "read"
	case OutcomeSpam:
		return "spam"
	default:
		return "unknown"
	}
}

// ApplyOutcome returns a copy of list with the outcome set on the message
// identified by hash. Messages that already carry a terminal flag are left
// alone, so applying the same outcome twice equals applying it once. The
// input slice is never modified.
func ApplyOutcome(list []Message, hash common.Hash, outcome Outcome) []Message {
	out := make([]Message, len(list))
	copy(out, list)
	for i := range out {
		if !sameHash(out[i].MessageHash, hash) || out[i].finalized() {
			continue
		}
		switch outcome {
		case OutcomeRead:
			out[i].IsRead = true
		case OutcomeSpam:
			out[i].IsSpam = true
		}
	}
	return out
}

func sameHash(raw string, hash common.Hash) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	return common.HexToHash(raw) == hash
}
