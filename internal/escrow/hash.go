package escrow

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MessageHash derives the content hash used as the escrow key:
// keccak256 of "subject:body:<unix millis>".
func MessageHash(subject, body string, nonce time.Time) common.Hash {
	content := fmt.Sprintf("%s:%s:%d", subject, body, nonce.UnixMilli())
	return crypto.Keccak256Hash([]byte(content))
}

// NonceSource hands out strictly increasing millisecond timestamps so two
// sessions started within the same millisecond never share a hash.
type NonceSource struct {
	mu   sync.Mutex
	last int64
	Now  func() time.Time
}

func (n *NonceSource) Next() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	ms := now().UnixMilli()
	if ms <= n.last {
		ms = n.last + 1
	}
	n.last = ms
	return time.UnixMilli(ms)
}
