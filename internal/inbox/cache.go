package inbox

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	bbolt "go.etcd.io/bbolt"
)

// Cache holds the last known inbox list per recipient.
type Cache interface {
	Get(owner common.Address) ([]Message, bool, error)
	Put(owner common.Address, messages []Message) error
}

// MemoryCache is the default, process-local cache.
type MemoryCache struct {
	mu   sync.RWMutex
	data map[common.Address][]Message
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{data: make(map[common.Address][]Message)}
}

func (c *MemoryCache) Get(owner common.Address) ([]Message, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs, ok := c.data[owner]
	if !ok {
		return nil, false, nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, true, nil
}

func (c *MemoryCache) Put(owner common.Address, messages []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := make([]Message, len(messages))
	copy(stored, messages)
	c.data[owner] = stored
	return nil
}

var bucketInbox = []byte("inbox")

// BoltCache persists inbox lists in a bbolt file so a restart can show the
// last list before the store answers.
type BoltCache struct {
	db *bbolt.DB
}

func OpenBoltCache(path string) (*BoltCache, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("inbox cache: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInbox)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("inbox cache: create bucket: %w", err)
	}
	return &BoltCache{db: db}, nil
}

func (c *BoltCache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *BoltCache) Get(owner common.Address) ([]Message, bool, error) {
	var (
		msgs  []Message
		found bool
	)
	err := c.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketInbox).Get(owner.Bytes())
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &msgs)
	})
	if err != nil {
		return nil, false, fmt.Errorf("inbox cache: decode %s: %w", owner.Hex(), err)
	}
	return msgs, found, nil
}

func (c *BoltCache) Put(owner common.Address, messages []Message) error {
	if messages == nil {
		messages = []Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("inbox cache: encode %s: %w", owner.Hex(), err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInbox).Put(owner.Bytes(), data)
	})
}
