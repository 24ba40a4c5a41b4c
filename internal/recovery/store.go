package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Record describes a deposit that reached finality but whose notification to
// the message store failed. The funds are escrowed; the store has no entry.
type Record struct {
	DepositTx     string    `json:"depositTx"`
	MessageHash   string    `json:"messageHash"`
	Sender        string    `json:"sender"`
	Receiver      string    `json:"receiver"`
	ReceiverEmail string    `json:"receiverEmail,omitempty"`
	Subject       string    `json:"subject"`
	Body          string    `json:"body"`
	Amount        string    `json:"amount"`
	Reason        string    `json:"reason"`
	FailedAt      time.Time `json:"failedAt"`
}

// Store abstracts recovery persistence. Keys are deposit transaction hashes.
type Store interface {
	Get(ctx context.Context, depositTx string) (*Record, error)
	Save(ctx context.Context, record Record) error
	Delete(ctx context.Context, depositTx string) error
	List(ctx context.Context) ([]Record, error)
}

func key(depositTx string) string {
	return strings.ToLower(strings.TrimSpace(depositTx))
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].FailedAt.Before(records[j].FailedAt)
	})
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, depositTx string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key(depositTx)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, record Record) error {
	if key(record.DepositTx) == "" {
		return errors.New("recovery record without deposit tx")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key(record.DepositTx)] = record
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, depositTx string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key(depositTx))
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.data))
	for _, rec := range m.data {
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// FileStore persists records to a JSON file so they survive a restart.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, depositTx string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key(depositTx)]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, record Record) error {
	if key(record.DepositTx) == "" {
		return errors.New("recovery record without deposit tx")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key(record.DepositTx)] = record
	return f.persist()
}

func (f *FileStore) Delete(_ context.Context, depositTx string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key(depositTx)]; !ok {
		return nil
	}
	delete(f.data, key(depositTx))
	return f.persist()
}

func (f *FileStore) List(_ context.Context) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Record, 0, len(f.data))
	for _, rec := range f.data {
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}
