package inbox

import (
	"context"
	"fmt"
	"io"
	"sync"

	"x402mail/internal/escrow"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Fetcher loads a recipient's inbox from the message store.
type Fetcher interface {
	FetchInbox(ctx context.Context, owner common.Address) ([]Message, error)
}

// Protocol is the recipient-side slice of the escrow client.
type Protocol interface {
	MarkRead(ctx context.Context, messageHash common.Hash) (common.Hash, error)
	FlagSpam(ctx context.Context, messageHash common.Hash) (common.Hash, error)
	GetMessage(ctx context.Context, messageHash common.Hash) (escrow.Message, error)
}

// Finality waits for a submitted transaction.
type Finality interface {
	WaitForFinality(ctx context.Context, tx common.Hash) error
}

// Service owns the cached inbox of one recipient wallet. The cache is only
// mutated here, in response to actions this service initiated.
type Service struct {
	owner    common.Address
	fetcher  Fetcher
	protocol Protocol
	chain    Finality
	cache    Cache
	logger   *logrus.Logger
	observe  func(outcome Outcome, result string)

	mu sync.Mutex
}

func NewService(owner common.Address, fetcher Fetcher, protocol Protocol, chain Finality, cache Cache, logger *logrus.Logger) *Service {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Service{
		owner:    owner,
		fetcher:  fetcher,
		protocol: protocol,
		chain:    chain,
		cache:    cache,
		logger:   logger,
	}
}

// OnOutcome registers a hook called once per MarkRead/FlagSpam with
// "confirmed", "reverted" or "diverged".
func (s *Service) OnOutcome(fn func(outcome Outcome, result string)) {
	s.observe = fn
}

func (s *Service) Owner() common.Address {
	return s.owner
}

// Load returns the cached list, fetching from the store when there is none
// or refresh is set.
func (s *Service) Load(ctx context.Context, refresh bool) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !refresh {
		if msgs, ok, err := s.cache.Get(s.owner); err == nil && ok {
			return msgs, nil
		} else if err != nil {
			s.logger.WithError(err).Warn("inbox cache read failed, fetching")
		}
	}
	return s.fetchLocked(ctx)
}

// MarkRead claims the escrow for hash.
func (s *Service) MarkRead(ctx context.Context, hash common.Hash) ([]Message, common.Hash, error) {
	return s.resolve(ctx, hash, OutcomeRead)
}

// FlagSpam flags hash as spam.
func (s *Service) FlagSpam(ctx context.Context, hash common.Hash) ([]Message, common.Hash, error) {
	return s.resolve(ctx, hash, OutcomeSpam)
}

func (s *Service) resolve(ctx context.Context, hash common.Hash, outcome Outcome) ([]Message, common.Hash, error) {
	var (
		tx  common.Hash
		err error
	)
	switch outcome {
	case OutcomeRead:
		tx, err = s.protocol.MarkRead(ctx, hash)
	case OutcomeSpam:
		tx, err = s.protocol.FlagSpam(ctx, hash)
	default:
		return nil, common.Hash{}, fmt.Errorf("unknown outcome %d", outcome)
	}
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("submit %s: %w", outcome, err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"message_hash": hash.Hex(),
		"tx_hash":      tx.Hex(),
		"outcome":      outcome.String(),
	})

	updated, cached := s.applyOptimistic(ctx, hash, outcome, log)

	if err := s.chain.WaitForFinality(ctx, tx); err != nil {
		log.WithError(err).Warn("outcome did not finalize, re-fetching inbox")
		s.notify(outcome, "reverted")
		return s.reconcile(ctx), tx, fmt.Errorf("%s %s did not finalize: %w", outcome, tx.Hex(), err)
	}

	msg, err := s.protocol.GetMessage(ctx, hash)
	if err != nil || !hasOutcome(msg, outcome) {
		if err == nil {
			err = fmt.Errorf("message state disagrees with %s", outcome)
		}
		log.WithError(err).Warn("outcome not confirmed by read, re-fetching inbox")
		s.notify(outcome, "diverged")
		return s.reconcile(ctx), tx, fmt.Errorf("confirm %s: %w", outcome, err)
	}

	log.Info("outcome confirmed")
	s.notify(outcome, "confirmed")
	if !cached {
		return s.reconcile(ctx), tx, nil
	}
	return updated, tx, nil
}

// applyOptimistic writes the outcome into the cached list. With nothing
// cached the list is fetched first; an empty list is never stored as the
// owner's inbox.
func (s *Service) applyOptimistic(ctx context.Context, hash common.Hash, outcome Outcome, log *logrus.Entry) ([]Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok, err := s.cache.Get(s.owner)
	if err != nil {
		log.WithError(err).Warn("inbox cache read failed")
	}
	if !ok {
		current, err = s.fetchLocked(ctx)
		if err != nil {
			log.WithError(err).Warn("inbox fetch failed, skipping optimistic update")
			return nil, false
		}
	}
	updated := ApplyOutcome(current, hash, outcome)
	if err := s.cache.Put(s.owner, updated); err != nil {
		log.WithError(err).Warn("inbox cache write failed")
	}
	return updated, true
}

func (s *Service) notify(outcome Outcome, result string) {
	if s.observe != nil {
		s.observe(outcome, result)
	}
}

func (s *Service) fetchLocked(ctx context.Context) ([]Message, error) {
	msgs, err := s.fetcher.FetchInbox(ctx, s.owner)
	if err != nil {
		return nil, fmt.Errorf("fetch inbox: %w", err)
	}
	if err := s.cache.Put(s.owner, msgs); err != nil {
		s.logger.WithError(err).Warn("inbox cache write failed")
	}
	return msgs, nil
}

// reconcile replaces the optimistic list with the store's. If the store is
// unreachable the cached list is returned unchanged.
func (s *Service) reconcile(ctx context.Context) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.fetchLocked(ctx)
	if err == nil {
		return msgs
	}
	s.logger.WithError(err).Warn("inbox re-fetch failed")
	cached, _, _ := s.cache.Get(s.owner)
	return cached
}

func hasOutcome(msg escrow.Message, outcome Outcome) bool {
	switch outcome {
	case OutcomeRead:
		return msg.Read
	case OutcomeSpam:
		return msg.Spam
	}
	return false
}
