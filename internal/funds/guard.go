package funds

import (
	"context"
	"io"
	"math/big"
	"time"

	"x402mail/internal/mailerr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// DefaultMinGas is 0.000005 ETH, enough for an approve plus a deposit on an L2.
var DefaultMinGas = big.NewInt(5_000_000_000_000)

// BalanceReader reads the two balances a send depends on.
type BalanceReader interface {
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
}

// Thresholds are the sufficiency rules applied before any transaction.
type Thresholds struct {
	// MinGas is the native balance (wei) a sender must hold.
	MinGas *big.Int
	// TokenMargin is required on top of the payment amount, in token units.
	TokenMargin *big.Int
}

// Guard checks that a sender can pay gas and the escrow amount.
type Guard struct {
	reader     BalanceReader
	thresholds Thresholds
	retryDelay time.Duration
	logger     *logrus.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewGuard(reader BalanceReader, thresholds Thresholds, retryDelay time.Duration, logger *logrus.Logger) *Guard {
	if thresholds.MinGas == nil {
		thresholds.MinGas = new(big.Int).Set(DefaultMinGas)
	}
	if thresholds.TokenMargin == nil {
		thresholds.TokenMargin = new(big.Int)
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Guard{
		reader:     reader,
		thresholds: thresholds,
		retryDelay: retryDelay,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// CheckSufficientFunds returns nil when both balances suffice, otherwise a
// single *mailerr.InsufficientFundsError. A failing first read is retried
// once after the retry delay, since a freshly connected node can serve a
// stale or empty balance. Read errors fail closed.
func (g *Guard) CheckSufficientFunds(ctx context.Context, account common.Address, required *big.Int) error {
	err := g.check(ctx, account, required)
	if err == nil {
		return nil
	}

	g.logger.WithFields(logrus.Fields{
		"sender": account.Hex(),
		"error":  err.Error(),
	}).Debug("balance check failed, retrying once")

	if serr := g.sleep(ctx, g.retryDelay); serr != nil {
		return serr
	}
	return g.check(ctx, account, required)
}

func (g *Guard) check(ctx context.Context, account common.Address, required *big.Int) error {
	native, err := g.reader.NativeBalance(ctx, account)
	if err != nil || native == nil {
		return &mailerr.InsufficientFundsError{
			Asset:     mailerr.AssetGas,
			Required:  g.thresholds.MinGas,
			Available: new(big.Int),
			Err:       err,
		}
	}
	if native.Cmp(g.thresholds.MinGas) < 0 {
		return &mailerr.InsufficientFundsError{
			Asset:     mailerr.AssetGas,
			Required:  g.thresholds.MinGas,
			Available: native,
		}
	}

	need := new(big.Int).Add(required, g.thresholds.TokenMargin)
	token, err := g.reader.BalanceOf(ctx, account)
	if err != nil || token == nil {
		return &mailerr.InsufficientFundsError{
			Asset:     mailerr.AssetToken,
			Required:  need,
			Available: new(big.Int),
			Err:       err,
		}
	}
	if token.Cmp(need) < 0 {
		return &mailerr.InsufficientFundsError{
			Asset:     mailerr.AssetToken,
			Required:  need,
			Available: token,
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
