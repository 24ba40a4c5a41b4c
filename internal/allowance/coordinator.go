package allowance

import (
	"context"
	"fmt"
	"io"
	"math/big"

	"x402mail/internal/mailerr"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Token is the slice of the ERC-20 surface the coordinator needs.
type Token interface {
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, spender common.Address, amount *big.Int) (common.Hash, error)
}

// Result tells the caller whether it must wait on an approval first.
type Result struct {
	AlreadySufficient bool
	Current           *big.Int
	ApprovalTx        common.Hash
}

// Coordinator decides whether a spending approval is needed and submits it.
// It never waits for the approval to finalize.
type Coordinator struct {
	token  Token
	owner  common.Address
	logger *logrus.Logger
}

func NewCoordinator(token Token, owner common.Address, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Coordinator{token: token, owner: owner, logger: logger}
}

// EnsureAllowance approves exactly required for spender when the current
// allowance does not cover it. A failed allowance read is returned as a
// plain error; a failed approval submission as *mailerr.ApprovalError.
func (c *Coordinator) EnsureAllowance(ctx context.Context, spender common.Address, required *big.Int) (Result, error) {
	if required == nil || required.Sign() <= 0 {
		return Result{}, fmt.Errorf("required amount must be positive")
	}

	covered, current, err := c.Covers(ctx, spender, required)
	if err != nil {
		return Result{}, err
	}
	if covered {
		return Result{AlreadySufficient: true, Current: current}, nil
	}

	tx, err := c.token.Approve(ctx, spender, new(big.Int).Set(required))
	if err != nil {
		return Result{Current: current}, &mailerr.ApprovalError{Err: err}
	}

	c.logger.WithFields(logrus.Fields{
		"owner":    c.owner.Hex(),
		"spender":  spender.Hex(),
		"required": required.String(),
		"current":  current.String(),
		"tx_hash":  tx.Hex(),
	}).Info("approval submitted")

	return Result{Current: current, ApprovalTx: tx}, nil
}

// Covers reads the current allowance without submitting anything.
func (c *Coordinator) Covers(ctx context.Context, spender common.Address, required *big.Int) (bool, *big.Int, error) {
	current, err := c.token.Allowance(ctx, c.owner, spender)
	if err != nil {
		return false, nil, fmt.Errorf("read allowance: %w", err)
	}
	if current == nil {
		current = new(big.Int)
	}
	return current.Cmp(required) >= 0, current, nil
}
