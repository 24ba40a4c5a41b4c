package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Protocol abstracts the on-chain escrow contract. State-changing calls
// return the submitted transaction hash; none of them is final on return.
type Protocol interface {
	Deposit(ctx context.Context, receiver common.Address, messageHash common.Hash, amount *big.Int) (common.Hash, error)
	MarkRead(ctx context.Context, messageHash common.Hash) (common.Hash, error)
	RefundExpired(ctx context.Context, messageHash common.Hash) (common.Hash, error)
	FlagSpam(ctx context.Context, messageHash common.Hash) (common.Hash, error)

	CalculateFee(ctx context.Context, sender common.Address) (*big.Int, error)
	GetMessage(ctx context.Context, messageHash common.Hash) (Message, error)
	GetProfile(ctx context.Context, sender common.Address) (SenderProfile, error)
}

// Token is the ERC-20 payment token surface.
type Token interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, spender common.Address, amount *big.Int) (common.Hash, error)
}

// Chain exposes native balance reads and finality observation.
type Chain interface {
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	// WaitForFinality blocks until tx is confirmed, the transaction
	// reverts (ErrReverted) or ctx is done.
	WaitForFinality(ctx context.Context, tx common.Hash) error
}

// Backend bundles everything a signing wallet can do against the deployment.
type Backend interface {
	Protocol
	Token
	Chain
	Address() common.Address
	EscrowAddress() common.Address
}

// HealthChecker is implemented by backends that can report RPC reachability.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
