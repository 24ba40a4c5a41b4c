// Package mailerr defines the failure taxonomy surfaced on a send session.
package mailerr

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind names an error class for API responses and metrics labels.
type Kind string

const (
	KindInvalidRequest    Kind = "invalid_request"
	KindResolution        Kind = "resolution"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindFee               Kind = "fee"
	KindApproval          Kind = "approval"
	KindDeposit           Kind = "deposit"
	KindNotification      Kind = "notification"
	KindInternal          Kind = "internal"
)

// Asset identifies which balance fell short.
type Asset string

const (
	AssetGas   Asset = "gas"
	AssetToken Asset = "token"
)

type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Reason
}

// ResolutionError means the recipient wallet could not be determined.
type ResolutionError struct {
	Recipient string
	NotFound  bool
	Err       error
}

func (e *ResolutionError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("no wallet address registered for %s", e.Recipient)
	}
	return fmt.Sprintf("resolve %s: %v", e.Recipient, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// InsufficientFundsError reports exactly one shortfall.
type InsufficientFundsError struct {
	Asset     Asset
	Required  *big.Int
	Available *big.Int
	Err       error
}

func (e *InsufficientFundsError) Error() string {
	msg := fmt.Sprintf("insufficient %s balance: required %s, available %s", e.Asset, bigString(e.Required), bigString(e.Available))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InsufficientFundsError) Unwrap() error { return e.Err }

// FeeError means the offered amount is below the protocol fee for the sender.
type FeeError struct {
	Required *big.Int
	Offered  *big.Int
}

func (e *FeeError) Error() string {
	return fmt.Sprintf("amount %s is below the protocol fee %s", bigString(e.Offered), bigString(e.Required))
}

// ApprovalError covers a rejected or failed token approval. Tx is zero when
// the approval was never submitted.
type ApprovalError struct {
	Tx  common.Hash
	Err error
}

func (e *ApprovalError) Error() string {
	if e.Tx == (common.Hash{}) {
		return fmt.Sprintf("approval failed: %v", e.Err)
	}
	return fmt.Sprintf("approval %s failed: %v", e.Tx.Hex(), e.Err)
}

func (e *ApprovalError) Unwrap() error { return e.Err }

// DepositError covers a rejected or failed escrow deposit.
type DepositError struct {
	Tx  common.Hash
	Err error
}

func (e *DepositError) Error() string {
	if e.Tx == (common.Hash{}) {
		return fmt.Sprintf("deposit failed: %v", e.Err)
	}
	return fmt.Sprintf("deposit %s failed: %v", e.Tx.Hex(), e.Err)
}

func (e *DepositError) Unwrap() error { return e.Err }

// NotificationError is raised after the escrow is already funded: the
// deposit is final on-chain but the message store has no record of it.
type NotificationError struct {
	DepositTx   common.Hash
	MessageHash common.Hash
	Err         error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("payment %s is escrowed but delivery notification failed: %v", e.DepositTx.Hex(), e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// KindOf classifies err.
func KindOf(err error) Kind {
	var (
		invalid      *InvalidRequestError
		resolution   *ResolutionError
		funds        *InsufficientFundsError
		fee          *FeeError
		approval     *ApprovalError
		deposit      *DepositError
		notification *NotificationError
	)
	switch {
	case errors.As(err, &notification):
		return KindNotification
	case errors.As(err, &deposit):
		return KindDeposit
	case errors.As(err, &approval):
		return KindApproval
	case errors.As(err, &fee):
		return KindFee
	case errors.As(err, &funds):
		return KindInsufficientFunds
	case errors.As(err, &resolution):
		return KindResolution
	case errors.As(err, &invalid):
		return KindInvalidRequest
	default:
		return KindInternal
	}
}

// NeedsGuidance is true for failures where a blind resubmission could pay twice.
func NeedsGuidance(err error) bool {
	return KindOf(err) == KindNotification
}

// UserMessage renders err as the reason shown on the session.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var notification *NotificationError
	if errors.As(err, &notification) {
		return fmt.Sprintf("Your payment is escrowed (transaction %s) but the message could not be delivered: %v. "+
			"Do not resend; use re-notify to deliver it with the existing payment.", notification.DepositTx.Hex(), notification.Err)
	}
	var funds *InsufficientFundsError
	if errors.As(err, &funds) && funds.Asset == AssetGas {
		return "Insufficient native balance for gas fees. " + funds.Error()
	}
	return err.Error()
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
