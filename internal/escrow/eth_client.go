package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"x402mail/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const defaultPollInterval = 2 * time.Second

// EthClient talks to the X402Mail escrow and its payment token over JSON-RPC.
type EthClient struct {
	client        *ethclient.Client
	escrow        *bind.BoundContract
	token         *bind.BoundContract
	escrowAddress common.Address
	tokenAddress  common.Address
	chainID       *big.Int
	transacts     *bind.TransactOpts
	confirmations uint64
	pollInterval  time.Duration
}

type EthClientConfig struct {
	RPCURL               string
	PrivateKeyHex        string
	ContractEscrow       string
	ContractPaymentToken string
	// Confirmations is the number of blocks (including the inclusion block)
	// a receipt needs before the transaction counts as final.
	Confirmations uint64
	PollInterval  time.Duration
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractEscrow) {
		return nil, fmt.Errorf("escrow contract address is required")
	}
	if !common.IsHexAddress(cfg.ContractPaymentToken) {
		return nil, fmt.Errorf("payment token address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting transactions")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	escrowABI, err := abi.JSON(strings.NewReader(contracts.X402MailABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	tokenABI, err := abi.JSON(strings.NewReader(contracts.ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}

	escrowAddress := common.HexToAddress(cfg.ContractEscrow)
	tokenAddress := common.HexToAddress(cfg.ContractPaymentToken)

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate
	txOpts.GasPrice = nil
	txOpts.Nonce = nil

	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	return &EthClient{
		client:        cli,
		escrow:        bind.NewBoundContract(escrowAddress, escrowABI, cli, cli, cli),
		token:         bind.NewBoundContract(tokenAddress, tokenABI, cli, cli, cli),
		escrowAddress: escrowAddress,
		tokenAddress:  tokenAddress,
		chainID:       chainID,
		transacts:     txOpts,
		confirmations: confirmations,
		pollInterval:  poll,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Address is the signing wallet.
func (c *EthClient) Address() common.Address {
	return c.transacts.From
}

func (c *EthClient) EscrowAddress() common.Address {
	return c.escrowAddress
}

func (c *EthClient) Deposit(ctx context.Context, receiver common.Address, messageHash common.Hash, amount *big.Int) (common.Hash, error) {
	if receiver == (common.Address{}) {
		return common.Hash{}, fmt.Errorf("invalid receiver address")
	}
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("invalid amount")
	}
	return c.transact(ctx, c.escrow, "depositPayment", receiver, messageHash, amount)
}

func (c *EthClient) MarkRead(ctx context.Context, messageHash common.Hash) (common.Hash, error) {
	return c.transact(ctx, c.escrow, "markAsRead", messageHash)
}

func (c *EthClient) RefundExpired(ctx context.Context, messageHash common.Hash) (common.Hash, error) {
	return c.transact(ctx, c.escrow, "refundExpired", messageHash)
}

func (c *EthClient) FlagSpam(ctx context.Context, messageHash common.Hash) (common.Hash, error) {
	return c.transact(ctx, c.escrow, "flagSpam", messageHash)
}

func (c *EthClient) CalculateFee(ctx context.Context, sender common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.escrow.Call(&bind.CallOpts{Context: ctx}, &out, "calculateFee", sender); err != nil {
		return nil, fmt.Errorf("calculate fee: %w", err)
	}
	return bigResult(out)
}

func (c *EthClient) GetMessage(ctx context.Context, messageHash common.Hash) (Message, error) {
	var out []interface{}
	if err := c.escrow.Call(&bind.CallOpts{Context: ctx}, &out, "getMessage", messageHash); err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	if len(out) == 0 {
		return Message{}, fmt.Errorf("get message: empty result")
	}
	raw := *abi.ConvertType(out[0], new(rawMessage)).(*rawMessage)
	if raw.Sender == (common.Address{}) {
		return Message{}, ErrMessageNotFound
	}
	return raw.toMessage(), nil
}

func (c *EthClient) GetProfile(ctx context.Context, sender common.Address) (SenderProfile, error) {
	var out []interface{}
	if err := c.escrow.Call(&bind.CallOpts{Context: ctx}, &out, "getSenderProfile", sender); err != nil {
		return SenderProfile{}, fmt.Errorf("get sender profile: %w", err)
	}
	if len(out) == 0 {
		return SenderProfile{}, fmt.Errorf("get sender profile: empty result")
	}
	raw := *abi.ConvertType(out[0], new(rawProfile)).(*rawProfile)
	return raw.toProfile(sender), nil
}

func (c *EthClient) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.token.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", account); err != nil {
		return nil, fmt.Errorf("token balance: %w", err)
	}
	return bigResult(out)
}

func (c *EthClient) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.token.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", owner, spender); err != nil {
		return nil, fmt.Errorf("token allowance: %w", err)
	}
	return bigResult(out)
}

func (c *EthClient) Approve(ctx context.Context, spender common.Address, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("invalid approval amount")
	}
	return c.transact(ctx, c.token, "approve", spender, amount)
}

func (c *EthClient) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	bal, err := c.client.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("native balance: %w", err)
	}
	return bal, nil
}

// WaitForFinality polls until the transaction is mined with enough
// confirmations, reverts, or the context is cancelled.
func (c *EthClient) WaitForFinality(ctx context.Context, tx common.Hash) error {
	receipt, err := WaitForReceipt(ctx, c.client, tx, c.pollInterval)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s", ErrReverted, tx.Hex())
	}
	if c.confirmations <= 1 || receipt.BlockNumber == nil {
		return nil
	}

	target := receipt.BlockNumber.Uint64() + c.confirmations - 1
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		head, err := c.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("block number: %w", err)
		}
		if head >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) transact(ctx context.Context, contract *bind.BoundContract, method string, params ...interface{}) (common.Hash, error) {
	if c.transacts == nil {
		return common.Hash{}, ErrReadOnly
	}
	opts := *c.transacts
	opts.Context = ctx

	tx, err := contract.Transact(&opts, method, params...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s tx: %w", method, err)
	}
	return tx.Hash(), nil
}

func bigResult(out []interface{}) (*big.Int, error) {
	if len(out) == 0 {
		return nil, fmt.Errorf("empty call result")
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected call result %T", out[0])
	}
	return v, nil
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, tx common.Hash, interval time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
