package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"loop-agent/internal/exec"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

const (
	receiptPollInterval = 2 * time.Second
	defaultGasLimit     = 450_000
	// Aave interest rate mode: variable debt.
	variableRateMode = 2
)

type txBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Broadcaster signs and submits lending instructions and blocks until the
// transaction is mined. Submissions are serialized behind one mutex so a
// single signing key never has more than one nonce in flight.
type Broadcaster struct {
	backend txBackend
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	pool    common.Address
	tokens  map[string]common.Address
	abi     abi.ABI
	log     *zap.Logger

	mu sync.Mutex
}

// NewBroadcaster derives the wallet from hexKey. tokens maps token symbols
// from market config to their ERC-20 addresses.
func NewBroadcaster(b txBackend, hexKey string, chainID int64, pool common.Address, tokens map[string]common.Address, log *zap.Logger) (*Broadcaster, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	parsed, err := poolABI()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		backend: b,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
		pool:    pool,
		tokens:  tokens,
		abi:     parsed,
		log:     log,
	}, nil
}

func (b *Broadcaster) Address() common.Address {
	return b.address
}

// Submit implements exec.Signer.
func (b *Broadcaster) Submit(ctx context.Context, instr exec.Instruction) (exec.Confirmation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	calldata, err := b.encode(instr)
	if err != nil {
		return exec.Confirmation{}, err
	}
	nonce, err := b.backend.PendingNonceAt(ctx, b.address)
	if err != nil {
		return exec.Confirmation{}, classify(ctx, err)
	}
	gasPrice, err := b.backend.SuggestGasPrice(ctx)
	if err != nil {
		return exec.Confirmation{}, classify(ctx, err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &b.pool,
		Gas:      defaultGasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(b.chainID), b.key)
	if err != nil {
		return exec.Confirmation{}, err
	}
	if err := b.backend.SendTransaction(ctx, signed); err != nil {
		return exec.Confirmation{}, classify(ctx, err)
	}
	b.log.Debug("transaction submitted",
		zap.String("kind", string(instr.Kind)),
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
	)
	return b.waitMined(ctx, signed.Hash())
}

func (b *Broadcaster) encode(instr exec.Instruction) ([]byte, error) {
	asset, ok := b.assetFor(instr)
	if !ok {
		return nil, fmt.Errorf("no token address configured for instruction %s in %s", instr.Kind, instr.Market.Key())
	}
	switch instr.Kind {
	case exec.KindSupply:
		return b.abi.Pack("supply", asset, instr.Amount, b.address, uint16(0))
	case exec.KindBorrow:
		return b.abi.Pack("borrow", asset, instr.Amount, big.NewInt(variableRateMode), uint16(0), b.address)
	case exec.KindWithdraw:
		return b.abi.Pack("withdraw", asset, instr.Amount, b.address)
	case exec.KindRepay:
		return b.abi.Pack("repay", asset, instr.Amount, big.NewInt(variableRateMode), b.address)
	default:
		return nil, fmt.Errorf("unknown instruction kind %q", instr.Kind)
	}
}

// assetFor picks the token the instruction moves: collateral for
// supply/withdraw, the loan asset for borrow/repay.
func (b *Broadcaster) assetFor(instr exec.Instruction) (common.Address, bool) {
	var symbol string
	switch instr.Kind {
	case exec.KindSupply, exec.KindWithdraw:
		symbol = instr.Market.CollateralToken
	case exec.KindBorrow, exec.KindRepay:
		symbol = instr.Market.LoanToken
	default:
		return common.Address{}, false
	}
	addr, ok := b.tokens[symbol]
	return addr, ok
}

func (b *Broadcaster) waitMined(ctx context.Context, txHash common.Hash) (exec.Confirmation, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := b.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return exec.Confirmation{}, fmt.Errorf("%w: tx %s", exec.ErrTransactionReverted, txHash.Hex())
			}
			return exec.Confirmation{TxHash: txHash.Hex(), Block: receipt.BlockNumber.Uint64()}, nil
		}
		select {
		case <-ctx.Done():
			return exec.Confirmation{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// classify maps backend errors onto the engine's failure taxonomy. Timeouts
// pass through as context errors so the engine can label them; insufficient
// funds is detected from the node's error string, everything else is treated
// as a revert-class submission failure.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "insufficient balance") {
		return fmt.Errorf("%w: %v", exec.ErrInsufficientBalance, err)
	}
	if strings.Contains(msg, "execution reverted") {
		return fmt.Errorf("%w: %v", exec.ErrTransactionReverted, err)
	}
	return err
}
