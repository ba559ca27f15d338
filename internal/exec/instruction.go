package exec

import (
	"bytes"
	"context"
	"errors"
	"math/big"

	"loop-agent/internal/lending"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vmihailenco/msgpack/v5"
)

type Kind string

const (
	KindSupply   Kind = "supply"
	KindBorrow   Kind = "borrow"
	KindWithdraw Kind = "withdraw"
	KindRepay    Kind = "repay"

	// KindLoop labels a StepResult covering one borrow-and-resupply round.
	// It is never a valid instruction kind.
	KindLoop Kind = "loop"
)

// Instruction is one on-chain lending action. PlanID and Sequence make the
// instruction unique within a plan run so repeated submissions after a crash
// resolve to the same journal entry.
type Instruction struct {
	PlanID   string
	Sequence int
	Kind     Kind
	UserID   string
	Market   lending.CollateralMarket
	Amount   *big.Int
}

// Confirmation is the broadcaster's proof that an instruction landed on chain.
type Confirmation struct {
	TxHash string
	Block  uint64
}

// Signer submits instructions and blocks until confirmation. It owns nonce
// sequencing and any retry policy; the engine never retries on its own.
type Signer interface {
	Submit(ctx context.Context, instr Instruction) (Confirmation, error)
}

// Ref is the instruction's client reference: the Keccak-256 hash of its
// canonical msgpack encoding. Field order is fixed so the hash is stable.
func (in Instruction) Ref() (string, error) {
	if in.Kind == "" {
		return "", errors.New("instruction kind is required")
	}
	if in.Amount == nil || in.Amount.Sign() <= 0 {
		return "", errors.New("instruction amount must be positive")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(6); err != nil {
		return "", err
	}
	fields := []struct {
		key string
		val string
	}{
		{"plan", in.PlanID},
		{"seq", ""},
		{"kind", string(in.Kind)},
		{"user", in.UserID},
		{"market", in.Market.Key()},
		{"amount", in.Amount.String()},
	}
	for _, field := range fields {
		if err := enc.EncodeString(field.key); err != nil {
			return "", err
		}
		if field.key == "seq" {
			if err := enc.EncodeInt(int64(in.Sequence)); err != nil {
				return "", err
			}
			continue
		}
		if err := enc.EncodeString(field.val); err != nil {
			return "", err
		}
	}
	return hexutil.Encode(crypto.Keccak256(buf.Bytes())), nil
}
