package chain

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"

	"loop-agent/internal/lending"
	"loop-agent/internal/monitor"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Aave v3 style pool surface: account aggregates plus per-action entrypoints.
const poolABIJSON = `[
	{"name":"getUserAccountData","type":"function","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"totalCollateralBase","type":"uint256"},{"name":"totalDebtBase","type":"uint256"},{"name":"availableBorrowsBase","type":"uint256"},{"name":"currentLiquidationThreshold","type":"uint256"},{"name":"ltv","type":"uint256"},{"name":"healthFactor","type":"uint256"}]},
	{"name":"supply","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],"outputs":[]},
	{"name":"borrow","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"referralCode","type":"uint16"},{"name":"onBehalfOf","type":"address"}],"outputs":[]},
	{"name":"withdraw","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"to","type":"address"}],"outputs":[]},
	{"name":"repay","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"onBehalfOf","type":"address"}],"outputs":[]}
]`

// healthScale is the 1e18 fixed-point scale of Aave's health factor.
var healthScale = new(big.Float).SetFloat64(1e18)

// Aave reports this for zero-debt accounts.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func poolABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(poolABIJSON))
}

// AddressResolver maps an internal user id to the wallet holding that user's
// on-chain position.
type AddressResolver interface {
	WalletAddress(userID string) (common.Address, error)
}

// StaticResolver serves the single-wallet agent mode: every user's position
// lives under the agent wallet.
type StaticResolver struct {
	Address common.Address
}

func (r StaticResolver) WalletAddress(userID string) (common.Address, error) {
	_ = userID
	return r.Address, nil
}

type callBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Reader reads live account state from the lending pool contract. Every read
// is point in time; the monitor bounds staleness with its polling interval.
type Reader struct {
	backend  callBackend
	pool     common.Address
	resolver AddressResolver
	abi      abi.ABI
	log      *zap.Logger
}

func NewReader(backend callBackend, pool common.Address, resolver AddressResolver, log *zap.Logger) (*Reader, error) {
	parsed, err := poolABI()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{backend: backend, pool: pool, resolver: resolver, abi: parsed, log: log}, nil
}

func (r *Reader) ReadAccountState(ctx context.Context, userID string, market lending.CollateralMarket) (monitor.AccountState, error) {
	wallet, err := r.resolver.WalletAddress(userID)
	if err != nil {
		return monitor.AccountState{}, fmt.Errorf("%w: resolve wallet for %s: %v", monitor.ErrStaleRead, userID, err)
	}
	input, err := r.abi.Pack("getUserAccountData", wallet)
	if err != nil {
		return monitor.AccountState{}, err
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &r.pool, Data: input}, nil)
	if err != nil {
		return monitor.AccountState{}, fmt.Errorf("%w: %s in %s: %v", monitor.ErrStaleRead, userID, market.Key(), err)
	}
	values, err := r.abi.Unpack("getUserAccountData", out)
	if err != nil || len(values) != 6 {
		return monitor.AccountState{}, fmt.Errorf("%w: malformed account data for %s", monitor.ErrStaleRead, userID)
	}
	collateral, ok1 := values[0].(*big.Int)
	debt, ok2 := values[1].(*big.Int)
	rawHealth, ok3 := values[5].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return monitor.AccountState{}, fmt.Errorf("%w: unexpected account data types for %s", monitor.ErrStaleRead, userID)
	}
	return monitor.AccountState{
		Collateral:   collateral,
		Debt:         debt,
		HealthFactor: decodeHealth(rawHealth, debt),
	}, nil
}

func decodeHealth(raw *big.Int, debt *big.Int) float64 {
	if debt == nil || debt.Sign() == 0 || raw.Cmp(maxUint256) == 0 {
		return math.Inf(1)
	}
	out, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), healthScale).Float64()
	return out
}
