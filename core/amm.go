package core

// Constant-product AMM (PoolStateManager), spec.md §4.4. Grounded directly
// on core/liquidity_pools.go (CreatePool/AddLiquidity/Swap/RemoveLiquidity,
// basis-point fees, atomic-apply shape) and core/amm.go (the `min` helper,
// basis-point math), adapted from the teacher's ledger-callback model to
// pure reserve-state mutation since spec.md §4.4 keeps pool state separate
// from the generic ledger/balance component. All arithmetic here uses
// big.Int per spec.md §3 ("cross-node computation MUST use exact
// integers") — the teacher's float64-based LP math (math.Sqrt) is reused
// only as the grounding for an integer isqrt.

import (
	"fmt"
	"math/big"
	"sync"
)

var (
	bigZero = big.NewInt(0)
	feeNum  = big.NewInt(AMMFeeNum)
	feeDen  = big.NewInt(AMMFeeDen)
)

// Pool is one pair's constant-product AMM state (spec.md §3).
type Pool struct {
	mu              sync.RWMutex
	Initialized     bool
	ReserveA        *big.Int
	ReserveB        *big.Int
	K               *big.Int
	TotalLPTokens   *big.Int
	LPBalances      map[string]*big.Int
	CreatedAtBlock  uint64
	LastUpdateBlock uint64
}

func newPool() *Pool {
	return &Pool{
		ReserveA:      big.NewInt(0),
		ReserveB:      big.NewInt(0),
		K:             big.NewInt(0),
		TotalLPTokens: big.NewInt(0),
		LPBalances:    make(map[string]*big.Int),
	}
}

// PoolStateManager owns every pair's Pool and reconstructs them by replaying
// pool transactions from genesis when loading (spec.md §4.4).
type PoolStateManager struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

func NewPoolStateManager() *PoolStateManager {
	return &PoolStateManager{pools: make(map[string]*Pool)}
}

func (m *PoolStateManager) pool(pairID string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[pairID]
	if !ok {
		p = newPool()
		m.pools[pairID] = p
	}
	return p
}

// Pool returns a read-only handle to a pair's state, creating it
// uninitialized if unseen.
func (m *PoolStateManager) Pool(pairID string) *Pool { return m.pool(pairID) }

// Initialize seeds a pool with initial reserves and mints the bootstrap LP
// supply (spec.md §4.4). lpTokens = isqrt(a*b), rejected below MIN_LIQUIDITY.
func (m *PoolStateManager) Initialize(pairID, provider string, a, b int64, blockIndex uint64) error {
	if a <= 0 || b <= 0 {
		return fmt.Errorf("%w: reserves must be positive", ErrInvalidAmount)
	}
	p := m.pool(pairID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Initialized {
		return ErrPoolAlreadyInit
	}

	bigA, bigB := big.NewInt(a), big.NewInt(b)
	product := new(big.Int).Mul(bigA, bigB)
	lp := isqrt(product)
	if lp.Cmp(big.NewInt(MinLiquidity)) < 0 {
		return fmt.Errorf("%w: below MIN_LIQUIDITY", ErrInvalidAmount)
	}

	p.ReserveA, p.ReserveB = bigA, bigB
	p.K = new(big.Int).Mul(bigA, bigB)
	p.TotalLPTokens = lp
	p.LPBalances[provider] = new(big.Int).Set(lp)
	p.Initialized = true
	p.CreatedAtBlock = blockIndex
	p.LastUpdateBlock = blockIndex
	return nil
}

// Swap executes tokenIn->tokenOut against the pool's constant-product curve
// with a 3/1000 fee that stays in the pool (spec.md §4.4). tokenInIsA
// selects which side of the pool is being sold.
func (m *PoolStateManager) Swap(pairID string, tokenInIsA bool, amountIn, minOut int64, blockIndex uint64) (amountOut *big.Int, err error) {
	p := m.pool(pairID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.Initialized {
		return nil, ErrPoolUninitialized
	}
	if amountIn <= 0 {
		return nil, fmt.Errorf("%w: amountIn must be positive", ErrInvalidAmount)
	}

	reserveIn, reserveOut := p.ReserveA, p.ReserveB
	if !tokenInIsA {
		reserveIn, reserveOut = p.ReserveB, p.ReserveA
	}

	kPrev := new(big.Int).Mul(p.ReserveA, p.ReserveB)

	amtIn := big.NewInt(amountIn)
	fee := new(big.Int).Mul(amtIn, feeNum)
	fee.Div(fee, feeDen)
	amtInNet := new(big.Int).Sub(amtIn, fee)

	newReserveIn := new(big.Int).Add(reserveIn, amtInNet)
	quotient := new(big.Int).Div(p.K, newReserveIn)
	amountOut = new(big.Int).Sub(reserveOut, quotient)

	if amountOut.Sign() <= 0 {
		return nil, ErrSlippage
	}
	if amountOut.Cmp(reserveOut) >= 0 {
		return nil, fmt.Errorf("%w: amountOut exceeds reserve", ErrSlippage)
	}
	if amountOut.Cmp(big.NewInt(minOut)) < 0 {
		return nil, ErrSlippage
	}

	// Apply with the FULL amountIn added to reserveIn (fee stays in pool),
	// per spec.md §4.4.
	newReserveInFull := new(big.Int).Add(reserveIn, amtIn)
	newReserveOut := new(big.Int).Sub(reserveOut, amountOut)

	if tokenInIsA {
		p.ReserveA, p.ReserveB = newReserveInFull, newReserveOut
	} else {
		p.ReserveB, p.ReserveA = newReserveInFull, newReserveOut
	}
	p.K = new(big.Int).Mul(p.ReserveA, p.ReserveB)
	p.LastUpdateBlock = blockIndex

	if p.K.Cmp(kPrev) < 0 {
		return nil, fmt.Errorf("%w: after swap on pool %s", ErrInvariantKDecreased, pairID)
	}
	return amountOut, nil
}

// AddLiquidity mints LP tokens proportional to contributed assets,
// delegating to Initialize when the pool is uninitialized (spec.md §4.4).
func (m *PoolStateManager) AddLiquidity(pairID, provider string, a, b int64, blockIndex uint64) (*big.Int, error) {
	p := m.pool(pairID)
	p.mu.Lock()
	if !p.Initialized {
		p.mu.Unlock()
		if err := m.Initialize(pairID, provider, a, b, blockIndex); err != nil {
			return nil, err
		}
		return new(big.Int).Set(m.pool(pairID).TotalLPTokens), nil
	}
	defer p.mu.Unlock()

	if a <= 0 || b <= 0 {
		return nil, fmt.Errorf("%w: amounts must be positive", ErrInvalidAmount)
	}
	bigA, bigB := big.NewInt(a), big.NewInt(b)

	// |a*reserveB - b*reserveA| <= (a*reserveB)/100 (1% tolerance).
	left := new(big.Int).Mul(bigA, p.ReserveB)
	right := new(big.Int).Mul(bigB, p.ReserveA)
	diff := new(big.Int).Sub(left, right)
	diff.Abs(diff)
	tolerance := new(big.Int).Div(left, big.NewInt(100))
	if diff.Cmp(tolerance) > 0 {
		return nil, ErrRatioMismatch
	}

	lp := new(big.Int).Mul(bigA, p.TotalLPTokens)
	lp.Div(lp, p.ReserveA)

	p.ReserveA.Add(p.ReserveA, bigA)
	p.ReserveB.Add(p.ReserveB, bigB)
	p.TotalLPTokens.Add(p.TotalLPTokens, lp)
	if cur, ok := p.LPBalances[provider]; ok {
		cur.Add(cur, lp)
	} else {
		p.LPBalances[provider] = new(big.Int).Set(lp)
	}
	p.K = new(big.Int).Mul(p.ReserveA, p.ReserveB)
	p.LastUpdateBlock = blockIndex
	return lp, nil
}

// RemoveLiquidity burns LP tokens and withdraws a proportional share of both
// reserves (spec.md §4.4).
func (m *PoolStateManager) RemoveLiquidity(pairID, provider string, lpAmount int64, blockIndex uint64) (amtA, amtB *big.Int, err error) {
	p := m.pool(pairID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.Initialized {
		return nil, nil, ErrPoolUninitialized
	}
	if lpAmount <= 0 {
		return nil, nil, fmt.Errorf("%w: lp amount must be positive", ErrInvalidAmount)
	}
	bal, ok := p.LPBalances[provider]
	lp := big.NewInt(lpAmount)
	if !ok || bal.Cmp(lp) < 0 {
		return nil, nil, fmt.Errorf("%w: lp balance too low", ErrInsufficientBalance)
	}

	amtA = new(big.Int).Mul(lp, p.ReserveA)
	amtA.Div(amtA, p.TotalLPTokens)
	amtB = new(big.Int).Mul(lp, p.ReserveB)
	amtB.Div(amtB, p.TotalLPTokens)

	p.ReserveA.Sub(p.ReserveA, amtA)
	p.ReserveB.Sub(p.ReserveB, amtB)
	p.TotalLPTokens.Sub(p.TotalLPTokens, lp)
	bal.Sub(bal, lp)
	if bal.Sign() == 0 {
		delete(p.LPBalances, provider)
	}
	p.K = new(big.Int).Mul(p.ReserveA, p.ReserveB)
	p.LastUpdateBlock = blockIndex
	return amtA, amtB, nil
}

// isqrt computes the integer square root via Newton's method (big.Int has
// no built-in Sqrt prior to 1.23's ModSqrt-only API covering primes, so an
// explicit Newton loop keeps this portable).
func isqrt(n *big.Int) *big.Int {
	if n.Sign() <= 0 {
		return big.NewInt(0)
	}
	x := new(big.Int).Set(n)
	y := new(big.Int).Add(new(big.Int).Div(x, big.NewInt(2)), big.NewInt(1))
	for y.Cmp(x) < 0 {
		x.Set(y)
		y.Add(n, new(big.Int).Mul(x, x))
		y.Div(y, x)
		y.Div(y, big.NewInt(2))
	}
	return x
}

// PoolOpCode is the legacy encoding for pool operations carried inside an
// ordinary Transaction's Amount/Fee fields: opCode*10^6 + operand, with
// secondary operands in Fee for add-liquidity (spec.md §4.4). This keeps
// the core Transaction structure unchanged; a failed pool tx never
// invalidates its containing block (spec.md §4.4).
type PoolOpCode int64

const (
	PoolOpSwapAForB      PoolOpCode = 1
	PoolOpSwapBForA      PoolOpCode = 2
	PoolOpAddLiquidity   PoolOpCode = 3
	PoolOpRemoveLiquidity PoolOpCode = 4
)

const poolOpScale = 1_000_000

// EncodePoolOp packs an operation code and primary operand into the amount
// field representation described in spec.md §4.4.
func EncodePoolOp(op PoolOpCode, operand int64) int64 {
	return int64(op)*poolOpScale + operand
}

// DecodePoolOp unpacks an amount field produced by EncodePoolOp.
func DecodePoolOp(amount int64) (PoolOpCode, int64) {
	return PoolOpCode(amount / poolOpScale), amount % poolOpScale
}

// ProcessBlockPoolOperations replays every pool transaction in a block
// against the manager. A tx whose toAddress isn't POOL_<PAIR> is skipped.
// Failures are swallowed per-tx (spec.md §4.4: "A failed pool tx does not
// invalidate the block").
func (m *PoolStateManager) ProcessBlockPoolOperations(txs []*Transaction, blockIndex uint64) {
	for _, tx := range txs {
		if len(tx.ToAddress) <= len(AddrPoolPrefix) || tx.ToAddress[:len(AddrPoolPrefix)] != AddrPoolPrefix {
			continue
		}
		pairID := tx.ToAddress[len(AddrPoolPrefix):]
		op, operand := DecodePoolOp(tx.Amount)
		provider := tx.FromAddress
		switch op {
		case PoolOpSwapAForB:
			_, _ = m.Swap(pairID, true, operand, 0, blockIndex)
		case PoolOpSwapBForA:
			_, _ = m.Swap(pairID, false, operand, 0, blockIndex)
		case PoolOpAddLiquidity:
			_, _ = m.AddLiquidity(pairID, provider, operand, tx.Fee, blockIndex)
		case PoolOpRemoveLiquidity:
			_, _, _ = m.RemoveLiquidity(pairID, provider, operand, blockIndex)
		}
	}
}

// TWAPObserver documents the oracle interface referenced but not
// implemented by the core (spec.md §4.4: "out of core scope but its
// interface ... is documented").
type TWAPObserver interface {
	Observe(reserveA, reserveB *big.Int, timestamp int64)
}
