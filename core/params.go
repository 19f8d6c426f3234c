package core

// Protocol parameters, identical on every node (spec.md §6). Amounts are
// scaled integers with PrecisionDigits fractional units.

const (
	PrecisionDigits = 8
	Precision       = 100_000_000 // 10^PrecisionDigits

	MainnetPrefix = "LVE"
	TestnetPrefix = "tLVE"

	ChainIDTestnet = "lvenc-testnet-1"
	ChainIDMainnet = "lvenc-mainnet-1"

	AddrSentinelStakePool = "STAKE_POOL"
	AddrSentinelGenesis   = "GENESIS"
	AddrSentinelCoinbase  = "COINBASE"
	AddrSentinelFaucet    = "FAUCET"
	AddrPoolPrefix        = "POOL_"

	SlotDurationMs       = 30_000
	EpochBlocks          = 100
	MinFee               = 10_000_000 // 0.1 scaled
	MaxTxPerBlock        = 10
	MaxPendingTx         = 100
	MinValidatorSelfStake = 100 * Precision
	MinDelegation        = 10 * Precision
	SlashPercent         = 50
	DowntimeSlashPercent = 1 // percent of self-stake slashed for a liveness fault
	DefaultCommission    = 10
	MinCommission        = 0
	MaxCommission        = 100

	UnbondingEpochsMainnet = 21
	UnbondingEpochsTestnet = 3
	JailEpochsMainnet      = 7
	JailEpochsTestnet      = 2
	MaxJailCount           = 3

	SignedBlocksWindow  = 20
	MinSignedPerWindowP = 50 // percent, i.e. 0.5

	FinalityDepth = 32

	// InflationRateMilli is annual inflation rate in thousandths (0.006 = 6‰).
	InflationRateMilli = 6
	EpochsPerYear       = 365 * 24 * 60 * 60 * 1000 / (SlotDurationMs * EpochBlocks)

	MaxConcentrationPct = 33 // a single validator's weight is capped at this % of bonded stake

	ChunkSize          = 500
	MaxBlocksPerRequest = 1000

	AMMFeeNum      = 3
	AMMFeeDen      = 1000
	MinLiquidity   = 1000 * Precision

	GenesisAmount = 70_000_000 * Precision
)

// UnbondingEpochs and JailEpochs return the network-specific values; the
// spec lists both mainnet/testnet figures ("3/21", "2/7") as one parameter.
func UnbondingEpochs(mainnet bool) uint64 {
	if mainnet {
		return UnbondingEpochsMainnet
	}
	return UnbondingEpochsTestnet
}

func JailDurationEpochs(mainnet bool) uint64 {
	if mainnet {
		return JailEpochsMainnet
	}
	return JailEpochsTestnet
}
