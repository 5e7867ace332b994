package core

import (
	"math/big"

	"github.com/ethnode/corevm/core/vm"
)

// ChainConfig holds chain-level configuration for fork scheduling.
// Post-merge, all forks are activated by timestamp.
type ChainConfig struct {
	ChainID         *big.Int
	ShanghaiTime    *uint64
	CancunTime      *uint64
	PragueTime      *uint64
	AmsterdamTime   *uint64
	GlamsterdanTime *uint64

	// PreMergeRewardsEnabled turns on the static per-block miner reward from
	// the historical proof-of-work era. Every config shipped by this module
	// runs post-Merge, so this defaults to false.
	PreMergeRewardsEnabled bool
}

// Historical reward-tier boundaries, consulted only when a config opts into
// PreMergeRewardsEnabled.
var (
	ByzantiumBlock      = big.NewInt(4_370_000)
	ConstantinopleBlock = big.NewInt(7_280_000)
)

func isTimestampForked(forkTime *uint64, blockTime uint64) bool {
	if forkTime == nil {
		return false
	}
	return *forkTime <= blockTime
}

// IsShanghai returns whether the given block time is at or past the Shanghai fork.
func (c *ChainConfig) IsShanghai(time uint64) bool {
	return isTimestampForked(c.ShanghaiTime, time)
}

// IsCancun returns whether the given block time is at or past the Cancun fork.
func (c *ChainConfig) IsCancun(time uint64) bool {
	return isTimestampForked(c.CancunTime, time)
}

// IsPrague returns whether the given block time is at or past the Prague fork.
func (c *ChainConfig) IsPrague(time uint64) bool {
	return isTimestampForked(c.PragueTime, time)
}

// IsAmsterdam returns whether the given block time is at or past the Amsterdam fork.
func (c *ChainConfig) IsAmsterdam(time uint64) bool {
	return isTimestampForked(c.AmsterdamTime, time)
}

// IsGlamsterdan returns whether the given block time is at or past the
// Glamsterdan fork.
func (c *ChainConfig) IsGlamsterdan(time uint64) bool {
	return isTimestampForked(c.GlamsterdanTime, time)
}

func newUint64(v uint64) *uint64 { return &v }

// IsMerge reports whether the chain has transitioned to proof-of-stake.
// Every config shipped by this module runs post-Merge.
func (c *ChainConfig) IsMerge() bool {
	return !c.PreMergeRewardsEnabled
}

// Rules returns the fork rule set active at the given block time, used to
// select the EVM jump table and precompile set. All ancient (pre-Merge)
// forks are always active since this module never runs a pre-Merge chain
// except for the static block reward carve-out.
func (c *ChainConfig) Rules(time uint64) vm.ForkRules {
	return vm.ForkRules{
		IsHomestead:       true,
		IsByzantium:       true,
		IsConstantinople:  true,
		IsEIP158:          true,
		IsIstanbul:        true,
		IsBerlin:          true,
		IsLondon:          true,
		IsMerge:           c.IsMerge(),
		IsShanghai:        c.IsShanghai(time),
		IsCancun:          c.IsCancun(time),
		IsPrague:          c.IsPrague(time),
		IsGlamsterdan:     c.IsGlamsterdan(time),
		IsVerkle:          false,
		IsEIP7708:         false,
		IsEIP7954:         false,
	}
}

// MainnetConfig is the chain config for Ethereum mainnet.
var MainnetConfig = &ChainConfig{
	ChainID:      big.NewInt(1),
	ShanghaiTime: newUint64(1681338455),
	CancunTime:   newUint64(1710338135),
}

// TestConfig is a chain config with all forks active at genesis (time 0),
// excluding the speculative Prague/Amsterdam/Glamsterdan forks which this
// module does not implement.
var TestConfig = &ChainConfig{
	ChainID:      big.NewInt(1337),
	ShanghaiTime: newUint64(0),
	CancunTime:   newUint64(0),
}
