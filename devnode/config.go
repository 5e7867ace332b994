// Package devnode implements the Provider Facade: a single mutex-guarded
// entry point routing eth_*/hardhat_*/evm_* style operations to the
// blockchain, mempool, state, and EVM driver components underneath. It is
// the component SPEC_FULL.md's end-to-end scenarios are written against.
package devnode

import (
	"math/big"

	"github.com/ethnode/corevm/core"
	"github.com/ethnode/corevm/core/types"
	"github.com/ethnode/corevm/remote"
)

// Config configures a Provider instance.
type Config struct {
	ChainConfig *core.ChainConfig
	GasLimit    uint64
	Coinbase    types.Address

	// AllowBlocksWithSameTimestamp relaxes evm_mine/evm_setNextBlockTimestamp
	// strict-monotonic timestamp requirement.
	AllowBlocksWithSameTimestamp bool

	// AutoMine, when true, mines a one-transaction block immediately after
	// eth_sendTransaction/eth_sendRawTransaction admits a transaction.
	AutoMine bool

	// Fork, if non-nil, seeds genesis from a remote node at a pinned block
	// instead of an empty in-memory chain.
	Fork *ForkConfig
}

// ForkConfig names the remote endpoint and block number a devnode forks
// from. Client is optional; when nil, NewProvider constructs a
// remote.HTTPClient against Endpoint.
type ForkConfig struct {
	Endpoint string
	Client   remote.Client
	Block    uint64
}

func (c Config) gasLimit() uint64 {
	if c.GasLimit == 0 {
		return 30_000_000
	}
	return c.GasLimit
}

func (c Config) chainConfig() *core.ChainConfig {
	if c.ChainConfig != nil {
		return c.ChainConfig
	}
	return &core.ChainConfig{ChainID: big.NewInt(1337)}
}
