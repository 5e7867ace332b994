// evm_driver.go implements the dry-run side of the EVM Driver: running a
// transaction against a scratch copy of the world state and reporting what
// it would have done, without ever touching the caller's real state. This is
// what eth_call and eth_estimateGas run on top of.
package core

import (
	"github.com/ethnode/corevm/core/state"
	"github.com/ethnode/corevm/core/types"
	"github.com/ethnode/corevm/core/vm"
)

// DriverConfig relaxes the checks a normal block-building execution
// enforces, for simulation call sites that need it.
type DriverConfig struct {
	// DisableBalanceCheck skips the sender-balance >= value+maxFee*gasLimit
	// check, for eth_call overrides that grant a caller funds it doesn't
	// actually hold on-chain.
	DisableBalanceCheck bool
	// DisableNonceCheck skips the msg.Nonce == state nonce check, so a
	// simulated call doesn't need to know (or match) the sender's real
	// pending nonce.
	DisableNonceCheck bool
	// DisableBlockGasLimit ignores the block's gas pool, so a simulation
	// can request more gas than the block would actually allow.
	DisableBlockGasLimit bool
}

// GuaranteedDryRunConfig is the DriverConfig used for eth_call-style
// simulation: every check that exists to protect a real block from an
// invalid sender is relaxed, since the caller is asking "what if" rather
// than proposing a transaction for inclusion.
func GuaranteedDryRunConfig() DriverConfig {
	return DriverConfig{DisableBalanceCheck: true, DisableNonceCheck: true, DisableBlockGasLimit: true}
}

// DryRun executes tx against a scratch copy of statedb and reports the
// outcome and the resulting state diff, without mutating statedb. cfg
// controls which of the normal block-execution checks apply.
func DryRun(config *ChainConfig, getHash vm.GetHashFunc, statedb *state.MemoryStateDB, header *types.Header, tx *types.Transaction, cfg DriverConfig) (*ExecutionResult, *state.BlockStateDiff, error) {
	scratch := statedb.Copy()
	msg := TransactionToMessage(tx)
	gp := new(GasPool).AddGas(header.GasLimit)

	scratch.SetTxContext(tx.Hash(), 0)
	result, err := applyMessage(config, getHash, scratch, header, &msg, gp, cfg)
	if err != nil {
		return nil, nil, err
	}

	diff := state.DiffMemoryStates(statedb, scratch, header.Number.Uint64(), types.Hash{})
	return result, diff, nil
}

// GuaranteedDryRun is DryRun with GuaranteedDryRunConfig, matching the
// eth_call/eth_estimateGas semantics where account-override fields
// (balance/nonce/code/state) stand in for values the real chain doesn't
// have to agree with.
func GuaranteedDryRun(config *ChainConfig, getHash vm.GetHashFunc, statedb *state.MemoryStateDB, header *types.Header, tx *types.Transaction) (*ExecutionResult, *state.BlockStateDiff, error) {
	return DryRun(config, getHash, statedb, header, tx, GuaranteedDryRunConfig())
}

// EstimateGas binary-searches the smallest gas limit in [TxGas, hi] for
// which a guaranteed dry run of the message succeeds, matching
// go-ethereum's eth_estimateGas search strategy: narrow a high/low bracket
// until they meet, re-running the simulation at each midpoint against a
// fresh scratch copy of statedb so no probe observes another probe's
// effects.
func EstimateGas(config *ChainConfig, getHash vm.GetHashFunc, statedb *state.MemoryStateDB, header *types.Header, msg Message, hi uint64) (uint64, error) {
	lo := TxGas - 1
	cfg := GuaranteedDryRunConfig()

	executable := func(gas uint64) (bool, error) {
		probe := msg
		probe.GasLimit = gas
		scratch := statedb.Copy()
		gp := new(GasPool).AddGas(^uint64(0))
		result, err := applyMessage(config, getHash, scratch, header, &probe, gp, cfg)
		if err != nil {
			return false, err
		}
		return result.Err == nil, nil
	}

	ok, err := executable(hi)
	if err != nil {
		return 0, err
	}
	if !ok {
		return hi, ErrGasLimitExceeded
	}

	for lo+1 < hi {
		mid := (lo + hi) / 2
		ok, err := executable(mid)
		if err != nil {
			return 0, err
		}
		if ok {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi, nil
}
