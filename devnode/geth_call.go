package devnode

import (
	"fmt"
	"math/big"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	gethstate "github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/triedb"

	"github.com/ethnode/corevm/core"
	"github.com/ethnode/corevm/core/state"
	"github.com/ethnode/corevm/core/types"
	"github.com/ethnode/corevm/geth"
)

// gethCallResult is EthCall's return shape: go-ethereum's own ExecutionResult
// carries its gas accounting and revert data under its own field names, so
// the facade only re-exposes what a JSON-RPC handler needs.
type gethCallResult struct {
	ReturnData []byte
	UsedGas    uint64
	Err        error
}

// snapshotToGeth copies every live account from statedb into a fresh
// go-ethereum StateDB backed by an in-memory trie database, applying
// account overrides on the way in. This is the seam across which eth_call
// and eth_estimateGas hand execution to the real go-ethereum EVM (via
// package geth) instead of this module's own core/vm interpreter, which
// remains the chain's consensus engine for block building.
func snapshotToGeth(statedb *state.MemoryStateDB, overrides map[types.Address]AccountOverride) (*gethstate.StateDB, error) {
	db := rawdb.NewMemoryDatabase()
	tdb := triedb.NewDatabase(db, nil)
	sdb := gethstate.NewDatabase(tdb, nil)

	gsdb, err := gethstate.New(gethcommon.Hash{}, sdb)
	if err != nil {
		return nil, fmt.Errorf("devnode: seed go-ethereum state: %w", err)
	}

	statedb.ForEachAccount(func(addr types.Address, snap state.AccountSnapshot) {
		gaddr := geth.ToGethAddress(addr)
		gsdb.CreateAccount(gaddr)
		if snap.Balance != nil && snap.Balance.Sign() != 0 {
			gsdb.AddBalance(gaddr, geth.ToUint256(snap.Balance), tracing.BalanceChangeUnspecified)
		}
		gsdb.SetNonce(gaddr, snap.Nonce, tracing.NonceChangeUnspecified)
		if len(snap.Code) > 0 {
			gsdb.SetCode(gaddr, snap.Code, tracing.CodeChangeUnspecified)
		}
		for k, v := range snap.Storage {
			gsdb.SetState(gaddr, geth.ToGethHash(k), geth.ToGethHash(v))
		}
	})

	for addr, o := range overrides {
		gaddr := geth.ToGethAddress(addr)
		if !gsdb.Exist(gaddr) {
			gsdb.CreateAccount(gaddr)
		}
		if o.Balance != nil {
			setGethBalance(gsdb, gaddr, o.Balance)
		}
		if o.Nonce != nil {
			gsdb.SetNonce(gaddr, *o.Nonce, tracing.NonceChangeUnspecified)
		}
		if o.Code != nil {
			gsdb.SetCode(gaddr, o.Code, tracing.CodeChangeUnspecified)
		}
		for k, v := range o.State {
			gsdb.SetState(gaddr, geth.ToGethHash(k), geth.ToGethHash(v))
		}
		for k, v := range o.StateDiff {
			gsdb.SetState(gaddr, geth.ToGethHash(k), geth.ToGethHash(v))
		}
	}

	return gsdb, nil
}

// setGethBalance forces addr's go-ethereum balance to want, via an
// Add/SubBalance delta since go-ethereum's StateDB has no direct setter.
func setGethBalance(gsdb *gethstate.StateDB, addr gethcommon.Address, want *big.Int) {
	cur := geth.FromUint256(gsdb.GetBalance(addr))
	delta := new(big.Int).Sub(want, cur)
	switch delta.Sign() {
	case 1:
		gsdb.AddBalance(addr, geth.ToUint256(delta), tracing.BalanceChangeUnspecified)
	case -1:
		gsdb.SubBalance(addr, geth.ToUint256(new(big.Int).Neg(delta)), tracing.BalanceChangeUnspecified)
	}
}

// gethEthCall runs msg against a go-ethereum-seeded copy of statedb using
// go-ethereum's own EVM via package geth, per SPEC_FULL.md's description of
// the EVM Driver's call/estimate path delegating to go-ethereum. guaranteed
// relaxes the sender balance/nonce to whatever msg specifies, matching
// eth_call's tolerance for calls from underfunded or unknown senders.
func gethEthCall(config *core.ChainConfig, header *types.Header, getHash func(uint64) gethcommon.Hash, statedb *state.MemoryStateDB, msg core.Message, overrides map[types.Address]AccountOverride, guaranteed bool) (*gethCallResult, error) {
	gsdb, err := snapshotToGeth(statedb, overrides)
	if err != nil {
		return nil, err
	}

	gaddr := geth.ToGethAddress(msg.From)
	if guaranteed {
		if !gsdb.Exist(gaddr) {
			gsdb.CreateAccount(gaddr)
		}
		gsdb.SetNonce(gaddr, msg.Nonce, tracing.NonceChangeUnspecified)
		cost := new(big.Int).Mul(effectiveGasPrice(msg), new(big.Int).SetUint64(msg.GasLimit))
		if msg.Value != nil {
			cost.Add(cost, msg.Value)
		}
		if cur := geth.FromUint256(gsdb.GetBalance(gaddr)); cur.Cmp(cost) < 0 {
			setGethBalance(gsdb, gaddr, cost)
		}
	}

	blockCtx := geth.MakeBlockContext(header, getHash)
	gethMsg := geth.MakeMessage(
		gaddr,
		gethAddrPtr(msg.To),
		msg.Nonce,
		nonNilBig(msg.Value),
		msg.GasLimit,
		msg.GasPrice,
		msg.GasFeeCap,
		msg.GasTipCap,
		msg.Data,
		geth.ToGethAccessList(msg.AccessList),
		nil,
		nil,
		nil,
	)

	gethConfig := geth.ToGethChainConfig(config)
	result, err := geth.ApplyMessage(gsdb, gethConfig, blockCtx, gethMsg, header.GasLimit)
	if err != nil {
		return nil, fmt.Errorf("devnode: geth eth_call: %w", err)
	}

	return &gethCallResult{
		ReturnData: result.ReturnData,
		UsedGas:    result.UsedGas,
		Err:        result.Err,
	}, nil
}

// effectiveGasPrice picks the legacy gas price, falling back to the fee cap
// for EIP-1559 messages, so the guaranteed-balance top-up covers either
// transaction shape.
func effectiveGasPrice(msg core.Message) *big.Int {
	if msg.GasPrice != nil && msg.GasPrice.Sign() != 0 {
		return msg.GasPrice
	}
	if msg.GasFeeCap != nil {
		return msg.GasFeeCap
	}
	return new(big.Int)
}

// gethEstimateGas binary-searches for the minimal gas limit under which
// gethEthCall succeeds, using the same real-go-ethereum execution path as
// EthCall so the estimate and the call agree on what "succeeds" means.
func gethEstimateGas(config *core.ChainConfig, header *types.Header, getHash func(uint64) gethcommon.Hash, statedb *state.MemoryStateDB, msg core.Message, overrides map[types.Address]AccountOverride, hi uint64) (uint64, error) {
	lo := core.TxGas - 1

	probe := func(gas uint64) (bool, error) {
		m := msg
		m.GasLimit = gas
		res, err := gethEthCall(config, header, getHash, statedb, m, overrides, true)
		if err != nil {
			return false, err
		}
		return res.Err == nil, nil
	}

	ok, err := probe(hi)
	if err != nil {
		return 0, err
	}
	if !ok {
		return hi, core.ErrGasLimitExceeded
	}

	for lo+1 < hi {
		mid := (lo + hi) / 2
		ok, err := probe(mid)
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

func gethAddrPtr(a *types.Address) *gethcommon.Address {
	if a == nil {
		return nil
	}
	g := geth.ToGethAddress(*a)
	return &g
}

func nonNilBig(b *big.Int) *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return b
}
