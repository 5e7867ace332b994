// layered_state.go implements a multi-layer overlay world state. Each layer
// holds a StateDiff on top of the one below it; state_root is memoized per
// layer so repeated reads after a commit do not re-walk the whole stack.
//
// Grounded on the checkpoint/revert/commit flow used by
// core/state/journal_manager.go's named checkpoints and on the per-tx
// snapshot/revert pattern in memory_statedb.go, generalized from a single
// flat journal into a stack of named layers so a fork/snapshot boundary can
// sit anywhere in the stack, not just at the most recent transaction.
package state

import (
	"math/big"
	"sync"

	"github.com/ethnode/corevm/core/types"
)

// Handle addresses a layer in a LayeredState's overlay stack. A Handle
// returned by Checkpoint is valid until a Revert at or below it truncates
// the stack past its index.
type Handle int

// layer is one overlay: an accumulated diff plus a memoized state root.
type layer struct {
	diff *BlockStateDiff
	root *types.Hash
}

// LayeredState is a stack of StateDiff overlays on top of a base
// MemoryStateDB. Reads walk the stack top-down so the most recent commit
// wins; checkpoint/revert/commit never mutate the base directly.
type LayeredState struct {
	mu     sync.RWMutex
	base   *MemoryStateDB
	layers []*layer
}

// NewLayeredState creates a LayeredState rooted at base. base is never
// mutated by LayeredState operations; commits live in overlay layers until
// Flatten is called.
func NewLayeredState(base *MemoryStateDB) *LayeredState {
	return &LayeredState{base: base}
}

// Checkpoint pushes a new, empty overlay onto the stack and returns a
// Handle that can later be used to revert back to this point.
func (l *LayeredState) Checkpoint() Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.layers = append(l.layers, &layer{diff: &BlockStateDiff{}})
	return Handle(len(l.layers) - 1)
}

// Revert discards every layer from h (inclusive) to the top of the stack.
// Reverting to a handle at or beyond the current depth is a no-op.
func (l *LayeredState) Revert(h Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if int(h) < 0 || int(h) >= len(l.layers) {
		return
	}
	l.layers = l.layers[:h]
}

// Commit merges diff into the top overlay. If the stack is empty, Commit
// creates an implicit base layer first so commit() works even without a
// prior Checkpoint call.
func (l *LayeredState) Commit(diff *BlockStateDiff) {
	if diff == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.layers) == 0 {
		l.layers = append(l.layers, &layer{diff: &BlockStateDiff{}})
	}
	top := l.layers[len(l.layers)-1]
	top.diff = mergeDiffs(top.diff, diff)
	top.root = nil
	// A commit invalidates root memoization for every layer above it too,
	// but since commit always targets the top layer there is nothing above
	// it to invalidate.
}

// Depth returns the number of layers currently on the stack.
func (l *LayeredState) Depth() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.layers)
}

// GetBalance returns addr's balance, walking layers top-down and falling
// back to the base state if no layer has touched the account.
func (l *LayeredState) GetBalance(addr types.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.layers) - 1; i >= 0; i-- {
		if ad, ok := findAccountDiff(l.layers[i].diff, addr); ok && ad.BalanceChange != nil {
			return new(big.Int).Set(ad.BalanceChange.To)
		}
	}
	return l.base.GetBalance(addr)
}

// GetNonce returns addr's nonce, walking layers top-down.
func (l *LayeredState) GetNonce(addr types.Address) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.layers) - 1; i >= 0; i-- {
		if ad, ok := findAccountDiff(l.layers[i].diff, addr); ok && ad.NonceChange != nil {
			return ad.NonceChange.To
		}
	}
	return l.base.GetNonce(addr)
}

// GetCode returns addr's code, walking layers top-down.
func (l *LayeredState) GetCode(addr types.Address) []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.layers) - 1; i >= 0; i-- {
		if ad, ok := findAccountDiff(l.layers[i].diff, addr); ok && ad.CodeChange != nil {
			return append([]byte(nil), ad.CodeChange.To...)
		}
	}
	return l.base.GetCode(addr)
}

// GetState returns the value of a storage slot, walking layers top-down.
func (l *LayeredState) GetState(addr types.Address, key types.Hash) types.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.layers) - 1; i >= 0; i-- {
		if ad, ok := findAccountDiff(l.layers[i].diff, addr); ok {
			for _, sc := range ad.StorageChanges {
				if sc.Key == key {
					return sc.To
				}
			}
		}
	}
	return l.base.GetState(addr, key)
}

// ModifyAccount applies fn's writes as a new AccountDiff merged into the top
// layer, creating the layer (and the account record within it) if either is
// absent — an account is created on first write, matching the spec's
// modify_account-creates-on-write semantics.
func (l *LayeredState) ModifyAccount(addr types.Address, fn func(balance *big.Int, nonce uint64) (*big.Int, uint64)) {
	before := l.GetBalance(addr)
	beforeNonce := l.GetNonce(addr)
	afterBalance, afterNonce := fn(new(big.Int).Set(before), beforeNonce)

	diff := &BlockStateDiff{AccountDiffs: []AccountDiff{{
		Address: addr,
	}}}
	if afterBalance.Cmp(before) != 0 {
		diff.AccountDiffs[0].BalanceChange = &BalanceChange{From: before, To: afterBalance}
	}
	if afterNonce != beforeNonce {
		diff.AccountDiffs[0].NonceChange = &NonceChange{From: beforeNonce, To: afterNonce}
	}
	l.Commit(diff)
}

// StateRoot computes the merkleized state root for the current top of the
// stack, memoizing the result on that layer so repeated calls between
// commits are free.
func (l *LayeredState) StateRoot() types.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.layers) == 0 {
		return l.base.GetRoot()
	}
	top := l.layers[len(l.layers)-1]
	if top.root != nil {
		return *top.root
	}
	materialized := l.materializeLocked(len(l.layers) - 1)
	root := materialized.GetRoot()
	top.root = &root
	return root
}

// Flatten applies every layer onto a fresh copy of the base state and
// returns it, collapsing the overlay stack. Used when a checkpoint chain
// needs to become the new canonical base (e.g. after a block is finalized).
func (l *LayeredState) Flatten() *MemoryStateDB {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.layers) == 0 {
		return l.base.Copy()
	}
	return l.materializeLocked(len(l.layers) - 1)
}

// materializeLocked applies layers[0..upTo] onto a copy of base. Caller
// must hold l.mu.
func (l *LayeredState) materializeLocked(upTo int) *MemoryStateDB {
	cp := l.base.Copy()
	for i := 0; i <= upTo && i < len(l.layers); i++ {
		applyDiff(cp, l.layers[i].diff)
	}
	return cp
}

// applyDiff writes every recorded change in diff onto db.
func applyDiff(db *MemoryStateDB, diff *BlockStateDiff) {
	if diff == nil {
		return
	}
	for _, ad := range diff.AccountDiffs {
		if ad.BalanceChange != nil {
			db.getOrNewStateObject(ad.Address).account.Balance = new(big.Int).Set(ad.BalanceChange.To)
		}
		if ad.NonceChange != nil {
			db.SetNonce(ad.Address, ad.NonceChange.To)
		}
		if ad.CodeChange != nil {
			db.SetCode(ad.Address, ad.CodeChange.To)
		}
		for _, sc := range ad.StorageChanges {
			db.SetState(ad.Address, sc.Key, sc.To)
		}
	}
}

// findAccountDiff looks up addr's AccountDiff within diff.
func findAccountDiff(diff *BlockStateDiff, addr types.Address) (AccountDiff, bool) {
	if diff == nil {
		return AccountDiff{}, false
	}
	for _, ad := range diff.AccountDiffs {
		if ad.Address == addr {
			return ad, true
		}
	}
	return AccountDiff{}, false
}

// mergeDiffs merges b into a, with b's changes overriding a's for the same
// account/field, and storage changes merged key-wise (b wins on conflict).
// a is not mutated; a new BlockStateDiff is returned.
func mergeDiffs(a, b *BlockStateDiff) *BlockStateDiff {
	merged := make(map[types.Address]*AccountDiff)
	order := make([]types.Address, 0)
	take := func(src *BlockStateDiff) {
		if src == nil {
			return
		}
		for _, ad := range src.AccountDiffs {
			cur, ok := merged[ad.Address]
			if !ok {
				copyAd := ad
				copyAd.StorageChanges = append([]StorageChange(nil), ad.StorageChanges...)
				merged[ad.Address] = &copyAd
				order = append(order, ad.Address)
				continue
			}
			if ad.BalanceChange != nil {
				cur.BalanceChange = ad.BalanceChange
			}
			if ad.NonceChange != nil {
				cur.NonceChange = ad.NonceChange
			}
			if ad.CodeChange != nil {
				cur.CodeChange = ad.CodeChange
			}
			for _, sc := range ad.StorageChanges {
				replaced := false
				for i, existing := range cur.StorageChanges {
					if existing.Key == sc.Key {
						cur.StorageChanges[i] = sc
						replaced = true
						break
					}
				}
				if !replaced {
					cur.StorageChanges = append(cur.StorageChanges, sc)
				}
			}
		}
	}
	take(a)
	take(b)

	out := &BlockStateDiff{AccountDiffs: make([]AccountDiff, 0, len(order))}
	for _, addr := range order {
		out.AccountDiffs = append(out.AccountDiffs, *merged[addr])
	}
	return out
}
