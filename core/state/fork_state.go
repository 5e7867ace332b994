// fork_state.go implements ForkState: a LayeredState whose base reads fall
// through to a remote node pinned at a fork block, rather than to an
// in-memory genesis. Grounded on SPEC_FULL.md's "Fork State composes
// LayeredState over RemoteState" description.
package state

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethnode/corevm/core/types"
	"github.com/ethnode/corevm/crypto"
)

// RemoteReader is the narrow view of a Remote State Adapter that ForkState
// needs. Defined here (rather than depending on package remote directly) so
// core/state has no dependency on the RPC transport; *remote.Adapter
// satisfies this interface structurally.
type RemoteReader interface {
	Basic(ctx context.Context, addr types.Address) (AccountInfo, error)
	Storage(ctx context.Context, addr types.Address, slot types.Hash) (types.Hash, error)
}

// StateOverride is a debug/hardhat_set* mutation recorded in the Irregular
// State Index, keyed by the block number at which it was applied so a later
// reset-to-snapshot replays only the overrides still in effect at that
// height.
type StateOverride struct {
	Address types.Address
	Balance *big.Int // nil if untouched
	Nonce   *uint64
	Code    []byte
	Storage map[types.Hash]types.Hash
}

// IrregularState indexes StateOverrides by the block number they were
// recorded at, and the state roots that were forced rather than computed
// (the fork block, and any block whose post-state root we pseudo-randomly
// generated instead of deriving).
type IrregularState struct {
	mu        sync.Mutex
	overrides map[uint64][]StateOverride
	roots     map[uint64]types.Hash
}

// NewIrregularState creates an empty Irregular State Index.
func NewIrregularState() *IrregularState {
	return &IrregularState{
		overrides: make(map[uint64][]StateOverride),
		roots:     make(map[uint64]types.Hash),
	}
}

// RecordOverride appends an override at the given block height.
func (i *IrregularState) RecordOverride(block uint64, o StateOverride) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.overrides[block] = append(i.overrides[block], o)
}

// OverridesAt returns every override recorded at or before block, in
// recording order, most recent last so later overrides win on replay.
func (i *IrregularState) OverridesAt(block uint64) []StateOverride {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []StateOverride
	for h := uint64(0); h <= block; h++ {
		out = append(out, i.overrides[h]...)
	}
	return out
}

// ForceRoot records a state root that was generated rather than derived
// (the fork block's unknown post-state root, or a pseudo-random stand-in).
func (i *IrregularState) ForceRoot(block uint64, root types.Hash) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.roots[block] = root
}

// ForcedRoot returns a previously forced root for block, if any.
func (i *IrregularState) ForcedRoot(block uint64) (types.Hash, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	r, ok := i.roots[block]
	return r, ok
}

// ForkState is a LayeredState whose base falls through to a Remote State
// Adapter pinned at forkBlock instead of an in-memory base. Writes always
// land in the overlay stack; only cache-miss reads touch the network.
type ForkState struct {
	*LayeredState
	remote    RemoteReader
	forkBlock uint64
	irregular *IrregularState
	ctx       context.Context
}

// NewForkState creates a ForkState composing a fresh LayeredState over
// remote, pinned at forkBlock. The Irregular State Index is seeded empty;
// callers restoring a persisted fork should call SeedIrregularState.
func NewForkState(ctx context.Context, remote RemoteReader, forkBlock uint64) *ForkState {
	fs := &ForkState{
		LayeredState: NewLayeredState(NewMemoryStateDB()),
		remote:       remote,
		forkBlock:    forkBlock,
		irregular:    NewIrregularState(),
		ctx:          ctx,
	}
	fs.replayIrregularState()
	return fs
}

// Irregular returns the Irregular State Index backing this ForkState.
func (f *ForkState) Irregular() *IrregularState { return f.irregular }

// ForkBlock returns the pinned remote block this fork reads through to.
func (f *ForkState) ForkBlock() uint64 { return f.forkBlock }

// SeedIrregularState replaces the Irregular State Index (e.g. when
// restoring a snapshot) and replays every recorded override into the
// in-memory base so reads see them without a remote round trip.
func (f *ForkState) SeedIrregularState(idx *IrregularState) {
	f.irregular = idx
	f.replayIrregularState()
}

func (f *ForkState) replayIrregularState() {
	for _, o := range f.irregular.OverridesAt(f.forkBlock) {
		f.applyOverride(o)
	}
}

func (f *ForkState) applyOverride(o StateOverride) {
	if o.Balance != nil {
		f.base.getOrNewStateObject(o.Address).account.Balance = new(big.Int).Set(o.Balance)
	}
	if o.Nonce != nil {
		f.base.SetNonce(o.Address, *o.Nonce)
	}
	if o.Code != nil {
		f.base.SetCode(o.Address, o.Code)
	}
	for k, v := range o.Storage {
		f.base.SetState(o.Address, k, v)
	}
}

// GetBalance overrides LayeredState's version to fall through to the
// remote adapter (instead of an empty in-memory base) on a full miss.
func (f *ForkState) GetBalance(addr types.Address) *big.Int {
	if v := f.LayeredState.GetBalance(addr); v.Sign() != 0 {
		return v
	}
	if f.base.Exist(addr) {
		return f.LayeredState.GetBalance(addr)
	}
	info, err := f.remote.Basic(f.ctx, addr)
	if err != nil || info.Balance == nil {
		return new(big.Int)
	}
	return info.Balance
}

// GetNonce overrides LayeredState's version with a remote fallback.
func (f *ForkState) GetNonce(addr types.Address) uint64 {
	if f.base.Exist(addr) {
		return f.LayeredState.GetNonce(addr)
	}
	if n := f.LayeredState.GetNonce(addr); n != 0 {
		return n
	}
	info, err := f.remote.Basic(f.ctx, addr)
	if err != nil {
		return 0
	}
	return info.Nonce
}

// GetCode overrides LayeredState's version with a remote fallback.
func (f *ForkState) GetCode(addr types.Address) []byte {
	if code := f.LayeredState.GetCode(addr); len(code) > 0 {
		return code
	}
	if f.base.Exist(addr) {
		return f.LayeredState.GetCode(addr)
	}
	info, err := f.remote.Basic(f.ctx, addr)
	if err != nil {
		return nil
	}
	return info.Code
}

// GetState overrides LayeredState's version with a remote fallback.
func (f *ForkState) GetState(addr types.Address, key types.Hash) types.Hash {
	if f.base.Exist(addr) {
		return f.LayeredState.GetState(addr, key)
	}
	if v := f.LayeredState.GetState(addr, key); v != (types.Hash{}) {
		return v
	}
	v, err := f.remote.Storage(f.ctx, addr, key)
	if err != nil {
		return types.Hash{}
	}
	return v
}

// StateRootAt returns the state root to report for block: a forced root
// from the Irregular State Index if one was recorded (the normal case at
// the fork block itself, since the true remote post-state root isn't
// cheaply recoverable), otherwise the computed LayeredState root.
//
// This is a documented compromise: a forked block's real post-state root
// is not retrievable without replaying the entire remote chain, so the
// first observation of it is generated pseudo-randomly from the block
// number and fork point, then pinned via ForceRoot so every later
// observation of the same block is stable.
func (f *ForkState) StateRootAt(block uint64) types.Hash {
	if root, ok := f.irregular.ForcedRoot(block); ok {
		return root
	}
	if block != f.forkBlock {
		return f.StateRoot()
	}
	root := pseudoRandomRoot(f.forkBlock, block)
	f.irregular.ForceRoot(block, root)
	return root
}

// pseudoRandomRoot deterministically derives a stand-in state root from the
// fork block and the block being queried, so repeated calls for the same
// (forkBlock, block) pair are stable without needing to persist anything
// beyond what ForceRoot already caches.
func pseudoRandomRoot(forkBlock, block uint64) types.Hash {
	seed := make([]byte, 16)
	for i := 0; i < 8; i++ {
		seed[i] = byte(forkBlock >> (8 * i))
		seed[8+i] = byte(block >> (8 * i))
	}
	return crypto.Keccak256Hash(seed)
}
