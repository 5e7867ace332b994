package remote

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ethnode/corevm/core/state"
	"github.com/ethnode/corevm/core/types"
)

// Adapter is the Remote State Adapter: it answers account and storage
// reads against a real node pinned at a fixed block number, caching every
// answer per key and coalescing concurrent duplicate requests for the same
// key with a single outbound RPC via singleflight — this is the component
// golang.org/x/sync was added for.
type Adapter struct {
	client Client
	block  uint64

	group singleflight.Group

	mu        sync.RWMutex
	basicInfo map[types.Address]state.AccountInfo
	storage   map[types.Address]map[types.Hash]types.Hash
}

// New creates a Remote State Adapter pinned at block.
func New(client Client, block uint64) *Adapter {
	return &Adapter{
		client:    client,
		block:     block,
		basicInfo: make(map[types.Address]state.AccountInfo),
		storage:   make(map[types.Address]map[types.Hash]types.Hash),
	}
}

// Block returns the pinned block number reads are served from.
func (a *Adapter) Block() uint64 { return a.block }

// Basic fetches balance, nonce, and code for addr at the pinned block,
// returning an AccountInfo with CodeHash = keccak(code). Concurrent callers
// requesting the same address coalesce into one outbound round-trip.
func (a *Adapter) Basic(ctx context.Context, addr types.Address) (state.AccountInfo, error) {
	a.mu.RLock()
	if cached, ok := a.basicInfo[addr]; ok {
		a.mu.RUnlock()
		return cached, nil
	}
	a.mu.RUnlock()

	key := fmt.Sprintf("basic:%s", addr.Hex())
	v, err, _ := a.group.Do(key, func() (interface{}, error) {
		// Re-check the cache: another goroutine may have populated it while
		// we were waiting to enter singleflight.
		a.mu.RLock()
		if cached, ok := a.basicInfo[addr]; ok {
			a.mu.RUnlock()
			return cached, nil
		}
		a.mu.RUnlock()

		balance, err := a.client.BalanceAt(ctx, addr, a.block)
		if err != nil {
			return state.AccountInfo{}, err
		}
		nonce, err := a.client.NonceAt(ctx, addr, a.block)
		if err != nil {
			return state.AccountInfo{}, err
		}
		code, err := a.client.CodeAt(ctx, addr, a.block)
		if err != nil {
			return state.AccountInfo{}, err
		}

		info := state.AccountInfo{Balance: balance, Nonce: nonce, Code: code}
		if len(code) == 0 {
			info.CodeHash = types.EmptyCodeHash
		} else {
			info.CodeHash = keccak256Hash(code)
		}

		a.mu.Lock()
		a.basicInfo[addr] = info
		a.mu.Unlock()
		return info, nil
	})
	if err != nil {
		return state.AccountInfo{}, err
	}
	return v.(state.AccountInfo), nil
}

// Storage fetches a single storage slot for addr at the pinned block.
func (a *Adapter) Storage(ctx context.Context, addr types.Address, slot types.Hash) (types.Hash, error) {
	a.mu.RLock()
	if slots, ok := a.storage[addr]; ok {
		if v, ok := slots[slot]; ok {
			a.mu.RUnlock()
			return v, nil
		}
	}
	a.mu.RUnlock()

	key := fmt.Sprintf("storage:%s:%s", addr.Hex(), slot.Hex())
	v, err, _ := a.group.Do(key, func() (interface{}, error) {
		a.mu.RLock()
		if slots, ok := a.storage[addr]; ok {
			if v, ok := slots[slot]; ok {
				a.mu.RUnlock()
				return v, nil
			}
		}
		a.mu.RUnlock()

		val, err := a.client.StorageAt(ctx, addr, slot, a.block)
		if err != nil {
			return types.Hash{}, err
		}

		a.mu.Lock()
		if a.storage[addr] == nil {
			a.storage[addr] = make(map[types.Hash]types.Hash)
		}
		a.storage[addr][slot] = val
		a.mu.Unlock()
		return val, nil
	})
	if err != nil {
		return types.Hash{}, err
	}
	return v.(types.Hash), nil
}

// CodeByHash returns the code body for hash if it has already been observed
// through Basic; ErrUnknownCodeHash otherwise — the remote adapter never
// fetches code by hash directly, only by address.
func (a *Adapter) CodeByHash(hash types.Hash) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, info := range a.basicInfo {
		if info.CodeHash == hash {
			return info.Code, nil
		}
	}
	return nil, ErrUnknownCodeHash
}
