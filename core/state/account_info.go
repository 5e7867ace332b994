// account_info.go exposes the account model in the two forms the spec
// distinguishes: the persisted BasicAccount record (what a trie node holds)
// and the runtime AccountInfo view (what execution reads), with code
// materialized lazily from a separate code-by-hash store rather than carried
// inline on every account read.
package state

import (
	"math/big"

	"github.com/ethnode/corevm/core/types"
)

// BasicAccount is the trie-level account record: nonce, balance, and two
// content hashes. code_hash is types.EmptyCodeHash iff the account has no
// code; storage_root is types.EmptyRootHash iff the account has no storage.
type BasicAccount struct {
	Nonce       uint64
	Balance     *big.Int
	StorageRoot types.Hash
	CodeHash    types.Hash
}

// IsContract reports whether this account has deployed code.
func (a BasicAccount) IsContract() bool {
	return a.CodeHash != types.EmptyCodeHash
}

// AccountInfo is the runtime view execution reads: the BasicAccount fields
// plus an optional materialized code body. Code is nil until something
// actually needs it (CALL target, EXTCODECOPY, etc.) — callers that only
// need balance/nonce never pay for a code-by-hash lookup.
type AccountInfo struct {
	Balance  *big.Int
	Nonce    uint64
	CodeHash types.Hash
	Code     []byte // nil unless materialized
}

// Basic returns the AccountInfo for addr from a MemoryStateDB, with Code
// left nil (lazy). Call MaterializeCode to fetch the body on demand.
func (s *MemoryStateDB) Basic(addr types.Address) (AccountInfo, bool) {
	if !s.Exist(addr) {
		return AccountInfo{}, false
	}
	return AccountInfo{
		Balance:  s.GetBalance(addr),
		Nonce:    s.GetNonce(addr),
		CodeHash: s.GetCodeHash(addr),
	}, true
}

// MaterializeCode fills in info.Code by hash, looking it up in this
// MemoryStateDB's own code store. Returns the (possibly unchanged) info and
// whether materialization found a body for a non-empty code hash.
func (s *MemoryStateDB) MaterializeCode(addr types.Address, info AccountInfo) (AccountInfo, bool) {
	if info.CodeHash == types.EmptyCodeHash {
		return info, true
	}
	if info.Code != nil {
		return info, true
	}
	code := s.GetCode(addr)
	if code == nil {
		return info, false
	}
	info.Code = code
	return info, true
}

// ToBasicAccount projects an AccountInfo plus a storage root into the
// persisted BasicAccount form.
func (info AccountInfo) ToBasicAccount(storageRoot types.Hash) BasicAccount {
	balance := info.Balance
	if balance == nil {
		balance = new(big.Int)
	}
	return BasicAccount{
		Nonce:       info.Nonce,
		Balance:     balance,
		StorageRoot: storageRoot,
		CodeHash:    info.CodeHash,
	}
}
