package core

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethnode/corevm/core/state"
	"github.com/ethnode/corevm/core/types"
	"github.com/ethnode/corevm/rlp"
	"github.com/ethnode/corevm/trie"
)

// EIP-4844 blob gas errors for block building.
var (
	ErrBlobGasLimitExceeded = errors.New("blob gas limit exceeded for block")
	ErrInvalidBlobHash      = errors.New("blob hash has invalid version byte")
)

// TxPoolReader is an interface for reading pending transactions from a pool,
// grouped by sender and ordered by nonce within each sender's list. This
// matches txpool.TxPool.Pending() so a *txpool.TxPool satisfies it directly.
type TxPoolReader interface {
	Pending() map[types.Address][]*types.Transaction
}

// TxOrdering selects how pending transactions from multiple senders are
// interleaved when building a block. Neither mode ever reorders two
// transactions from the same sender relative to each other.
type TxOrdering int

const (
	// PriceThenFifo repeatedly selects, among all senders with a ready
	// transaction, the one whose next transaction has the highest effective
	// gas price. Each sender's own transactions are still emitted in nonce
	// order.
	PriceThenFifo TxOrdering = iota
	// Fifo round-robins across senders (ordered by address for determinism),
	// taking one ready transaction per sender per round, ignoring price.
	Fifo
)

// BuildBlockAttributes holds the payload attributes for building a new block.
type BuildBlockAttributes struct {
	Timestamp    uint64
	FeeRecipient types.Address
	Random       types.Hash
	Withdrawals  []*types.Withdrawal
	BeaconRoot   *types.Hash
	GasLimit     uint64
	Ordering     TxOrdering
}

// BlockBuilder runs the Open -> Executing -> Finalize -> Commit state machine
// that turns pending pool transactions into a new block.
type BlockBuilder struct {
	config      *ChainConfig
	chain       *Blockchain
	txPool      TxPoolReader
	state       state.StateDB
	lastJournal *state.JournalManager
}

// LastJournal returns the per-transaction modification journal for the most
// recently built block, or nil if the state wasn't a *state.MemoryStateDB.
func (b *BlockBuilder) LastJournal() *state.JournalManager {
	return b.lastJournal
}

// NewBlockBuilder creates a new block builder bound to a chain and pool.
// If chain is nil, a standalone builder is created (useful for tests: call
// SetState to seed the starting state directly).
func NewBlockBuilder(config *ChainConfig, chain *Blockchain, pool TxPoolReader) *BlockBuilder {
	return &BlockBuilder{
		config: config,
		chain:  chain,
		txPool: pool,
	}
}

// SetState sets the state database for standalone builder usage (testing).
func (b *BlockBuilder) SetState(statedb state.StateDB) {
	b.state = statedb
}

// sortedTxLists separates pending transactions (grouped by sender) into
// regular and blob transaction lists. Within each list, senders are
// interleaved per ordering but a single sender's own transactions always
// keep their relative (nonce) order — two transactions from the same sender
// are never reordered.
func sortedTxLists(pending map[types.Address][]*types.Transaction, baseFee *big.Int, ordering TxOrdering) (regular, blobs []*types.Transaction) {
	regularBySender := make(map[types.Address][]*types.Transaction, len(pending))
	blobBySender := make(map[types.Address][]*types.Transaction, len(pending))
	for addr, txs := range pending {
		for _, tx := range txs {
			if tx.Type() == types.BlobTxType {
				blobBySender[addr] = append(blobBySender[addr], tx)
			} else {
				regularBySender[addr] = append(regularBySender[addr], tx)
			}
		}
	}
	return mergeBySender(regularBySender, baseFee, ordering), mergeBySender(blobBySender, baseFee, ordering)
}

// mergeBySender interleaves each sender's (already nonce-ordered) queue into
// a single list without ever reordering two transactions from the same
// sender.
func mergeBySender(bySender map[types.Address][]*types.Transaction, baseFee *big.Int, ordering TxOrdering) []*types.Transaction {
	if len(bySender) == 0 {
		return nil
	}
	senders := make([]types.Address, 0, len(bySender))
	for addr := range bySender {
		senders = append(senders, addr)
	}
	sort.Slice(senders, func(i, j int) bool {
		return bytes.Compare(senders[i][:], senders[j][:]) < 0
	})

	cursor := make(map[types.Address]int, len(senders))
	var out []*types.Transaction
	for {
		progressed := false
		switch ordering {
		case Fifo:
			for _, addr := range senders {
				txs := bySender[addr]
				idx := cursor[addr]
				if idx >= len(txs) {
					continue
				}
				out = append(out, txs[idx])
				cursor[addr] = idx + 1
				progressed = true
			}
		default: // PriceThenFifo
			best := -1
			var bestPrice *big.Int
			for i, addr := range senders {
				txs := bySender[addr]
				idx := cursor[addr]
				if idx >= len(txs) {
					continue
				}
				price := effectiveGasPrice(txs[idx], baseFee)
				if bestPrice == nil || price.Cmp(bestPrice) > 0 {
					best, bestPrice = i, price
				}
			}
			if best >= 0 {
				addr := senders[best]
				out = append(out, bySender[addr][cursor[addr]])
				cursor[addr]++
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return out
}

// validateBlobHashes checks that every versioned hash starts with 0x01.
func validateBlobHashes(hashes []types.Hash) error {
	for i, h := range hashes {
		if h[0] != BlobTxHashVersion {
			return fmt.Errorf("%w: hash %d version 0x%02x, want 0x%02x",
				ErrInvalidBlobHash, i, h[0], BlobTxHashVersion)
		}
	}
	return nil
}

// calcExcessBlobGasFromParent returns the excess blob gas for a new block
// given the parent header. Uses parent's ExcessBlobGas and BlobGasUsed;
// returns 0 if either is nil (pre-Cancun parent).
func calcExcessBlobGasFromParent(parent *types.Header) uint64 {
	var parentExcess, parentUsed uint64
	if parent.ExcessBlobGas != nil {
		parentExcess = *parent.ExcessBlobGas
	}
	if parent.BlobGasUsed != nil {
		parentUsed = *parent.BlobGasUsed
	}
	return CalcExcessBlobGas(parentExcess, parentUsed)
}

// BuildBlock constructs a new block using payload attributes, running the
// Open -> Executing -> Finalize -> Commit sequence:
//
//   - Open: derive the header (gas limit, base fee, blob gas fields) and get
//     the starting state at parent.
//   - Executing: apply the beacon root system call, then apply pool
//     transactions in descending effective-price order, skipping (not
//     aborting on) any transaction that fails or no longer fits.
//   - Finalize: credit withdrawals and the legacy block reward (pre-Merge
//     configs only), then derive the trie roots.
//   - Commit: compute the state root and return the assembled block.
func (b *BlockBuilder) BuildBlock(parent *types.Header, attrs *BuildBlockAttributes) (*types.Block, []*types.Receipt, error) {
	gasLimit := attrs.GasLimit
	if gasLimit == 0 {
		gasLimit = calcGasLimit(parent.GasLimit, parent.GasUsed)
	}

	header := &types.Header{
		ParentHash: parent.Hash(),
		Number:     new(big.Int).Add(parent.Number, big.NewInt(1)),
		GasLimit:   gasLimit,
		Time:       attrs.Timestamp,
		Coinbase:   attrs.FeeRecipient,
		Difficulty: new(big.Int), // always 0 post-merge
		MixDigest:  attrs.Random,
		BaseFee:    CalcBaseFee(parent),
		UncleHash:  EmptyUncleHash,
	}

	if attrs.BeaconRoot != nil {
		header.ParentBeaconRoot = attrs.BeaconRoot
	}

	cancunActive := b.config != nil && b.config.IsCancun(header.Time)
	var blobGasUsed uint64
	var excessBlobGas uint64
	if cancunActive {
		excessBlobGas = calcExcessBlobGasFromParent(parent)
		header.ExcessBlobGas = &excessBlobGas
		header.BlobGasUsed = &blobGasUsed // updated later
	}

	// Open: obtain the starting state.
	statedb := b.state
	if statedb == nil && b.chain != nil {
		parentBlock := b.chain.GetBlock(parent.Hash())
		if parentBlock == nil && parent.Hash() == b.chain.Genesis().Hash() {
			parentBlock = b.chain.Genesis()
		}
		if parentBlock != nil {
			var err error
			statedb, err = b.chain.stateAt(parentBlock)
			if err != nil {
				return nil, nil, err
			}
		}
	}
	if statedb == nil {
		statedb = state.NewMemoryStateDB()
	}

	gasPool := new(GasPool).AddGas(header.GasLimit)

	// Executing: EIP-4788 system call runs before any user transaction.
	if b.config != nil && b.config.IsCancun(header.Time) {
		ProcessBeaconBlockRoot(statedb, header)
	}

	var (
		txs      []*types.Transaction
		receipts []*types.Receipt
		gasUsed  uint64
	)

	var pendingTxs map[types.Address][]*types.Transaction
	if b.txPool != nil {
		pendingTxs = b.txPool.Pending()
	}
	regularTxs, blobTxs := sortedTxLists(pendingTxs, header.BaseFee, attrs.Ordering)
	allSorted := append(regularTxs, blobTxs...)

	var includedHashes []types.Hash

	// Track per-transaction modifications with a JournalManager when the
	// concrete state type supports it, so a caller inspecting a built block
	// can ask which accounts each included transaction touched.
	var jm *state.JournalManager
	if mdb, ok := statedb.(*state.MemoryStateDB); ok {
		jm = state.NewJournalManager(mdb)
	}

	txIndex := 0
	for _, tx := range allSorted {
		if header.BaseFee != nil && tx.GasFeeCap() != nil && tx.GasFeeCap().Cmp(header.BaseFee) < 0 {
			continue
		}
		if gasPool.Gas() < tx.Gas() {
			continue
		}
		if tx.Type() == types.BlobTxType && cancunActive {
			txBlobGas := tx.BlobGas()
			if blobGasUsed+txBlobGas > MaxBlobGasPerBlock {
				continue
			}
			if err := validateBlobHashes(tx.BlobHashes()); err != nil {
				continue
			}
			blobBaseFee := calcBlobBaseFee(excessBlobGas)
			if tx.BlobGasFeeCap() == nil || tx.BlobGasFeeCap().Cmp(blobBaseFee) < 0 {
				continue
			}
		}

		statedb.SetTxContext(tx.Hash(), txIndex)

		if jm != nil {
			jm.BeginTransaction()
		}

		var senderBalanceBefore, coinbaseBalanceBefore *big.Int
		sender := tx.Sender()
		if jm != nil {
			if sender != nil {
				senderBalanceBefore = statedb.GetBalance(*sender)
			}
			coinbaseBalanceBefore = statedb.GetBalance(header.Coinbase)
		}

		snap := statedb.Snapshot()
		receipt, used, err := ApplyTransaction(b.config, statedb, header, tx, gasPool)
		if err != nil {
			// A failing transaction is skipped, not fatal to the block.
			statedb.RevertToSnapshot(snap)
			if jm != nil {
				jm.EndTransaction()
			}
			continue
		}
		if jm != nil {
			if sender != nil {
				jm.TrackBalanceChange(*sender, senderBalanceBefore)
			}
			jm.TrackBalanceChange(header.Coinbase, coinbaseBalanceBefore)
			jm.EndTransaction()
		}

		txs = append(txs, tx)
		receipts = append(receipts, receipt)
		includedHashes = append(includedHashes, tx.Hash())
		gasUsed += used

		if tx.Type() == types.BlobTxType && cancunActive {
			blobGasUsed += tx.BlobGas()
		}

		txIndex++
	}
	if jm != nil {
		jm.Finalize()
		b.lastJournal = jm
	}

	header.GasUsed = gasUsed
	if cancunActive {
		header.BlobGasUsed = &blobGasUsed
	}

	header.Bloom = types.CreateBloom(receipts)

	var cumGas uint64
	for _, r := range receipts {
		cumGas += r.GasUsed
		r.CumulativeGasUsed = cumGas
	}

	header.TxHash = deriveTxsRoot(txs)
	header.ReceiptHash = deriveReceiptsRoot(receipts)

	// Finalize: legacy block reward for chains still in a pre-Merge era.
	if b.config != nil && b.config.PreMergeRewardsEnabled {
		reward := LegacyBlockReward(header.Number)
		if reward.Sign() > 0 {
			statedb.AddBalance(header.Coinbase, reward)
		}
	}

	header.Root = statedb.GetRoot()

	withdrawals := attrs.Withdrawals
	shanghaiActive := b.config != nil && b.config.IsShanghai(header.Time)
	if withdrawals == nil && shanghaiActive {
		withdrawals = []*types.Withdrawal{}
	}

	body := &types.Body{
		Transactions: txs,
		Withdrawals:  withdrawals,
	}

	if withdrawals != nil {
		wHash := deriveWithdrawalsRoot(withdrawals)
		header.WithdrawalsHash = &wHash

		for _, w := range withdrawals {
			amount := new(big.Int).SetUint64(w.Amount)
			amount.Mul(amount, big.NewInt(1_000_000_000)) // Gwei -> wei
			statedb.AddBalance(w.Address, amount)
		}
		header.Root = statedb.GetRoot()
	}

	// Commit: the block is now fully assembled.
	block := types.NewBlock(header, body)

	if remover, ok := b.txPool.(TxPoolRemover); ok {
		for _, h := range includedHashes {
			remover.Remove(h)
		}
	}

	return block, receipts, nil
}

// TxPoolRemover is implemented by pools that support dropping transactions
// once they have been included in a built block. *txpool.TxPool satisfies
// this in addition to TxPoolReader.
type TxPoolRemover interface {
	Remove(hash types.Hash)
}

// effectiveGasPrice returns the effective gas price for a transaction
// considering the base fee (EIP-1559).
func effectiveGasPrice(tx *types.Transaction, baseFee *big.Int) *big.Int {
	if baseFee == nil || tx.GasFeeCap() == nil || tx.GasTipCap() == nil {
		return tx.GasPrice()
	}
	// effectiveGasPrice = min(gasFeeCap, baseFee + gasTipCap)
	effectiveTip := new(big.Int).Add(baseFee, tx.GasTipCap())
	if effectiveTip.Cmp(tx.GasFeeCap()) > 0 {
		return new(big.Int).Set(tx.GasFeeCap())
	}
	return effectiveTip
}

// calcGasLimit calculates the gas limit for the next block.
// Per EIP-1559, the gas limit can change by at most 1/1024 per block.
func calcGasLimit(parentGasLimit, parentGasUsed uint64) uint64 {
	target := parentGasLimit / 2
	delta := parentGasLimit / 1024

	if parentGasUsed > target {
		return parentGasLimit + delta
	} else if parentGasUsed < target {
		if delta > parentGasLimit || parentGasLimit-delta < MinGasLimit {
			return MinGasLimit
		}
		return parentGasLimit - delta
	}
	return parentGasLimit
}

// DeriveTxsRoot is the exported version of deriveTxsRoot.
func DeriveTxsRoot(txs []*types.Transaction) types.Hash { return deriveTxsRoot(txs) }

// DeriveReceiptsRoot is the exported version of deriveReceiptsRoot.
func DeriveReceiptsRoot(receipts []*types.Receipt) types.Hash { return deriveReceiptsRoot(receipts) }

// deriveTxsRoot computes the transactions root using a Merkle Patricia Trie.
// Key: RLP(index), Value: RLP-encoded transaction.
func deriveTxsRoot(txs []*types.Transaction) types.Hash {
	if len(txs) == 0 {
		return types.EmptyRootHash
	}
	t := trie.New()
	for i, tx := range txs {
		key, _ := rlp.EncodeToBytes(uint64(i))
		val, err := tx.EncodeRLP()
		if err != nil {
			continue
		}
		t.Put(key, val)
	}
	return t.Hash()
}

// deriveReceiptsRoot computes the receipts root using a Merkle Patricia Trie.
// Key: RLP(index), Value: RLP-encoded receipt.
func deriveReceiptsRoot(receipts []*types.Receipt) types.Hash {
	if len(receipts) == 0 {
		return types.EmptyRootHash
	}
	t := trie.New()
	for i, receipt := range receipts {
		key, _ := rlp.EncodeToBytes(uint64(i))
		val, err := receipt.EncodeRLP()
		if err != nil {
			continue
		}
		t.Put(key, val)
	}
	return t.Hash()
}

// deriveWithdrawalsRoot computes the withdrawals root using a Merkle Patricia Trie.
func deriveWithdrawalsRoot(ws []*types.Withdrawal) types.Hash {
	if len(ws) == 0 {
		return types.EmptyRootHash
	}
	t := trie.New()
	for i, w := range ws {
		key, _ := rlp.EncodeToBytes(uint64(i))
		val, _ := rlp.EncodeToBytes([]interface{}{w.Index, w.ValidatorIndex, w.Address, w.Amount})
		t.Put(key, val)
	}
	return t.Hash()
}

// Pre-Merge static block rewards, in wei. Only consulted when a chain config
// has PreMergeRewardsEnabled set; every config shipped by this module runs
// post-Merge and leaves this at zero cost.
var (
	frontierBlockReward       = new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18))
	byzantiumBlockReward      = new(big.Int).Mul(big.NewInt(3), big.NewInt(1e18))
	constantinopleBlockReward = new(big.Int).Mul(big.NewInt(2), big.NewInt(1e18))
)

// LegacyBlockReward returns the static miner reward for the given block
// number under the historical (pre-Merge, proof-of-work) reward schedule:
// 5 ETH through Spurious Dragon, 3 ETH from Byzantium, 2 ETH from
// Constantinople through Gray Glacier, and 0 from The Merge onward.
func LegacyBlockReward(number *big.Int) *big.Int {
	switch {
	case number.Cmp(ConstantinopleBlock) >= 0:
		return new(big.Int).Set(constantinopleBlockReward)
	case number.Cmp(ByzantiumBlock) >= 0:
		return new(big.Int).Set(byzantiumBlockReward)
	default:
		return new(big.Int).Set(frontierBlockReward)
	}
}
