package devnode

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	gethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/ethnode/corevm/core"
	"github.com/ethnode/corevm/core/rawdb"
	"github.com/ethnode/corevm/core/state"
	"github.com/ethnode/corevm/core/types"
	"github.com/ethnode/corevm/geth"
	"github.com/ethnode/corevm/remote"
	"github.com/ethnode/corevm/txpool"
)

// AccountOverride is the eth_call/eth_estimateGas per-address override
// object. State and StateDiff are mutually exclusive: State replaces every
// slot, StateDiff patches individual slots on top of the real value.
type AccountOverride struct {
	Balance   *big.Int
	Nonce     *uint64
	Code      []byte
	State     map[types.Hash]types.Hash
	StateDiff map[types.Hash]types.Hash
}

// ProviderData is every piece of mutable state a Provider serializes access
// to behind its single mutex.
type ProviderData struct {
	chain         *core.Blockchain
	builder       *core.BlockBuilder
	pool          *txpool.TxPool
	impersonated  map[types.Address]bool
	irregular     *state.IrregularState
	timeOffsetSec int64
	nextTimestamp *uint64
	snapshots     []providerSnapshot
	nextSnapshot  uint64
	receiptsByNum map[uint64][]*types.Receipt
	receiptsByTx  map[types.Hash]*types.Receipt
	txBlockNum    map[types.Hash]uint64
	fork          *ForkConfig
	remoteAdapter *remote.Adapter
}

// providerSnapshot captures everything evm_revert needs to restore, per
// SPEC_FULL.md §4.8: block height, mempool contents, time offset/overrides,
// and the irregular state index.
type providerSnapshot struct {
	id            uint64
	blockNumber   uint64
	timeOffsetSec int64
	nextTimestamp *uint64
	impersonated  map[types.Address]bool
}

// Provider is the Provider Facade: every exported method acquires mu before
// touching ProviderData, so RPC handlers calling concurrently serialize
// naturally.
type Provider struct {
	mu     sync.Mutex
	cfg    Config
	data   ProviderData
	db     rawdb.Database
	config *core.ChainConfig
}

// NewProvider constructs a Provider from a genesis allocation. If cfg.Fork
// is set, the chain additionally reserves block numbers up to the fork
// point and installs a Remote State Adapter as their materialization
// source (see core.Blockchain.Reserve).
func NewProvider(cfg Config, genesisAlloc core.GenesisAlloc) (*Provider, error) {
	chainConfig := cfg.chainConfig()
	genesis := &core.Genesis{
		Config:   chainConfig,
		GasLimit: cfg.gasLimit(),
		Alloc:    genesisAlloc,
	}

	statedb := state.NewMemoryStateDB()
	db := rawdb.NewMemoryDB()
	genesisBlock := genesis.SetupGenesisBlock(statedb)
	chain, err := core.NewBlockchain(chainConfig, genesisBlock, statedb, db)
	if err != nil {
		return nil, fmt.Errorf("devnode: %w", err)
	}

	p := &Provider{
		cfg:    cfg,
		db:     db,
		config: chainConfig,
		data: ProviderData{
			chain:         chain,
			impersonated:  make(map[types.Address]bool),
			irregular:     state.NewIrregularState(),
			receiptsByNum: make(map[uint64][]*types.Receipt),
			receiptsByTx:  make(map[types.Hash]*types.Receipt),
			txBlockNum:    make(map[types.Hash]uint64),
		},
	}
	p.data.pool = txpool.New(txpool.DefaultConfig(), statedb)
	p.data.builder = core.NewBlockBuilder(chainConfig, chain, p.data.pool)

	if cfg.Fork != nil {
		if err := p.installFork(*cfg.Fork); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Provider) installFork(fork ForkConfig) error {
	client := fork.Client
	if client == nil {
		client = remote.NewHTTPClient(fork.Endpoint)
	}
	adapter := remote.New(client, fork.Block)
	p.data.fork = &fork
	p.data.remoteAdapter = adapter

	p.data.chain.Reserve(0, fork.Block, nil)
	if fetcher, ok := client.(core.RemoteBlockFetcher); ok {
		p.data.chain.SetRemoteBlockFetcher(fetcher)
	}
	return nil
}

// currentHeader returns the head block's header under the caller's lock.
func (p *Provider) currentHeader() *types.Header {
	return p.data.chain.CurrentBlock().Header()
}

// EthCall runs a guaranteed dry run of msg against a snapshot of the current
// state, applying any account overrides first, and returns the execution
// outcome without mutating chain state. Execution itself runs on the real
// go-ethereum EVM (package geth), not this module's own core/vm interpreter
// — core/vm remains the chain's consensus engine for block building, while
// eth_call/eth_estimateGas are explicitly specified to delegate to
// go-ethereum (SPEC_FULL.md §4.6).
func (p *Provider) EthCall(msg core.Message, overrides map[types.Address]AccountOverride) ([]byte, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := validateOverrides(overrides); err != nil {
		return nil, 0, err
	}
	statedb := p.data.chain.State()
	header := p.currentHeader()

	result, err := gethEthCall(p.config, header, p.gethHashFn(), statedb, msg, overrides, true)
	if err != nil {
		return nil, 0, fmt.Errorf("devnode: eth_call: %w", err)
	}
	if result.Err != nil {
		return result.ReturnData, result.UsedGas, fmt.Errorf("%w: %v", ErrExecutionReverted, result.Err)
	}
	return result.ReturnData, result.UsedGas, nil
}

// EthEstimateGas binary-searches for the minimal gas limit that lets msg
// succeed, using go-ethereum execution as the oracle and the block gas
// limit as the search ceiling.
func (p *Provider) EthEstimateGas(msg core.Message, overrides map[types.Address]AccountOverride) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := validateOverrides(overrides); err != nil {
		return 0, err
	}
	statedb := p.data.chain.State()
	header := p.currentHeader()

	return gethEstimateGas(p.config, header, p.gethHashFn(), statedb, msg, overrides, header.GasLimit)
}

// gethHashFn adapts Blockchain.GetHashFn (which speaks this module's own
// types.Hash) to the gethcommon.Hash signature go-ethereum's BlockContext
// expects.
func (p *Provider) gethHashFn() func(uint64) gethcommon.Hash {
	inner := p.data.chain.GetHashFn()
	return func(n uint64) gethcommon.Hash {
		return geth.ToGethHash(inner(n))
	}
}

// validateOverrides rejects an account override that sets both State and
// StateDiff, which are mutually exclusive per SPEC_FULL.md's eth_call
// override semantics.
func validateOverrides(overrides map[types.Address]AccountOverride) error {
	for addr, o := range overrides {
		if o.State != nil && o.StateDiff != nil {
			return fmt.Errorf("%w: account override for %s sets both state and stateDiff", ErrInvalidInput, addr.Hex())
		}
	}
	return nil
}

// EthSendTransaction admits tx into the mempool (bypassing signature
// verification if its sender is impersonated) and, if auto-mine is on,
// immediately mines a one-transaction block containing it.
func (p *Provider) EthSendTransaction(tx *types.Transaction, from types.Address) (types.Hash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.data.impersonated[from] && tx.Sender() == nil {
		return types.Hash{}, fmt.Errorf("%w: transaction has no recoverable sender; use eth_sendRawTransaction or hardhat_impersonateAccount", ErrInvalidInput)
	}
	if tx.Sender() == nil {
		tx.SetSender(from)
	}

	if err := p.data.pool.AddLocal(tx); err != nil {
		return types.Hash{}, err
	}

	hash := tx.Hash()
	if p.cfg.AutoMine {
		if _, err := p.mineAndCommitBlockLocked(nil); err != nil {
			return hash, err
		}
	}
	return hash, nil
}

// EthSendRawTransaction admits an already-signed transaction, i.e. one with
// a cached sender from signature recovery performed by the caller.
func (p *Provider) EthSendRawTransaction(tx *types.Transaction) (types.Hash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tx.Sender() == nil {
		return types.Hash{}, fmt.Errorf("%w: raw transaction has no sender", ErrInvalidInput)
	}
	if err := p.data.pool.AddRemote(tx); err != nil {
		return types.Hash{}, err
	}
	hash := tx.Hash()
	if p.cfg.AutoMine {
		if _, err := p.mineAndCommitBlockLocked(nil); err != nil {
			return hash, err
		}
	}
	return hash, nil
}

// HardhatImpersonateAccount lets subsequent eth_sendTransaction calls from
// addr skip signature verification. The sender still needs sufficient
// balance for the transaction unless relaxed via guaranteed_dry_run.
func (p *Provider) HardhatImpersonateAccount(addr types.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.impersonated[addr] = true
}

// HardhatStopImpersonatingAccount reverses HardhatImpersonateAccount.
func (p *Provider) HardhatStopImpersonatingAccount(addr types.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data.impersonated, addr)
}

// HardhatReset replaces the chain and state with a fresh instance, per an
// optional new fork config, preserving the set of impersonated accounts.
func (p *Provider) HardhatReset(genesisAlloc core.GenesisAlloc, fork *ForkConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	impersonated := p.data.impersonated

	statedb := state.NewMemoryStateDB()
	genesis := &core.Genesis{Config: p.config, GasLimit: p.cfg.gasLimit(), Alloc: genesisAlloc}
	db := rawdb.NewMemoryDB()
	genesisBlock := genesis.SetupGenesisBlock(statedb)
	chain, err := core.NewBlockchain(p.config, genesisBlock, statedb, db)
	if err != nil {
		return fmt.Errorf("devnode: hardhat_reset: %w", err)
	}

	p.db = db
	p.data = ProviderData{
		chain:         chain,
		impersonated:  impersonated,
		irregular:     state.NewIrregularState(),
		receiptsByNum: make(map[uint64][]*types.Receipt),
		receiptsByTx:  make(map[types.Hash]*types.Receipt),
		txBlockNum:    make(map[types.Hash]uint64),
	}
	p.data.pool = txpool.New(txpool.DefaultConfig(), statedb)
	p.data.builder = core.NewBlockBuilder(p.config, chain, p.data.pool)

	if fork != nil {
		p.cfg.Fork = fork
		return p.installFork(*fork)
	}
	p.cfg.Fork = nil
	return nil
}

// EvmMine mines exactly one block at the given timestamp (or the
// next-derived one if nil), rejecting a non-increasing timestamp unless
// AllowBlocksWithSameTimestamp is set.
func (p *Provider) EvmMine(timestamp *uint64) (*types.Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mineAndCommitBlockLocked(timestamp)
}

// HardhatMine mines n blocks with timestamps spaced by interval seconds.
func (p *Provider) HardhatMine(n uint64, interval uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := uint64(0); i < n; i++ {
		parent := p.currentHeader()
		ts := parent.Time + interval
		if interval == 0 {
			ts = parent.Time + 1
		}
		if _, err := p.mineAndCommitBlockLocked(&ts); err != nil {
			return err
		}
	}
	return nil
}

// mineAndCommitBlockLocked runs the Open/Executing/Finalize/Commit state
// machine via core.BlockBuilder and inserts the result into the chain.
// Caller must hold p.mu.
func (p *Provider) mineAndCommitBlockLocked(timestamp *uint64) (*types.Block, error) {
	parent := p.currentHeader()

	ts := p.deriveTimestampLocked(parent, timestamp)

	attrs := &core.BuildBlockAttributes{
		Timestamp:    ts,
		FeeRecipient: p.cfg.Coinbase,
		GasLimit:     p.cfg.gasLimit(),
		Ordering:     core.PriceThenFifo,
	}
	if p.config.IsCancun(ts) {
		root := types.Hash{}
		attrs.BeaconRoot = &root
	}

	block, receipts, err := p.data.builder.BuildBlock(parent, attrs)
	if err != nil {
		return nil, fmt.Errorf("devnode: mine: %w", err)
	}
	if err := p.data.chain.InsertBlock(block); err != nil {
		return nil, fmt.Errorf("devnode: mine: insert: %w", err)
	}

	num := block.NumberU64()
	p.data.receiptsByNum[num] = receipts
	for _, r := range receipts {
		p.data.receiptsByTx[r.TxHash] = r
		p.data.txBlockNum[r.TxHash] = num
	}

	p.data.nextTimestamp = nil
	return block, nil
}

// deriveTimestampLocked resolves the timestamp for the next block: an
// explicit argument wins, then a pending evm_setNextBlockTimestamp value,
// then parent.Time + 1 + the accumulated evm_increaseTime offset.
func (p *Provider) deriveTimestampLocked(parent *types.Header, explicit *uint64) uint64 {
	if explicit != nil {
		return *explicit
	}
	if p.data.nextTimestamp != nil {
		return *p.data.nextTimestamp
	}
	return parent.Time + 1 + uint64(p.data.timeOffsetSec)
}

// EvmSetNextBlockTimestamp pins the timestamp of the next mined block. It
// must be strictly greater than the parent timestamp, or >= when
// AllowBlocksWithSameTimestamp is set.
func (p *Provider) EvmSetNextBlockTimestamp(t uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	parent := p.currentHeader()
	if p.cfg.AllowBlocksWithSameTimestamp {
		if t < parent.Time {
			return ErrTimestampTooLow
		}
	} else if t <= parent.Time {
		return ErrTimestampTooLow
	}
	p.data.nextTimestamp = &t
	return nil
}

// EvmIncreaseTime bumps the cumulative time offset added to future blocks
// and returns it as a decimal string — evm_increaseTime's historical quirk
// of replying in decimal rather than 0x-hex.
func (p *Provider) EvmIncreaseTime(delta int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.timeOffsetSec += delta
	return fmt.Sprintf("%d", p.data.timeOffsetSec)
}

// EvmSnapshot records the current block height, mempool, time offsets, and
// impersonation set, returning a monotonically increasing id.
func (p *Provider) EvmSnapshot() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.data.nextSnapshot
	p.data.nextSnapshot++

	impersonated := make(map[types.Address]bool, len(p.data.impersonated))
	for a, v := range p.data.impersonated {
		impersonated[a] = v
	}

	p.data.snapshots = append(p.data.snapshots, providerSnapshot{
		id:            id,
		blockNumber:   p.data.chain.CurrentBlock().NumberU64(),
		timeOffsetSec: p.data.timeOffsetSec,
		nextTimestamp: p.data.nextTimestamp,
		impersonated:  impersonated,
	})
	return id
}

// EvmRevert restores state to the given snapshot id, truncating the
// blockchain to that height and invalidating every later snapshot.
func (p *Provider) EvmRevert(id uint64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i, s := range p.data.snapshots {
		if s.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, ErrUnknownSnapshot
	}

	snap := p.data.snapshots[idx]
	if err := p.data.chain.SetHead(snap.blockNumber); err != nil {
		return false, fmt.Errorf("devnode: evm_revert: %w", err)
	}
	p.data.timeOffsetSec = snap.timeOffsetSec
	p.data.nextTimestamp = snap.nextTimestamp
	p.data.impersonated = snap.impersonated
	p.data.pool.Reset(p.data.chain.State())
	p.data.snapshots = p.data.snapshots[:idx]
	return true, nil
}

// EthGetLogs matches logs across [from, to] against addressFilter and
// topicFilter per SPEC_FULL.md's filter-matching rule: an empty address
// filter matches any address; at each indexed topic position, either no
// constraint is set or the log's topic at that position is a member of the
// constraint set. Requires the chain to be at or past Berlin.
func (p *Provider) EthGetLogs(ctx context.Context, from, to uint64, addressFilter []types.Address, topicFilter [][]types.Hash) ([]*types.Log, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rules := p.config.Rules(p.currentHeader().Time)
	if !rules.IsBerlin {
		return nil, fmt.Errorf("%w: eth_getLogs requires Berlin or later", ErrUnmetHardfork)
	}

	var out []*types.Log
	for n := from; n <= to; n++ {
		for _, r := range p.data.receiptsByNum[n] {
			for _, log := range r.Logs {
				if matchesLogFilter(log, addressFilter, topicFilter) {
					out = append(out, log)
				}
			}
		}
	}
	return out, nil
}

func matchesLogFilter(log *types.Log, addresses []types.Address, topics [][]types.Hash) bool {
	if len(addresses) > 0 {
		found := false
		for _, a := range addresses {
			if a == log.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(topics) > len(log.Topics) {
		return false
	}
	for i, constraint := range topics {
		if len(constraint) == 0 {
			continue
		}
		matched := false
		for _, want := range constraint {
			if want == log.Topics[i] {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// HardhatSetBalance, HardhatSetCode, HardhatSetNonce, and HardhatSetStorageAt
// are debug setters routed through direct state mutation and recorded into
// the Irregular State Index keyed at the current block number, so a reset
// to a later snapshot can replay them.
func (p *Provider) HardhatSetBalance(addr types.Address, balance *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	num := p.data.chain.CurrentBlock().NumberU64()
	p.data.irregular.RecordOverride(num, state.StateOverride{Address: addr, Balance: balance})
}

func (p *Provider) HardhatSetCode(addr types.Address, code []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	num := p.data.chain.CurrentBlock().NumberU64()
	p.data.irregular.RecordOverride(num, state.StateOverride{Address: addr, Code: code})
}

func (p *Provider) HardhatSetNonce(addr types.Address, nonce uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	num := p.data.chain.CurrentBlock().NumberU64()
	p.data.irregular.RecordOverride(num, state.StateOverride{Address: addr, Nonce: &nonce})
}

func (p *Provider) HardhatSetStorageAt(addr types.Address, slot, value types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	num := p.data.chain.CurrentBlock().NumberU64()
	p.data.irregular.RecordOverride(num, state.StateOverride{
		Address: addr,
		Storage: map[types.Hash]types.Hash{slot: value},
	})
}

// CurrentBlockNumber returns the chain's head block number.
func (p *Provider) CurrentBlockNumber() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.chain.CurrentBlock().NumberU64()
}

// TransactionReceipt returns the receipt for txHash, if mined by this
// provider.
func (p *Provider) TransactionReceipt(txHash types.Hash) (*types.Receipt, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.data.receiptsByTx[txHash]
	return r, ok
}
