package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jobforge/backend/internal/chain"
	"github.com/jobforge/backend/internal/config"
	"github.com/jobforge/backend/internal/events"
	"github.com/jobforge/backend/internal/models"
)

const (
	testEmployer = "0x1111111111111111111111111111111111111111"
	testWorker   = "0x2222222222222222222222222222222222222222"
	testContract = "0x3333333333333333333333333333333333333333"
)

func testConfig() *config.Config {
	return &config.Config{
		EscrowContractAddress: testContract,
		TokenContractAddress:  "0x4444444444444444444444444444444444444444",
		Confirmations:         1,
		ConfirmTimeout:        time.Second,
		ConfirmPollInterval:   time.Millisecond,
		PlatformFeeBPS:        200,
	}
}

// fakeLedger is an in-memory Ledger with the same compare-and-set and
// single-live-transaction semantics as the postgres implementation.
type fakeLedger struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.Job
	escrows map[uuid.UUID]*models.EscrowContract // keyed by job ID
	txs     []*models.Transaction
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		jobs:    make(map[uuid.UUID]*models.Job),
		escrows: make(map[uuid.UUID]*models.EscrowContract),
	}
}

func (l *fakeLedger) addJob(status string) uuid.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := uuid.New()
	l.jobs[id] = &models.Job{
		ID:              id,
		EmployerAddress: testEmployer,
		Title:           "test job",
		Amount:          decimal.RequireFromString("500.00"),
		Deadline:        time.Now().Add(48 * time.Hour),
		EscrowStatus:    status,
	}
	return id
}

func (l *fakeLedger) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not found", id)
	}
	cp := *job
	return &cp, nil
}

func (l *fakeLedger) SetJobEscrowStatus(_ context.Context, id uuid.UUID, from, to string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if job.EscrowStatus != from {
		return fmt.Errorf("job %s is %s not %s: %w", id, job.EscrowStatus, from, ErrStatusConflict)
	}
	job.EscrowStatus = to
	return nil
}

func (l *fakeLedger) SetJobWorker(_ context.Context, id uuid.UUID, workerAddress string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	job.WorkerAddress = &workerAddress
	return nil
}

func (l *fakeLedger) CreateEscrow(_ context.Context, e *models.EscrowContract) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.escrows[e.JobID]; exists {
		return fmt.Errorf("escrow for job %s already exists", e.JobID)
	}
	e.ID = uuid.New()
	l.escrows[e.JobID] = e
	return nil
}

func (l *fakeLedger) GetEscrowByJobID(_ context.Context, jobID uuid.UUID) (*models.EscrowContract, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.escrows[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrEscrowNotFound)
	}
	cp := *e
	return &cp, nil
}

func (l *fakeLedger) escrowByID(id uuid.UUID) *models.EscrowContract {
	for _, e := range l.escrows {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (l *fakeLedger) MarkEscrowFunded(_ context.Context, id, txID uuid.UUID, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.escrowByID(id)
	if e == nil {
		return fmt.Errorf("escrow %s not found", id)
	}
	e.Status = models.EscrowContractFunded
	e.FundingTxID = &txID
	e.FundedAt = &at
	return nil
}

func (l *fakeLedger) MarkEscrowReleased(_ context.Context, id, txID uuid.UUID, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.escrowByID(id)
	if e == nil {
		return fmt.Errorf("escrow %s not found", id)
	}
	e.Status = models.EscrowContractReleased
	e.ReleaseTxID = &txID
	e.ReleasedAt = &at
	return nil
}

func (l *fakeLedger) MarkEscrowRefunded(_ context.Context, id, txID uuid.UUID, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.escrowByID(id)
	if e == nil {
		return fmt.Errorf("escrow %s not found", id)
	}
	e.Status = models.EscrowContractRefunded
	e.RefundTxID = &txID
	e.RefundedAt = &at
	return nil
}

func (l *fakeLedger) CreateTransaction(_ context.Context, tx *models.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tx.TxType != models.TxTypeTokenApproval && tx.JobID != nil {
		for _, existing := range l.txs {
			if existing.JobID != nil && *existing.JobID == *tx.JobID &&
				existing.TxType == tx.TxType && existing.Status != models.TxStatusFailed {
				return fmt.Errorf("job %s type %s: %w", *tx.JobID, tx.TxType, ErrTxInFlight)
			}
		}
	}
	tx.ID = uuid.New()
	tx.CreatedAt = time.Now()
	l.txs = append(l.txs, tx)
	return nil
}

func (l *fakeLedger) txByID(id uuid.UUID) *models.Transaction {
	for _, tx := range l.txs {
		if tx.ID == id {
			return tx
		}
	}
	return nil
}

func (l *fakeLedger) SetTransactionSubmitted(_ context.Context, id uuid.UUID, txHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx := l.txByID(id)
	if tx == nil || tx.Status != models.TxStatusPending {
		return fmt.Errorf("transaction %s not pending", id)
	}
	tx.TxHash = &txHash
	return nil
}

func (l *fakeLedger) MarkTransactionConfirmed(_ context.Context, id uuid.UUID, blockNumber int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx := l.txByID(id)
	if tx == nil || tx.Status != models.TxStatusPending {
		return fmt.Errorf("transaction %s not pending", id)
	}
	tx.Status = models.TxStatusConfirmed
	tx.BlockNumber = &blockNumber
	return nil
}

func (l *fakeLedger) MarkTransactionFailed(_ context.Context, id uuid.UUID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx := l.txByID(id)
	if tx == nil || tx.Status != models.TxStatusPending {
		return fmt.Errorf("transaction %s not pending", id)
	}
	tx.Status = models.TxStatusFailed
	if tx.Meta == nil {
		tx.Meta = map[string]any{}
	}
	tx.Meta["failure_reason"] = reason
	return nil
}

func (l *fakeLedger) ConfirmedTransaction(_ context.Context, jobID uuid.UUID, txType string) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.txs) - 1; i >= 0; i-- {
		tx := l.txs[i]
		if tx.JobID != nil && *tx.JobID == jobID && tx.TxType == txType && tx.Status == models.TxStatusConfirmed {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, nil
}

func (l *fakeLedger) txsByType(txType string) []*models.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.Transaction
	for _, tx := range l.txs {
		if tx.TxType == txType {
			out = append(out, tx)
		}
	}
	return out
}

func (l *fakeLedger) countByStatus(status string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, tx := range l.txs {
		if tx.Status == status {
			n++
		}
	}
	return n
}

func (l *fakeLedger) jobStatus(id uuid.UUID) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.jobs[id].EscrowStatus
}

// fakeChain simulates the escrow contract. Submissions append on-chain job
// slots immediately; await outcomes are scripted through awaitQueue, where a
// nil entry means confirmed.
type fakeChain struct {
	mu          sync.Mutex
	nextIndex   uint64
	slots       map[uint64]chain.OnChainJob
	allowance   *big.Int
	hashCounter int64

	createCalls  int
	fundCalls    int
	releaseCalls int
	refundCalls  int
	approveCalls int

	submitCreateErr error
	submitFundErr   error
	// extraForeignCreates simulates другие employer'ы, чей create лёг в тот же
	// блок сразу после нашего
	extraForeignCreates int
	awaitQueue          []error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		slots:     make(map[uint64]chain.OnChainJob),
		allowance: new(big.Int).Lsh(big.NewInt(1), 200),
	}
}

func (f *fakeChain) newHandle() chain.TxHandle {
	f.hashCounter++
	return chain.TxHandle{Hash: common.BigToHash(big.NewInt(f.hashCounter))}
}

func (f *fakeChain) SubmitCreateJob(_ context.Context, p chain.CreateJobParams) (chain.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.submitCreateErr != nil {
		return chain.TxHandle{}, f.submitCreateErr
	}
	f.slots[f.nextIndex] = chain.OnChainJob{
		Employer:    p.Employer,
		Worker:      p.Worker,
		TotalAmount: new(big.Int).Set(p.TotalAmount),
		Deadline:    big.NewInt(p.Deadline.Unix()),
	}
	f.nextIndex++
	for i := 0; i < f.extraForeignCreates; i++ {
		f.slots[f.nextIndex] = chain.OnChainJob{
			Employer:    common.HexToAddress("0x9999999999999999999999999999999999999999"),
			Worker:      common.HexToAddress("0x8888888888888888888888888888888888888888"),
			TotalAmount: big.NewInt(1),
			Deadline:    big.NewInt(0),
		}
		f.nextIndex++
	}
	return f.newHandle(), nil
}

func (f *fakeChain) SubmitFundJob(_ context.Context, _ common.Address, jobIndex uint64) (chain.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fundCalls++
	if f.submitFundErr != nil {
		return chain.TxHandle{}, f.submitFundErr
	}
	slot := f.slots[jobIndex]
	slot.Funded = true
	f.slots[jobIndex] = slot
	return f.newHandle(), nil
}

func (f *fakeChain) SubmitRelease(_ context.Context, _ common.Address, jobIndex uint64) (chain.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCalls++
	slot := f.slots[jobIndex]
	slot.Released = true
	f.slots[jobIndex] = slot
	return f.newHandle(), nil
}

func (f *fakeChain) SubmitRefund(_ context.Context, _ common.Address, jobIndex uint64) (chain.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCalls++
	slot := f.slots[jobIndex]
	slot.Released = true
	f.slots[jobIndex] = slot
	return f.newHandle(), nil
}

func (f *fakeChain) SubmitApprove(_ context.Context, _ common.Address, amount *big.Int) (chain.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approveCalls++
	f.allowance = new(big.Int).Set(amount)
	return f.newHandle(), nil
}

func (f *fakeChain) AwaitConfirmation(_ context.Context, _ chain.TxHandle, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.awaitQueue) > 0 {
		err := f.awaitQueue[0]
		f.awaitQueue = f.awaitQueue[1:]
		if err != nil {
			return 0, err
		}
	}
	return 100 + f.hashCounter, nil
}

func (f *fakeChain) NextJobIndex(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextIndex, nil
}

func (f *fakeChain) JobAt(_ context.Context, jobIndex uint64) (chain.OnChainJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	slot, ok := f.slots[jobIndex]
	if !ok {
		return chain.OnChainJob{}, fmt.Errorf("no job at index %d", jobIndex)
	}
	return slot, nil
}

func (f *fakeChain) Allowance(_ context.Context, _ common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.allowance), nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *fakePublisher) Publish(_ context.Context, _ string, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) byType(eventType string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	ledger    *fakeLedger
	chain     *fakeChain
	publisher *fakePublisher
	coord     *Coordinator
	release   *ReleaseCoordinator
}

func newTestEnv() *testEnv {
	ledger := newFakeLedger()
	fc := newFakeChain()
	pub := &fakePublisher{}
	cfg := testConfig()
	log := zap.NewNop()
	return &testEnv{
		ledger:    ledger,
		chain:     fc,
		publisher: pub,
		coord:     NewCoordinator(ledger, fc, pub, cfg, log),
		release:   NewReleaseCoordinator(ledger, fc, pub, cfg, log),
	}
}
