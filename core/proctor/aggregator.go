package proctor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/metrics"
)

var (
	// errors
	ErrNotFound  = errors.New("ledger not found")
	ErrFinalized = errors.New("exam attempt already finalized")
)

type (
	// Repository is the durable ledger store.
	Repository interface {
		// GetLedger returns ErrNotFound when no ledger was ever stored for key.
		GetLedger(ctx context.Context, key SessionKey) (LedgerSnapshot, error)
		// SaveLedger upserts snap; a stored ledger with a greater total is never overwritten.
		SaveLedger(ctx context.Context, snap LedgerSnapshot) error
		FinalizeLedger(ctx context.Context, key SessionKey, at time.Time) error
	}

	// AuditSink receives records that must outlive the live session.
	// Implementations must not block the caller.
	AuditSink interface {
		Audit(ctx context.Context, rec AuditRecord)
	}

	AuditRecord struct {
		ID          string     `json:"id"`
		Type        string     `json:"type"`
		ExamID      string     `json:"exam_id"`
		CandidateID string     `json:"candidate_id"`
		Signal      *RawSignal `json:"signal,omitempty"`
		Total       uint       `json:"total"`
		Error       string     `json:"error,omitempty"`
		At          time.Time  `json:"at"`
	}
)

// Audit record types
const (
	AuditSignal         = "signal"
	AuditForceSubmit    = "force_submit"
	AuditPersistFailure = "persist_failure"
)

func newAuditRecord(typ string, key SessionKey, total uint) AuditRecord {
	return AuditRecord{
		ID:          uuid.NewString(),
		Type:        typ,
		ExamID:      key.ExamID,
		CandidateID: key.CandidateID,
		Total:       total,
		At:          time.Now().UTC(),
	}
}

// Aggregator is the only writer of one candidate's ledger for one exam attempt.
type Aggregator struct {
	key    SessionKey
	policy SessionPolicy

	mu        sync.Mutex
	ledger    *Ledger
	finalized bool
	persister *persister
}

func NewAggregator(key SessionKey, policy SessionPolicy) *Aggregator {
	return &Aggregator{
		key:    key,
		policy: policy,
		ledger: NewLedger(policy.MaxViolations),
	}
}

func (a *Aggregator) Key() SessionKey       { return a.key }
func (a *Aggregator) Policy() SessionPolicy { return a.policy }

func (a *Aggregator) Snapshot() LedgerSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger.Snapshot(a.key)
}

// Record adds sig to the ledger and decides whether the attempt must be force-submitted.
// Storage is asynchronous: the decision never waits for, nor depends on, the store.
func (a *Aggregator) Record(sig RawSignal) (Decision, error) {
	d, _, err := a.record(sig)
	return d, err
}

func (a *Aggregator) record(sig RawSignal) (Decision, LedgerSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return Continue, LedgerSnapshot{}, ErrFinalized
	}
	total := a.ledger.add(sig)
	snap := a.ledger.Snapshot(a.key)
	if a.persister != nil {
		a.persister.enqueue(snap)
	}

	if max := a.ledger.MaxViolations(); max != nil && total >= *max {
		return ForceSubmit, snap, nil
	}
	return Continue, snap, nil
}

func (a *Aggregator) restore(snap LedgerSnapshot) {
	a.mu.Lock()
	a.ledger.restore(snap)
	a.mu.Unlock()
}

// finalize stops recording and returns the final state.
func (a *Aggregator) finalize() LedgerSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalized = true
	return a.ledger.Snapshot(a.key)
}

// persister writes the latest ledger snapshot in the background.
// Snapshots queued while a write is in flight coalesce into the newest one.
type persister struct {
	key        SessionKey
	repo       Repository
	audit      AuditSink
	logger     core.Logger
	maxRetries uint64
	initial    time.Duration

	mu      sync.Mutex
	pending *LedgerSnapshot
	notify  chan struct{}
	quit    chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

func newPersister(key SessionKey, repo Repository, audit AuditSink, logger core.Logger, maxRetries uint64, initial time.Duration) *persister {
	ctx, cancel := context.WithCancel(context.Background())
	p := &persister{
		key:        key,
		repo:       repo,
		audit:      audit,
		logger:     logger,
		maxRetries: maxRetries,
		initial:    initial,
		notify:     make(chan struct{}, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	go p.run()
	return p
}

func (p *persister) enqueue(snap LedgerSnapshot) {
	p.mu.Lock()
	p.pending = &snap
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default: // a flush is already scheduled
	}
}

func (p *persister) take() *LedgerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := p.pending
	p.pending = nil
	return snap
}

func (p *persister) run() {
	defer close(p.done)
	for {
		select {
		case <-p.notify:
			p.flush()
		case <-p.quit:
			p.flush()
			return
		}
	}
}

func (p *persister) flush() {
	snap := p.take()
	if snap == nil {
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, p.maxRetries), p.ctx)

	op := func() error {
		// always write the newest state
		if newer := p.take(); newer != nil {
			snap = newer
		}
		return p.repo.SaveLedger(p.ctx, *snap)
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn(fmt.Sprintf("saving ledger %s failed, retrying in %v: %v", p.key, wait, err))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		metrics.PersistFailures.Inc()
		p.logger.Error(fmt.Sprintf("saving ledger %s: giving up: %v", p.key, err), errors.Wrap(err, "saving ledger"))
		if p.audit != nil {
			rec := newAuditRecord(AuditPersistFailure, p.key, snap.Total)
			rec.Error = err.Error()
			p.audit.Audit(context.Background(), rec)
		}
	}
}

// close flushes what is pending and stops the worker. Pending retries are
// abandoned when ctx expires.
func (p *persister) close(ctx context.Context) {
	p.once.Do(func() { close(p.quit) })
	select {
	case <-p.done:
	case <-ctx.Done():
		p.cancel()
		<-p.done
	}
	p.cancel()
}
