package inmemdb

import (
	"context"
	"sync"
	"time"

	"github.com/trezcool/proctor/core/proctor"
)

type ledgerRepository struct {
	mutex sync.RWMutex
	table map[proctor.SessionKey]proctor.LedgerSnapshot
}

var _ proctor.Repository = (*ledgerRepository)(nil)

func NewLedgerRepository() proctor.Repository {
	return &ledgerRepository{table: make(map[proctor.SessionKey]proctor.LedgerSnapshot)}
}

func (repo *ledgerRepository) GetLedger(_ context.Context, key proctor.SessionKey) (proctor.LedgerSnapshot, error) {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()
	snap, ok := repo.table[key]
	if !ok {
		return proctor.LedgerSnapshot{}, proctor.ErrNotFound
	}
	return snap, nil
}

func (repo *ledgerRepository) SaveLedger(_ context.Context, snap proctor.LedgerSnapshot) error {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()
	key := snap.Key()
	if stored, ok := repo.table[key]; ok {
		if stored.FinalizedAt != nil || stored.Total > snap.Total {
			return nil
		}
	}
	snap.FinalizedAt = nil
	repo.table[key] = snap
	return nil
}

func (repo *ledgerRepository) FinalizeLedger(_ context.Context, key proctor.SessionKey, at time.Time) error {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()
	snap, ok := repo.table[key]
	if !ok {
		snap = proctor.LedgerSnapshot{
			ExamID:      key.ExamID,
			CandidateID: key.CandidateID,
			Counts:      map[proctor.SignalKind]uint{},
			Recent:      []proctor.RawSignal{},
			RiskLevel:   proctor.RiskLow,
			UpdatedAt:   at.UTC(),
		}
	}
	if snap.FinalizedAt == nil {
		at = at.UTC()
		snap.FinalizedAt = &at
	}
	repo.table[key] = snap
	return nil
}
