package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/proctor"
)

type ledgerRow struct {
	ExamID        string    `db:"exam_id"`
	CandidateID   string    `db:"candidate_id"`
	Counts        string    `db:"counts"`
	Total         int64     `db:"total"`
	RiskLevel     string    `db:"risk_level"`
	Recent        string    `db:"recent"`
	MaxViolations null.Int  `db:"max_violations"`
	UpdatedAt     time.Time `db:"updated_at"`
	FinalizedAt   null.Time `db:"finalized_at"`
}

func toRow(snap proctor.LedgerSnapshot) (ledgerRow, error) {
	counts, err := json.Marshal(snap.Counts)
	if err != nil {
		return ledgerRow{}, errors.Wrap(err, "encoding counts")
	}
	recent := snap.Recent
	if recent == nil {
		recent = []proctor.RawSignal{}
	}
	rec, err := json.Marshal(recent)
	if err != nil {
		return ledgerRow{}, errors.Wrap(err, "encoding recent signals")
	}

	row := ledgerRow{
		ExamID:      snap.ExamID,
		CandidateID: snap.CandidateID,
		Counts:      string(counts),
		Total:       int64(snap.Total),
		RiskLevel:   string(snap.RiskLevel),
		Recent:      string(rec),
		UpdatedAt:   snap.UpdatedAt.UTC(),
	}
	if snap.MaxViolations != nil {
		row.MaxViolations = null.IntFrom(int(*snap.MaxViolations))
	}
	return row, nil
}

func (row ledgerRow) snapshot() (proctor.LedgerSnapshot, error) {
	snap := proctor.LedgerSnapshot{
		ExamID:      row.ExamID,
		CandidateID: row.CandidateID,
		Total:       uint(row.Total),
		RiskLevel:   proctor.RiskLevel(row.RiskLevel),
		UpdatedAt:   row.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(row.Counts), &snap.Counts); err != nil {
		return proctor.LedgerSnapshot{}, errors.Wrap(err, "decoding counts")
	}
	if err := json.Unmarshal([]byte(row.Recent), &snap.Recent); err != nil {
		return proctor.LedgerSnapshot{}, errors.Wrap(err, "decoding recent signals")
	}
	if row.MaxViolations.Valid {
		max := uint(row.MaxViolations.Int)
		snap.MaxViolations = &max
	}
	if row.FinalizedAt.Valid {
		at := row.FinalizedAt.Time.UTC()
		snap.FinalizedAt = &at
	}
	return snap, nil
}

const (
	selectLedger = `
		SELECT exam_id, candidate_id, counts, total, risk_level, recent, max_violations, updated_at, finalized_at
		FROM violation_ledgers
		WHERE exam_id = ? AND candidate_id = ?`

	// a stored ledger is only replaced by one at least as far along, and never once finalized
	upsertLedger = `
		INSERT INTO violation_ledgers (exam_id, candidate_id, counts, total, risk_level, recent, max_violations, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (exam_id, candidate_id) DO UPDATE SET
			counts = excluded.counts,
			total = excluded.total,
			risk_level = excluded.risk_level,
			recent = excluded.recent,
			max_violations = excluded.max_violations,
			updated_at = excluded.updated_at
		WHERE violation_ledgers.total <= excluded.total AND violation_ledgers.finalized_at IS NULL`

	finalizeLedger = `
		INSERT INTO violation_ledgers (exam_id, candidate_id, updated_at, finalized_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (exam_id, candidate_id) DO UPDATE SET
			finalized_at = excluded.finalized_at
		WHERE violation_ledgers.finalized_at IS NULL`
)

type ledgerRepository struct {
	db core.DBExecutor
}

var _ proctor.Repository = (*ledgerRepository)(nil)

func NewLedgerRepository(db core.DBExecutor) proctor.Repository {
	return &ledgerRepository{db: db}
}

func (repo *ledgerRepository) GetLedger(ctx context.Context, key proctor.SessionKey) (proctor.LedgerSnapshot, error) {
	var row ledgerRow
	err := repo.db.GetContext(ctx, &row, repo.db.Rebind(selectLedger), key.ExamID, key.CandidateID)
	if err != nil {
		if err == sql.ErrNoRows {
			return proctor.LedgerSnapshot{}, proctor.ErrNotFound
		}
		return proctor.LedgerSnapshot{}, errors.Wrap(err, "selecting ledger")
	}
	return row.snapshot()
}

func (repo *ledgerRepository) SaveLedger(ctx context.Context, snap proctor.LedgerSnapshot) error {
	row, err := toRow(snap)
	if err != nil {
		return err
	}
	_, err = repo.db.ExecContext(ctx, repo.db.Rebind(upsertLedger),
		row.ExamID, row.CandidateID, row.Counts, row.Total, row.RiskLevel, row.Recent, row.MaxViolations, row.UpdatedAt)
	return errors.Wrap(err, "upserting ledger")
}

func (repo *ledgerRepository) FinalizeLedger(ctx context.Context, key proctor.SessionKey, at time.Time) error {
	at = at.UTC()
	_, err := repo.db.ExecContext(ctx, repo.db.Rebind(finalizeLedger), key.ExamID, key.CandidateID, at, at)
	return errors.Wrap(err, "finalizing ledger")
}
