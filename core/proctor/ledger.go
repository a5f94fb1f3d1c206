package proctor

import (
	"time"
)

// RecentCapacity bounds the ring buffer of recent signals kept per ledger.
const RecentCapacity = 50

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskFor maps a violation total to its risk level.
func RiskFor(total uint) RiskLevel {
	switch {
	case total >= 30:
		return RiskCritical
	case total >= 15:
		return RiskHigh
	case total >= 5:
		return RiskMedium
	default:
		return RiskLow
	}
}

// SessionKey identifies one exam attempt of one candidate.
type SessionKey struct {
	ExamID      string
	CandidateID string
}

func (k SessionKey) String() string { return k.ExamID + "/" + k.CandidateID }

// Ledger is the running tally of one candidate's violations for one exam attempt.
// It is not safe for concurrent use; the owning Aggregator serializes access.
type Ledger struct {
	counts        map[SignalKind]uint
	total         uint
	recent        [RecentCapacity]RawSignal
	head, size    int // ring buffer cursor (oldest entry) & length
	maxViolations *uint
}

func NewLedger(maxViolations *uint) *Ledger {
	return &Ledger{
		counts:        make(map[SignalKind]uint),
		maxViolations: maxViolations,
	}
}

// add records sig and returns the new total.
func (l *Ledger) add(sig RawSignal) uint {
	l.counts[sig.Kind]++
	l.total++

	if l.size < RecentCapacity {
		l.recent[(l.head+l.size)%RecentCapacity] = sig
		l.size++
	} else {
		// evict the oldest
		l.recent[l.head] = sig
		l.head = (l.head + 1) % RecentCapacity
	}
	return l.total
}

func (l *Ledger) Total() uint          { return l.total }
func (l *Ledger) Risk() RiskLevel      { return RiskFor(l.total) }
func (l *Ledger) MaxViolations() *uint { return l.maxViolations }

// Recent returns the buffered signals, oldest first.
func (l *Ledger) Recent() []RawSignal {
	out := make([]RawSignal, 0, l.size)
	for i := 0; i < l.size; i++ {
		out = append(out, l.recent[(l.head+i)%RecentCapacity])
	}
	return out
}

// Snapshot returns an immutable copy of the ledger suitable for storage & broadcast.
func (l *Ledger) Snapshot(key SessionKey) LedgerSnapshot {
	counts := make(map[SignalKind]uint, len(l.counts))
	for k, v := range l.counts {
		counts[k] = v
	}
	var maxViolations *uint
	if l.maxViolations != nil {
		m := *l.maxViolations
		maxViolations = &m
	}
	return LedgerSnapshot{
		ExamID:        key.ExamID,
		CandidateID:   key.CandidateID,
		Counts:        counts,
		Total:         l.total,
		RiskLevel:     l.Risk(),
		Recent:        l.Recent(),
		MaxViolations: maxViolations,
		UpdatedAt:     time.Now().UTC(),
	}
}

// restore loads a stored snapshot into a fresh ledger. Total is recomputed from counts.
func (l *Ledger) restore(snap LedgerSnapshot) {
	l.counts = make(map[SignalKind]uint, len(snap.Counts))
	l.total = 0
	for k, v := range snap.Counts {
		l.counts[k] = v
		l.total += v
	}
	l.head, l.size = 0, 0
	recent := snap.Recent
	if len(recent) > RecentCapacity {
		recent = recent[len(recent)-RecentCapacity:]
	}
	for _, sig := range recent {
		l.recent[l.size] = sig
		l.size++
	}
}

// LedgerSnapshot is the stored & broadcast representation of a Ledger.
type LedgerSnapshot struct {
	ExamID        string              `json:"exam_id"`
	CandidateID   string              `json:"candidate_id"`
	Counts        map[SignalKind]uint `json:"counts"`
	Total         uint                `json:"total"`
	RiskLevel     RiskLevel           `json:"risk_level"`
	Recent        []RawSignal         `json:"recent"`
	MaxViolations *uint               `json:"max_violations"`
	UpdatedAt     time.Time           `json:"updated_at"`
	FinalizedAt   *time.Time          `json:"finalized_at,omitempty"`
}

func (s LedgerSnapshot) Key() SessionKey {
	return SessionKey{ExamID: s.ExamID, CandidateID: s.CandidateID}
}
