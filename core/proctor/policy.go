package proctor

import (
	"context"
	"sync"
	"time"
)

const DefaultSnapshotInterval = 30 // seconds

// SessionPolicy is the server-authoritative proctoring policy of an exam.
type SessionPolicy struct {
	MaxViolations           *uint    `json:"max_violations" yaml:"max_violations"`
	CameraRequired          bool     `json:"camera_required" yaml:"camera_required"`
	SnapshotIntervalSeconds uint     `json:"snapshot_interval_seconds" yaml:"snapshot_interval_seconds"`
	NotifyEmails            []string `json:"notify_emails,omitempty" yaml:"notify_emails"`
}

func DefaultPolicy() SessionPolicy {
	return SessionPolicy{
		CameraRequired:          true,
		SnapshotIntervalSeconds: DefaultSnapshotInterval,
	}
}

// SnapshotInterval returns the webcam snapshot period; zero disables snapshots.
func (p SessionPolicy) SnapshotInterval() time.Duration {
	return time.Duration(p.SnapshotIntervalSeconds) * time.Second
}

// PolicyProvider supplies the policy of an exam. Implementations must be safe for concurrent use.
type PolicyProvider interface {
	Policy(ctx context.Context, examID string) (SessionPolicy, error)
}

// StaticPolicies serves policies from memory, falling back to a default.
type StaticPolicies struct {
	mu       sync.RWMutex
	fallback SessionPolicy
	exams    map[string]SessionPolicy
}

var _ PolicyProvider = (*StaticPolicies)(nil)

func NewStaticPolicies(fallback SessionPolicy, exams map[string]SessionPolicy) *StaticPolicies {
	p := &StaticPolicies{fallback: fallback, exams: make(map[string]SessionPolicy, len(exams))}
	for id, pol := range exams {
		p.exams[id] = pol
	}
	return p
}

func (p *StaticPolicies) Policy(_ context.Context, examID string) (SessionPolicy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if pol, ok := p.exams[examID]; ok {
		return pol, nil
	}
	return p.fallback, nil
}

// Set replaces the policy of an exam. Running aggregators keep the policy they started with.
func (p *StaticPolicies) Set(examID string, pol SessionPolicy) {
	p.mu.Lock()
	p.exams[examID] = pol
	p.mu.Unlock()
}
