package proctor

import (
	"context"
	"fmt"
	"net/mail"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/metrics"
	"github.com/trezcool/proctor/core/relay"
)

// ErrClosed is returned once the service has been shut down.
var ErrClosed = errors.New("proctoring service closed")

// Relay events published to exam rooms.
const (
	EventViolationRecorded = "violation-recorded"
	EventForceSubmitted    = "exam-force-submitted"
	EventLedgerFinalized   = "ledger-finalized"
	EventSnapshotUploaded  = "snapshot-uploaded"
)

const forceSubmittedTemplate = "force_submitted"

func init() {
	core.RegisterEmailTemplate(forceSubmittedTemplate,
		`Candidate {{.CandidateID}} was automatically submitted from exam {{.ExamID}}
after {{.Total}} violations (limit {{.Max}}, risk {{.Risk}}).

Most recent violations:
{{range .Recent}}- {{.ObservedAt.Format "15:04:05"}} {{.Description}}
{{end}}`,
		`<p>Candidate <b>{{.CandidateID}}</b> was automatically submitted from exam <b>{{.ExamID}}</b>
after {{.Total}} violations (limit {{.Max}}, risk {{.Risk}}).</p>
<ul>{{range .Recent}}<li>{{.ObservedAt.Format "15:04:05"}} {{.Description}}</li>{{end}}</ul>`,
	)
}

type (
	// Publisher delivers an event to a relay room. Implementations must not block on slow subscribers.
	Publisher interface {
		Publish(ctx context.Context, room, event string, data interface{}) error
	}

	// SnapshotStore keeps webcam snapshots for later review.
	SnapshotStore interface {
		SaveSnapshot(ctx context.Context, snap Snapshot) error
	}

	Snapshot struct {
		ID          string    `json:"id"`
		ExamID      string    `json:"exam_id"`
		CandidateID string    `json:"candidate_id"`
		ContentType string    `json:"content_type"`
		Data        []byte    `json:"-"`
		TakenAt     time.Time `json:"taken_at"`
	}

	// Report is a violation reported by a candidate client.
	Report struct {
		Type        string   `json:"type" validate:"required,signalkind"`
		Description string   `json:"description" validate:"max=500"`
		Confidence  *float64 `json:"confidence" validate:"omitempty,min=0,max=1"`
	}

	// Outcome is what the candidate client needs to know after a report.
	Outcome struct {
		ViolationCount uint      `json:"violation_count"`
		MaxViolations  *uint     `json:"max_violations"`
		ForceSubmit    bool      `json:"force_submit"`
		RiskLevel      RiskLevel `json:"risk_level"`
	}

	ServiceOptions struct {
		PersistMaxRetries     uint64
		PersistInitialBackoff time.Duration
		// RehydrateTimeout bounds the store lookup made when a ledger is first needed.
		RehydrateTimeout time.Duration
	}

	ServiceDeps struct {
		Repo      Repository
		Policies  PolicyProvider
		Publisher Publisher
		Audit     AuditSink
		Snapshots SnapshotStore
		Mail      core.EmailService
		Logger    core.Logger
		Options   ServiceOptions
	}

	entry struct {
		ready chan struct{}
		agg   *Aggregator
		err   error
	}

	// Service owns one Aggregator per exam attempt and connects it to storage, relay, audit & email.
	Service struct {
		ServiceDeps

		mu       sync.Mutex
		sessions map[SessionKey]*entry
		closed   bool
	}
)

func NewService(deps ServiceDeps) *Service {
	if deps.Policies == nil {
		deps.Policies = NewStaticPolicies(DefaultPolicy(), nil)
	}
	if deps.Options.PersistMaxRetries == 0 {
		deps.Options.PersistMaxRetries = 5
	}
	if deps.Options.PersistInitialBackoff == 0 {
		deps.Options.PersistInitialBackoff = 200 * time.Millisecond
	}
	if deps.Options.RehydrateTimeout == 0 {
		deps.Options.RehydrateTimeout = 2 * time.Second
	}
	return &Service{ServiceDeps: deps, sessions: make(map[SessionKey]*entry)}
}

// ReportViolation validates a client report and records it.
func (svc *Service) ReportViolation(ctx context.Context, key SessionKey, rep Report) (Outcome, error) {
	kind := SignalKind(rep.Type)
	if !kind.Valid() {
		return Outcome{}, core.NewValidationError(nil, core.FieldError{Field: "type", Error: signalKindText})
	}
	confidence := 1.0
	if rep.Confidence != nil {
		confidence = *rep.Confidence
	}
	sig := NewSignal(kind, confidence, core.CleanString(rep.Description), time.Now())

	d, snap, err := svc.Record(ctx, key, sig)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		ViolationCount: snap.Total,
		MaxViolations:  snap.MaxViolations,
		ForceSubmit:    d == ForceSubmit,
		RiskLevel:      snap.RiskLevel,
	}, nil
}

// Record adds sig to the ledger of key and fans the result out.
// The decision is returned synchronously whatever the state of the store, relay or audit sink.
func (svc *Service) Record(ctx context.Context, key SessionKey, sig RawSignal) (Decision, LedgerSnapshot, error) {
	agg, err := svc.aggregator(ctx, key)
	if err != nil {
		return Continue, LedgerSnapshot{}, err
	}
	d, snap, err := agg.record(sig)
	if err != nil {
		return Continue, LedgerSnapshot{}, err
	}
	metrics.ViolationsRecorded.WithLabelValues(string(sig.Kind)).Inc()

	svc.publish(ctx, relay.ExamRoom(key.ExamID), EventViolationRecorded, map[string]interface{}{
		"candidateId":    key.CandidateID,
		"type":           sig.Kind,
		"description":    sig.Description,
		"confidence":     sig.Confidence,
		"observedAt":     sig.ObservedAt,
		"violationCount": snap.Total,
		"maxViolations":  snap.MaxViolations,
		"riskLevel":      snap.RiskLevel,
	})

	if sig.Kind.Audited() && svc.Audit != nil {
		rec := newAuditRecord(AuditSignal, key, snap.Total)
		rec.Signal = &sig
		svc.Audit.Audit(ctx, rec)
	}

	// notify only once, when the limit is first reached
	if d == ForceSubmit && snap.Total == *snap.MaxViolations {
		svc.forceSubmitted(ctx, agg, snap)
	}
	return d, snap, nil
}

func (svc *Service) forceSubmitted(ctx context.Context, agg *Aggregator, snap LedgerSnapshot) {
	key := agg.Key()
	metrics.ForceSubmits.Inc()
	svc.Logger.Info(fmt.Sprintf("force-submitting %s after %d violations", key, snap.Total))

	payload := map[string]interface{}{
		"examId":         key.ExamID,
		"candidateId":    key.CandidateID,
		"violationCount": snap.Total,
		"maxViolations":  snap.MaxViolations,
		"riskLevel":      snap.RiskLevel,
	}
	svc.publish(ctx, relay.ExamRoom(key.ExamID), EventForceSubmitted, payload)
	svc.publish(ctx, relay.UserRoom(key.CandidateID), EventForceSubmitted, payload)

	if svc.Audit != nil {
		svc.Audit.Audit(ctx, newAuditRecord(AuditForceSubmit, key, snap.Total))
	}

	if svc.Mail == nil || len(agg.Policy().NotifyEmails) == 0 {
		return
	}
	to := make([]mail.Address, 0, len(agg.Policy().NotifyEmails))
	for _, addr := range agg.Policy().NotifyEmails {
		parsed, err := mail.ParseAddress(addr)
		if err != nil {
			svc.Logger.Warn(fmt.Sprintf("skipping invalid notify email %q: %v", addr, err))
			continue
		}
		to = append(to, *parsed)
	}
	svc.Mail.SendMessages(&core.EmailMessage{
		To:           to,
		Subject:      fmt.Sprintf("Exam %s: candidate %s force-submitted", key.ExamID, key.CandidateID),
		TemplateName: forceSubmittedTemplate,
		TemplateData: map[string]interface{}{
			"ExamID":      key.ExamID,
			"CandidateID": key.CandidateID,
			"Total":       snap.Total,
			"Max":         *snap.MaxViolations,
			"Risk":        snap.RiskLevel,
			"Recent":      snap.Recent,
		},
	})
}

// Ledger returns the live ledger of key, or the stored one when no aggregator is running.
func (svc *Service) Ledger(ctx context.Context, key SessionKey) (LedgerSnapshot, error) {
	svc.mu.Lock()
	e, ok := svc.sessions[key]
	svc.mu.Unlock()
	if ok {
		select {
		case <-e.ready:
			if e.err == nil {
				return e.agg.Snapshot(), nil
			}
		default:
		}
	}
	if svc.Repo == nil {
		return LedgerSnapshot{}, ErrNotFound
	}
	return svc.Repo.GetLedger(ctx, key)
}

// Finalize ends the exam attempt: the in-memory ledger is flushed, marked final and discarded.
// Later records for key fail with ErrFinalized.
func (svc *Service) Finalize(ctx context.Context, key SessionKey) error {
	tombstone := &entry{ready: make(chan struct{}), err: ErrFinalized}
	close(tombstone.ready)

	svc.mu.Lock()
	if svc.closed {
		svc.mu.Unlock()
		return ErrClosed
	}
	e, live := svc.sessions[key]
	svc.sessions[key] = tombstone
	svc.mu.Unlock()

	defer func() {
		svc.mu.Lock()
		if svc.sessions[key] == tombstone {
			delete(svc.sessions, key)
		}
		svc.mu.Unlock()
	}()

	var snap LedgerSnapshot
	if live {
		select {
		case <-e.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if e.err == nil {
			snap = e.agg.finalize()
			if e.agg.persister != nil {
				e.agg.persister.close(ctx)
			}
			metrics.ActiveLedgers.Dec()
		}
	}

	now := time.Now().UTC()
	if svc.Repo != nil {
		if err := svc.Repo.FinalizeLedger(ctx, key, now); err != nil {
			return errors.Wrap(err, "finalizing ledger")
		}
	}

	svc.publish(ctx, relay.ExamRoom(key.ExamID), EventLedgerFinalized, map[string]interface{}{
		"candidateId":    key.CandidateID,
		"violationCount": snap.Total,
		"riskLevel":      RiskFor(snap.Total),
		"finalizedAt":    now,
	})
	return nil
}

// UploadSnapshot stores a base64 encoded webcam image and announces it to the exam room.
func (svc *Service) UploadSnapshot(ctx context.Context, key SessionKey, photo string) (Snapshot, error) {
	if svc.Snapshots == nil {
		return Snapshot{}, errors.New("snapshot storage is not configured")
	}
	data, contentType, err := DecodeImage(photo)
	if err != nil {
		return Snapshot{}, core.NewValidationError(err, core.FieldError{Field: "photo", Error: err.Error()})
	}

	snap := Snapshot{
		ID:          uuid.NewString(),
		ExamID:      key.ExamID,
		CandidateID: key.CandidateID,
		ContentType: contentType,
		Data:        data,
		TakenAt:     time.Now().UTC(),
	}
	if err := svc.Snapshots.SaveSnapshot(ctx, snap); err != nil {
		return Snapshot{}, errors.Wrap(err, "saving snapshot")
	}

	svc.publish(ctx, relay.ExamRoom(key.ExamID), EventSnapshotUploaded, map[string]interface{}{
		"candidateId": key.CandidateID,
		"snapshotId":  snap.ID,
		"contentType": snap.ContentType,
		"takenAt":     snap.TakenAt,
	})
	return snap, nil
}

// Close flushes & drops every live ledger. Writes still failing when ctx expires are abandoned.
func (svc *Service) Close(ctx context.Context) {
	svc.mu.Lock()
	svc.closed = true
	entries := make([]*entry, 0, len(svc.sessions))
	for _, e := range svc.sessions {
		entries = append(entries, e)
	}
	svc.sessions = make(map[SessionKey]*entry)
	svc.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		select {
		case <-e.ready:
		case <-ctx.Done():
			// the load still completes on its own context
			go func(e *entry) {
				<-e.ready
				if e.err == nil {
					metrics.ActiveLedgers.Dec()
				}
			}(e)
			continue
		}
		if e.err != nil {
			continue
		}
		metrics.ActiveLedgers.Dec()
		if e.agg.persister == nil {
			continue
		}
		wg.Add(1)
		go func(p *persister) {
			defer wg.Done()
			p.close(ctx)
		}(e.agg.persister)
	}
	wg.Wait()
}

func (svc *Service) aggregator(ctx context.Context, key SessionKey) (*Aggregator, error) {
	svc.mu.Lock()
	if svc.closed {
		svc.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := svc.sessions[key]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		svc.sessions[key] = e
	}
	svc.mu.Unlock()

	if !ok {
		svc.load(ctx, key, e)
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.agg, nil
}

// load builds the aggregator of e outside the registry lock.
func (svc *Service) load(ctx context.Context, key SessionKey, e *entry) {
	defer close(e.ready)

	forget := func(err error) {
		e.err = err
		svc.mu.Lock()
		if svc.sessions[key] == e {
			delete(svc.sessions, key)
		}
		svc.mu.Unlock()
	}

	policy, err := svc.Policies.Policy(ctx, key.ExamID)
	if err != nil {
		forget(errors.Wrap(err, "loading exam policy"))
		return
	}
	agg := NewAggregator(key, policy)

	if svc.Repo != nil {
		rctx, cancel := context.WithTimeout(ctx, svc.Options.RehydrateTimeout)
		snap, err := svc.Repo.GetLedger(rctx, key)
		cancel()
		switch {
		case err == nil && snap.FinalizedAt != nil:
			forget(ErrFinalized)
			return
		case err == nil:
			agg.restore(snap)
		case errors.Cause(err) == ErrNotFound:
		default:
			// recording must not depend on storage: start from scratch, the store keeps the greater total
			svc.Logger.Warn(fmt.Sprintf("rehydrating ledger %s: %v", key, err), err)
		}
		agg.persister = newPersister(key, svc.Repo, svc.Audit, svc.Logger,
			svc.Options.PersistMaxRetries, svc.Options.PersistInitialBackoff)
	}

	e.agg = agg
	metrics.ActiveLedgers.Inc()
}

func (svc *Service) publish(ctx context.Context, room, event string, data interface{}) {
	if svc.Publisher == nil {
		return
	}
	if err := svc.Publisher.Publish(ctx, room, event, data); err != nil {
		svc.Logger.Warn(fmt.Sprintf("publishing %s to %s: %v", event, room, err), err)
	}
}
