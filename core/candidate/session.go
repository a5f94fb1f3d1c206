// Package candidate runs proctoring on the candidate's device for one exam attempt:
// guards, vision analysis & snapshots feed one ordered reporting loop.
package candidate

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/guard"
	"github.com/trezcool/proctor/core/proctor"
	"github.com/trezcool/proctor/core/vision"
)

const (
	signalBuffer       = 64
	reportMaxRetries   = 3
	snapshotMaxRetries = 2
)

type (
	// Recorder forwards signals to the violation aggregator of the attempt.
	Recorder interface {
		Report(ctx context.Context, sig proctor.RawSignal) (proctor.Outcome, error)
	}

	SnapshotUploader interface {
		UploadSnapshot(ctx context.Context, photo string) error
	}

	// Camera is an open webcam stream.
	Camera interface {
		vision.FrameSource
		guard.Track
		Stop()
	}

	Config struct {
		Policy     proctor.SessionPolicy
		Env        guard.Environment
		OpenCamera func(ctx context.Context) (Camera, error)
		// Detector is nil when the vision models could not be loaded; guards still run.
		Detector  vision.Detector
		Vision    vision.Config
		Guard     guard.Options
		Recorder  Recorder
		Snapshots SnapshotUploader
		// Relay is the room connection of the candidate; closing it leaves every room.
		Relay io.Closer
		// OnForceSubmit must show the candidate a blocking message naming the violation count.
		OnForceSubmit func(count uint)
		Logger        core.Logger
	}
)

// Session is the single owner of everything started for an attempt; Stop releases all of it.
type Session struct {
	conf Config

	ctx     context.Context
	cancel  context.CancelFunc
	signals chan proctor.RawSignal
	wg      sync.WaitGroup

	camera   Camera
	guards   *guard.Session
	analyzer *vision.Analyzer

	forced   sync.Once
	stopOnce sync.Once
	done     chan struct{}
}

func NewSession(conf Config) *Session {
	return &Session{
		conf:    conf,
		signals: make(chan proctor.RawSignal, signalBuffer),
		done:    make(chan struct{}),
	}
}

// Start acquires the camera & starts guards, analysis, snapshots and the reporting loop.
// Missing capabilities degrade proctoring; they never fail the attempt.
func (s *Session) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.dispatch()

	gopts := s.conf.Guard
	if s.conf.Policy.CameraRequired && s.conf.OpenCamera != nil {
		cam, err := s.conf.OpenCamera(s.ctx)
		if err != nil {
			s.conf.Logger.Warn(fmt.Sprintf("candidate: opening camera: %v", err), err)
			s.emit(proctor.NewSignal(proctor.CameraOff, 1, "Camera unavailable", time.Now()))
			// the liveness poll must not report this outage a second time
			gopts.CameraDown = true
		} else {
			s.camera = cam
		}
	}

	gopts.CameraRequested = s.conf.Policy.CameraRequired
	gopts.Camera = s.track
	s.guards = guard.NewSession(s.conf.Env, s.emit, gopts, s.conf.Logger)
	s.guards.Start(s.ctx)

	if s.camera == nil {
		return
	}

	if s.conf.Detector != nil {
		s.analyzer = vision.NewAnalyzer(s.conf.Detector, s.camera, s.emit, s.conf.Vision, s.conf.Logger)
		if ok, err := s.analyzer.CaptureReference(s.ctx); err != nil {
			s.conf.Logger.Warn(fmt.Sprintf("candidate: capturing reference identity: %v", err), err)
		} else if !ok {
			s.conf.Logger.Info("candidate: no face found for the reference identity")
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.analyzer.Run(s.ctx)
		}()
	}

	if s.conf.Snapshots != nil && s.conf.Policy.SnapshotInterval() > 0 {
		s.wg.Add(1)
		go s.snapshots(s.conf.Policy.SnapshotInterval())
	}
}

// Stop tears everything down as one unit: timers, subscriptions, the camera and room memberships.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.guards != nil {
			s.guards.Stop()
		}
		s.wg.Wait()
		if s.camera != nil {
			s.camera.Stop()
		}
		if s.conf.Relay != nil {
			if err := s.conf.Relay.Close(); err != nil {
				s.conf.Logger.Warn(fmt.Sprintf("candidate: leaving rooms: %v", err), err)
			}
		}
		close(s.done)
	})
}

// Done is closed once the session is fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reference returns the captured reference identity, nil when vision is disabled or capture failed.
func (s *Session) Reference() vision.Descriptor {
	if s.analyzer == nil {
		return nil
	}
	return s.analyzer.Reference()
}

func (s *Session) track() guard.Track {
	if s.camera == nil {
		return nil
	}
	return s.camera
}

// emit queues sig for reporting without ever blocking the caller.
func (s *Session) emit(sig proctor.RawSignal) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.signals <- sig:
	default:
		s.conf.Logger.Warn(fmt.Sprintf("candidate: report queue full, dropping %s", sig.Kind))
	}
}

// dispatch reports signals one at a time, in the order they were observed.
func (s *Session) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case sig := <-s.signals:
			out, err := s.report(sig)
			if err != nil {
				s.conf.Logger.Error(fmt.Sprintf("candidate: reporting %s: %v", sig.Kind, err), err)
				if errors.Cause(err) == proctor.ErrFinalized {
					go s.Stop()
					return
				}
				continue
			}
			if out.ForceSubmit {
				s.forced.Do(func() {
					if s.conf.OnForceSubmit != nil {
						s.conf.OnForceSubmit(out.ViolationCount)
					}
				})
				go s.Stop()
				return
			}
		}
	}
}

func (s *Session) report(sig proctor.RawSignal) (proctor.Outcome, error) {
	var out proctor.Outcome
	op := func() error {
		var err error
		out, err = s.conf.Recorder.Report(s.ctx, sig)
		if errors.Cause(err) == proctor.ErrFinalized {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), reportMaxRetries), s.ctx)
	return out, backoff.Retry(op, policy)
}

func (s *Session) snapshots(every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			frame, err := s.camera.Capture(s.ctx)
			if err != nil {
				s.conf.Logger.Debug(fmt.Sprintf("candidate: snapshot capture: %v", err))
				continue
			}
			photo := base64.StdEncoding.EncodeToString(frame.Data)
			op := func() error { return s.conf.Snapshots.UploadSnapshot(s.ctx, photo) }
			policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), snapshotMaxRetries), s.ctx)
			if err := backoff.Retry(op, policy); err != nil {
				s.conf.Logger.Warn(fmt.Sprintf("candidate: uploading snapshot: %v", err), err)
			}
		}
	}
}

// ServiceRecorder records into an in-process proctoring service.
type ServiceRecorder struct {
	Service *proctor.Service
	Key     proctor.SessionKey
}

var _ Recorder = (*ServiceRecorder)(nil)

func (r *ServiceRecorder) Report(ctx context.Context, sig proctor.RawSignal) (proctor.Outcome, error) {
	d, snap, err := r.Service.Record(ctx, r.Key, sig)
	if err != nil {
		return proctor.Outcome{}, err
	}
	return proctor.Outcome{
		ViolationCount: snap.Total,
		MaxViolations:  snap.MaxViolations,
		ForceSubmit:    d == proctor.ForceSubmit,
		RiskLevel:      snap.RiskLevel,
	}, nil
}
