// Package vision scores webcam frames for presence, multiplicity, head pose, gaze & identity.
// Face detection itself is an external capability behind the Detector interface.
package vision

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/metrics"
	"github.com/trezcool/proctor/core/proctor"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultMinScore = .5

	yawThreshold      = .43
	pitchThreshold    = .35
	gazeLow, gazeHigh = .35, .65
	identityThreshold = .55
)

// mockable
var nowFunc = time.Now

var ErrNoFrame = errors.New("no frame available")

type (
	Frame struct {
		Width      int
		Height     int
		Format     string // e.g. image/jpeg
		Data       []byte
		CapturedAt time.Time
	}

	// Face is one detection: its score, 68 landmarks & an optional descriptor.
	Face struct {
		Score      float64    `msgpack:"score"`
		Landmarks  []Point    `msgpack:"landmarks"`
		Descriptor Descriptor `msgpack:"descriptor,omitempty"`
	}

	Detector interface {
		// DetectFaces returns every face scoring at least minScore.
		DetectFaces(ctx context.Context, frame Frame, minScore float64) ([]Face, error)
		// DetectSingleFace returns the best face with its descriptor, nil when there is none.
		DetectSingleFace(ctx context.Context, frame Frame) (*Face, error)
	}

	FrameSource interface {
		Capture(ctx context.Context) (Frame, error)
	}

	Config struct {
		Interval time.Duration
		MinScore float64
		// Mirrored tells the analyzer frames are flipped horizontally (selfie view).
		Mirrored bool
	}
)

// Analyzer runs fixed-cadence scans. At most one scan runs at a time; ticks
// arriving meanwhile are dropped.
type Analyzer struct {
	detector Detector
	source   FrameSource
	emit     func(proctor.RawSignal)
	conf     Config
	logger   core.Logger

	busy atomic.Bool

	mu        sync.RWMutex
	reference Descriptor
}

func NewAnalyzer(detector Detector, source FrameSource, emit func(proctor.RawSignal), conf Config, logger core.Logger) *Analyzer {
	if conf.Interval <= 0 {
		conf.Interval = DefaultInterval
	}
	if conf.MinScore <= 0 {
		conf.MinScore = DefaultMinScore
	}
	return &Analyzer{detector: detector, source: source, emit: emit, conf: conf, logger: logger}
}

// Run scans every Interval until ctx is done, then waits for the scan in flight.
func (a *Analyzer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(a.conf.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.busy.CompareAndSwap(false, true) {
				metrics.VisionScans.WithLabelValues("skipped").Inc()
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer a.busy.Store(false)
				a.scan(ctx)
			}()
		}
	}
}

// Scan runs one scan now and emits its signals. It returns false when a scan was already running.
func (a *Analyzer) Scan(ctx context.Context) bool {
	if !a.busy.CompareAndSwap(false, true) {
		metrics.VisionScans.WithLabelValues("skipped").Inc()
		return false
	}
	defer a.busy.Store(false)
	a.scan(ctx)
	return true
}

func (a *Analyzer) scan(ctx context.Context) {
	frame, err := a.source.Capture(ctx)
	if err != nil {
		metrics.VisionScans.WithLabelValues("error").Inc()
		a.logger.Debug(fmt.Sprintf("vision: capturing frame: %v", err))
		return
	}
	faces, err := a.detector.DetectFaces(ctx, frame, a.conf.MinScore)
	if err != nil {
		metrics.VisionScans.WithLabelValues("error").Inc()
		a.logger.Warn(fmt.Sprintf("vision: detecting faces: %v", err), err)
		return
	}
	metrics.VisionScans.WithLabelValues("ok").Inc()

	at := frame.CapturedAt
	if at.IsZero() {
		at = nowFunc()
	}
	for _, sig := range a.Evaluate(faces, at) {
		if ctx.Err() != nil {
			return
		}
		a.emit(sig)
	}
}

// Evaluate derives the signals of one scan from its detections.
func (a *Analyzer) Evaluate(faces []Face, at time.Time) []proctor.RawSignal {
	var primary *Face
	var kept int
	for i := range faces {
		if faces[i].Score < a.conf.MinScore {
			continue
		}
		kept++
		if primary == nil || faces[i].Score > primary.Score {
			primary = &faces[i]
		}
	}
	if primary == nil {
		return []proctor.RawSignal{proctor.NewSignal(proctor.NoFace, 1, "", at)}
	}

	var sigs []proctor.RawSignal
	if kept > 1 {
		sigs = append(sigs, proctor.NewSignal(proctor.MultiFace, primary.Score,
			fmt.Sprintf("%d faces detected", kept), at))
	}

	if len(primary.Landmarks) >= LandmarkCount {
		if sig, ok := a.headTurn(primary.Landmarks, at); ok {
			sigs = append(sigs, sig)
		}
		if ratio, ok := GazeRatio(primary.Landmarks); ok && (ratio < gazeLow || ratio > gazeHigh) {
			sigs = append(sigs, proctor.NewSignal(proctor.EyeGaze, math.Min(1, math.Abs(ratio-.5)*2), "", at))
		}
	}

	if ref := a.Reference(); ref != nil && len(primary.Descriptor) == len(ref) {
		if d := Distance(ref, primary.Descriptor); d > identityThreshold {
			sigs = append(sigs, proctor.NewSignal(proctor.IdentityMismatch, math.Min(1, d),
				fmt.Sprintf("Face does not match the reference (distance %.2f)", d), at))
		}
	}
	return sigs
}

func (a *Analyzer) headTurn(lm []Point, at time.Time) (proctor.RawSignal, bool) {
	yaw, pitch := HeadPose(lm)
	if a.conf.Mirrored {
		yaw = -yaw
	}

	// confidence follows yaw alone, so a pure tilt reports 0
	conf := math.Min(1, math.Abs(yaw)/.8)
	switch {
	case math.Abs(yaw) > yawThreshold:
		// in a raw (non-mirrored) frame the candidate's left is on the image's right
		dir := "right"
		if yaw > 0 {
			dir = "left"
		}
		return proctor.NewSignal(proctor.HeadTurn, conf, "Head turned "+dir, at), true
	case math.Abs(pitch) > pitchThreshold:
		dir := "up"
		if pitch > 0 {
			dir = "down"
		}
		return proctor.NewSignal(proctor.HeadTurn, conf, "Head tilted "+dir, at), true
	}
	return proctor.RawSignal{}, false
}

// CaptureReference stores the descriptor of the face currently in view as the reference identity.
// It returns false, leaving any previous reference untouched, when no usable face is found.
func (a *Analyzer) CaptureReference(ctx context.Context) (bool, error) {
	frame, err := a.source.Capture(ctx)
	if err != nil {
		return false, errors.Wrap(err, "capturing frame")
	}
	face, err := a.detector.DetectSingleFace(ctx, frame)
	if err != nil {
		return false, errors.Wrap(err, "detecting face")
	}
	if face == nil || len(face.Descriptor) == 0 {
		return false, nil
	}

	ref := make(Descriptor, len(face.Descriptor))
	copy(ref, face.Descriptor)
	a.mu.Lock()
	a.reference = ref
	a.mu.Unlock()
	return true, nil
}

func (a *Analyzer) Reference() Descriptor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reference
}
