package vision

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/proctor/core/proctor"
	logsvc "github.com/trezcool/proctor/services/logger"
)

// frontalFace builds landmarks of a centered, upright face:
// jaw x 0..100, brows y=30, eyes y=40, nose tip (50, 68), chin y=100, both pupils centered.
func frontalFace() []Point {
	lm := make([]Point, LandmarkCount)
	lm[JawLeft] = Point{X: 0, Y: 50}
	lm[JawRight] = Point{X: 100, Y: 50}
	lm[Chin] = Point{X: 50, Y: 100}
	lm[LeftBrowMid] = Point{X: 30, Y: 30}
	lm[RightBrowMid] = Point{X: 70, Y: 30}
	lm[NoseTip] = Point{X: 50, Y: 68}
	setEye(lm, LeftEyeFrom, 20, .5)
	setEye(lm, RightEyeFrom, 60, .5)
	return lm
}

// setEye places a 20 wide eye at x with its pupil at ratio of its width.
func setEye(lm []Point, from int, x, ratio float64) {
	pupil := x + 20*ratio
	lm[from] = Point{X: x, Y: 40}
	lm[from+1] = Point{X: x + 5, Y: 38}
	lm[from+2] = Point{X: pupil, Y: 38}
	lm[from+3] = Point{X: x + 20, Y: 40}
	lm[from+4] = Point{X: pupil, Y: 42}
	lm[from+5] = Point{X: x + 5, Y: 42}
}

func kinds(sigs []proctor.RawSignal) []proctor.SignalKind {
	out := make([]proctor.SignalKind, 0, len(sigs))
	for _, sig := range sigs {
		out = append(out, sig.Kind)
	}
	return out
}

func TestHeadPose(t *testing.T) {
	lm := frontalFace()
	yaw, pitch := HeadPose(lm)
	assert.InDelta(t, 0, yaw, 1e-9)
	assert.InDelta(t, 0, pitch, 1e-9)

	lm[NoseTip].X = 90
	yaw, _ = HeadPose(lm)
	assert.InDelta(t, .8, yaw, 1e-9)
}

func TestGazeRatio(t *testing.T) {
	lm := frontalFace()
	ratio, ok := GazeRatio(lm)
	require.True(t, ok)
	assert.InDelta(t, .5, ratio, 1e-9)

	setEye(lm, LeftEyeFrom, 20, .1)
	setEye(lm, RightEyeFrom, 60, .1)
	ratio, _ = GazeRatio(lm)
	assert.InDelta(t, .1, ratio, 1e-9)
}

func TestAnalyzer_Evaluate(t *testing.T) {
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	ref := Descriptor{0, 0, 0, 0}

	turned := frontalFace()
	turned[NoseTip].X = 90
	turnedRight := frontalFace()
	turnedRight[NoseTip].X = 10
	lookingDown := frontalFace()
	lookingDown[NoseTip].Y = 95
	tiltedAndTurned := frontalFace()
	tiltedAndTurned[NoseTip] = Point{X: 70, Y: 98}
	gazing := frontalFace()
	setEye(gazing, LeftEyeFrom, 20, .1)
	setEye(gazing, RightEyeFrom, 60, .1)
	slightGaze := frontalFace()
	setEye(slightGaze, LeftEyeFrom, 20, .6)
	setEye(slightGaze, RightEyeFrom, 60, .6)

	tests := []struct {
		name     string
		faces    []Face
		mirrored bool
		want     []proctor.SignalKind
		wantConf []float64
		wantDesc []string
	}{
		{name: "no face", want: []proctor.SignalKind{proctor.NoFace}, wantConf: []float64{1}},
		{
			name:  "faces below threshold",
			faces: []Face{{Score: .3, Landmarks: frontalFace()}},
			want:  []proctor.SignalKind{proctor.NoFace},
		},
		{
			name:  "frontal",
			faces: []Face{{Score: .9, Landmarks: frontalFace(), Descriptor: ref}},
			want:  []proctor.SignalKind{},
		},
		{
			name: "two faces",
			faces: []Face{
				{Score: .7, Landmarks: turned},
				{Score: .95, Landmarks: frontalFace()},
				{Score: .2, Landmarks: frontalFace()},
			},
			want:     []proctor.SignalKind{proctor.MultiFace},
			wantConf: []float64{.95},
			wantDesc: []string{"2 faces detected"},
		},
		{
			name:     "head turned",
			faces:    []Face{{Score: .9, Landmarks: turned}},
			want:     []proctor.SignalKind{proctor.HeadTurn},
			wantConf: []float64{1},
			wantDesc: []string{"Head turned left"},
		},
		{
			name:     "head turned mirrored",
			faces:    []Face{{Score: .9, Landmarks: turned}},
			mirrored: true,
			want:     []proctor.SignalKind{proctor.HeadTurn},
			wantDesc: []string{"Head turned right"},
		},
		{
			name:     "head turned other way",
			faces:    []Face{{Score: .9, Landmarks: turnedRight}},
			want:     []proctor.SignalKind{proctor.HeadTurn},
			wantDesc: []string{"Head turned right"},
		},
		{
			name:     "head tilted",
			faces:    []Face{{Score: .9, Landmarks: lookingDown}},
			want:     []proctor.SignalKind{proctor.HeadTurn},
			wantConf: []float64{0},
			wantDesc: []string{"Head tilted down"},
		},
		{
			name:     "head tilted while slightly turned",
			faces:    []Face{{Score: .9, Landmarks: tiltedAndTurned}},
			want:     []proctor.SignalKind{proctor.HeadTurn},
			wantConf: []float64{.5},
			wantDesc: []string{"Head tilted down"},
		},
		{
			name:     "gaze away",
			faces:    []Face{{Score: .9, Landmarks: gazing}},
			want:     []proctor.SignalKind{proctor.EyeGaze},
			wantConf: []float64{.8},
		},
		{
			name:  "gaze within tolerance",
			faces: []Face{{Score: .9, Landmarks: slightGaze}},
			want:  []proctor.SignalKind{},
		},
		{
			name:     "identity mismatch",
			faces:    []Face{{Score: .9, Landmarks: frontalFace(), Descriptor: Descriptor{.9, 0, 0, 0}}},
			want:     []proctor.SignalKind{proctor.IdentityMismatch},
			wantConf: []float64{.9},
		},
		{
			name:  "identity close enough",
			faces: []Face{{Score: .9, Landmarks: frontalFace(), Descriptor: Descriptor{.3, .3, 0, 0}}},
			want:  []proctor.SignalKind{},
		},
		{
			name:  "descriptor of another model",
			faces: []Face{{Score: .9, Landmarks: frontalFace(), Descriptor: Descriptor{9, 9}}},
			want:  []proctor.SignalKind{},
		},
		{
			name:  "no landmarks",
			faces: []Face{{Score: .9}},
			want:  []proctor.SignalKind{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAnalyzer(nil, nil, nil, Config{Mirrored: tt.mirrored}, logsvc.NewNopLogger())
			a.reference = ref

			got := a.Evaluate(tt.faces, at)
			assert.Equal(t, tt.want, kinds(got))
			for i, conf := range tt.wantConf {
				assert.InDelta(t, conf, got[i].Confidence, 1e-9)
			}
			for i, desc := range tt.wantDesc {
				assert.Equal(t, desc, got[i].Description)
			}
			for _, sig := range got {
				assert.Equal(t, at, sig.ObservedAt)
			}
		})
	}
}

func TestAnalyzer_IdentityWithoutReference(t *testing.T) {
	a := NewAnalyzer(nil, nil, nil, Config{}, logsvc.NewNopLogger())
	got := a.Evaluate([]Face{{Score: .9, Landmarks: frontalFace(), Descriptor: Descriptor{.9, .9}}}, time.Now())
	assert.Empty(t, got)
}

type fakeDetector struct {
	mu      sync.Mutex
	faces   []Face
	single  *Face
	err     error
	block   chan struct{} // when set, DetectFaces waits on it
	calls   int32
	running int32
	maxRun  int32
}

func (d *fakeDetector) DetectFaces(ctx context.Context, _ Frame, _ float64) ([]Face, error) {
	atomic.AddInt32(&d.calls, 1)
	n := atomic.AddInt32(&d.running, 1)
	defer atomic.AddInt32(&d.running, -1)
	d.mu.Lock()
	if n > d.maxRun {
		d.maxRun = n
	}
	block, faces, err := d.block, d.faces, d.err
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return faces, err
}

func (d *fakeDetector) DetectSingleFace(context.Context, Frame) (*Face, error) {
	return d.single, d.err
}

type fakeSource struct{ err error }

func (s fakeSource) Capture(context.Context) (Frame, error) {
	return Frame{Width: 640, Height: 480, Format: "image/jpeg", Data: []byte{0xff, 0xd8}}, s.err
}

type sigRecorder struct {
	mu   sync.Mutex
	sigs []proctor.RawSignal
}

func (r *sigRecorder) emit(sig proctor.RawSignal) {
	r.mu.Lock()
	r.sigs = append(r.sigs, sig)
	r.mu.Unlock()
}

func (r *sigRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sigs)
}

func TestAnalyzer_ScanDropsConcurrentTicks(t *testing.T) {
	block := make(chan struct{})
	det := &fakeDetector{block: block}
	rec := &sigRecorder{}
	a := NewAnalyzer(det, fakeSource{}, rec.emit, Config{}, logsvc.NewNopLogger())

	done := make(chan bool)
	go func() { done <- a.Scan(context.Background()) }()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&det.calls) == 1 }, time.Second, time.Millisecond)

	// a scan is in progress: this one is dropped, not queued
	assert.False(t, a.Scan(context.Background()))

	close(block)
	assert.True(t, <-done)
	assert.Equal(t, int32(1), atomic.LoadInt32(&det.calls))
	assert.Equal(t, 1, rec.len()) // NoFace
}

func TestAnalyzer_Run(t *testing.T) {
	block := make(chan struct{})
	det := &fakeDetector{block: block, faces: []Face{{Score: .9, Landmarks: frontalFace()}}}
	rec := &sigRecorder{}
	a := NewAnalyzer(det, fakeSource{}, rec.emit, Config{Interval: time.Millisecond}, logsvc.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(stopped)
	}()

	time.Sleep(20 * time.Millisecond) // many ticks while the first detection hangs
	assert.Equal(t, int32(1), atomic.LoadInt32(&det.calls))
	close(block)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&det.calls) > 2 }, time.Second, time.Millisecond)
	cancel()
	<-stopped
	assert.Equal(t, int32(1), det.maxRun)
	assert.Equal(t, 0, rec.len())
}

func TestAnalyzer_ScanErrors(t *testing.T) {
	rec := &sigRecorder{}
	a := NewAnalyzer(&fakeDetector{}, fakeSource{err: ErrNoFrame}, rec.emit, Config{}, logsvc.NewNopLogger())
	assert.True(t, a.Scan(context.Background()))

	a = NewAnalyzer(&fakeDetector{err: errors.New("model crashed")}, fakeSource{}, rec.emit, Config{}, logsvc.NewNopLogger())
	assert.True(t, a.Scan(context.Background()))
	assert.Equal(t, 0, rec.len())
}

func TestAnalyzer_CaptureReference(t *testing.T) {
	det := &fakeDetector{}
	a := NewAnalyzer(det, fakeSource{}, nil, Config{}, logsvc.NewNopLogger())

	ok, err := a.CaptureReference(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, a.Reference())

	desc := Descriptor{.1, .2, .3}
	det.single = &Face{Score: .9, Landmarks: frontalFace(), Descriptor: desc}
	ok, err = a.CaptureReference(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, desc, a.Reference())
	desc[0] = 42 // the stored reference is a copy
	assert.Equal(t, .1, a.Reference()[0])

	// a failed re-capture keeps the previous reference
	det.single = &Face{Score: .9}
	ok, _ = a.CaptureReference(context.Background())
	assert.False(t, ok)
	assert.Equal(t, Descriptor{.1, .2, .3}, a.Reference())

	det.err = errors.New("model crashed")
	_, err = a.CaptureReference(context.Background())
	assert.Error(t, err)
	assert.Equal(t, Descriptor{.1, .2, .3}, a.Reference())

	// distance to itself never mismatches
	got := a.Evaluate([]Face{{Score: .9, Landmarks: frontalFace(), Descriptor: Descriptor{.1, .2, .3}}}, time.Now())
	assert.Empty(t, got)
}
