// Package guard turns raw browser and OS events into violation signals.
// Guards never decide on escalation: they only emit.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/proctor"
)

const (
	DefaultLivenessInterval = 5 * time.Second
	DefaultRepeatInterval   = time.Second
)

// mockable
var nowFunc = time.Now

type EventType int

const (
	FullscreenChange EventType = iota
	VisibilityChange
	Clipboard
	KeyDown
)

func (t EventType) String() string {
	switch t {
	case FullscreenChange:
		return "fullscreenchange"
	case VisibilityChange:
		return "visibilitychange"
	case Clipboard:
		return "clipboard"
	case KeyDown:
		return "keydown"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is a raw environment event. Which fields are set depends on Type.
type Event struct {
	Type       EventType
	Fullscreen bool     // FullscreenChange
	Hidden     bool     // VisibilityChange
	Action     string   // Clipboard: copy, cut or paste
	Key        KeyCombo // KeyDown

	prevented bool
}

// PreventDefault suppresses the native action of the event.
func (e *Event) PreventDefault() { e.prevented = true }

func (e *Event) DefaultPrevented() bool { return e.prevented }

type Handler func(ev *Event)

// Environment is the browser/OS surface guards listen to.
type Environment interface {
	// Subscribe registers h for events of type t and returns the function removing it.
	Subscribe(t EventType, h Handler) (unsubscribe func(), err error)
	RequestFullscreen() error
}

// Track is a camera media track.
type Track interface {
	Enabled() bool
	Ended() bool
}

// Sink receives emitted signals.
type Sink func(sig proctor.RawSignal)

type Options struct {
	// CameraRequested enables the camera liveness poll.
	CameraRequested bool
	// Camera returns the current camera track, nil when there is none.
	Camera           func() Track
	LivenessInterval time.Duration
	// CameraDown marks the camera as already reported off, so the poll only signals a later outage.
	CameraDown bool
	// RepeatInterval is the minimum delay between two signals for the same clipboard action or shortcut.
	RepeatInterval time.Duration
}

// Session owns every guard subscription and timer of one exam attempt.
type Session struct {
	env    Environment
	emit   Sink
	opts   Options
	logger core.Logger

	mu           sync.Mutex
	active       bool
	stopped      bool
	fullscreen   bool
	hidden       bool
	cameraOK     bool
	lastRepeated map[string]time.Time
	unsubs       []func()

	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewSession(env Environment, emit Sink, opts Options, logger core.Logger) *Session {
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = DefaultLivenessInterval
	}
	if opts.RepeatInterval <= 0 {
		opts.RepeatInterval = DefaultRepeatInterval
	}
	return &Session{
		env:          env,
		emit:         emit,
		opts:         opts,
		logger:       logger,
		cameraOK:     !opts.CameraDown,
		lastRepeated: make(map[string]time.Time),
		done:         make(chan struct{}),
	}
}

// Start subscribes every guard and starts the camera poll. Environment failures are logged, never returned.
// Only the first call does anything, and a Session stopped before it starts stays stopped.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() { s.start(ctx) })
}

func (s *Session) start(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.mu.Unlock()

	if err := s.env.RequestFullscreen(); err != nil {
		s.logger.Warn(fmt.Sprintf("guard: fullscreen request rejected: %v", err), err)
	}

	subs := []struct {
		typ EventType
		h   Handler
	}{
		{FullscreenChange, s.onFullscreen},
		{VisibilityChange, s.onVisibility},
		{Clipboard, s.onClipboard},
		{KeyDown, s.onKeyDown},
	}
	for _, sub := range subs {
		unsub, err := s.env.Subscribe(sub.typ, s.safe(sub.typ, sub.h))
		if err != nil {
			s.logger.Warn(fmt.Sprintf("guard: subscribing to %s: %v", sub.typ, err), errors.Wrap(err, "subscribing"))
			continue
		}
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			unsub()
			continue
		}
		s.unsubs = append(s.unsubs, unsub)
		s.mu.Unlock()
	}

	if !s.opts.CameraRequested || s.opts.Camera == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.pollCamera(ctx)
}

// Stop removes every subscription and stops the camera poll. It is safe to call more than once, and before Start.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.active = false
		unsubs := s.unsubs
		s.unsubs = nil
		cancel := s.cancel
		s.mu.Unlock()

		for _, unsub := range unsubs {
			unsub()
		}
		if cancel != nil {
			cancel()
			<-s.done
		}
	})
}

// safe shields the environment from handler panics.
func (s *Session) safe(typ EventType, h Handler) Handler {
	return func(ev *Event) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error(fmt.Sprintf("guard: %s handler panicked: %v", typ, r))
			}
		}()
		h(ev)
	}
}

func (s *Session) signal(kind proctor.SignalKind, desc string) {
	if s.emit != nil {
		s.emit(proctor.NewSignal(kind, 1, desc, nowFunc()))
	}
}

func (s *Session) onFullscreen(ev *Event) {
	s.mu.Lock()
	exited := s.active && s.fullscreen && !ev.Fullscreen
	s.fullscreen = ev.Fullscreen
	s.mu.Unlock()

	if exited {
		s.signal(proctor.FullscreenExit, "")
	}
}

func (s *Session) onVisibility(ev *Event) {
	s.mu.Lock()
	left := s.active && !s.hidden && ev.Hidden
	s.hidden = ev.Hidden
	s.mu.Unlock()

	if left {
		s.signal(proctor.TabSwitch, "")
	}
}

func (s *Session) onClipboard(ev *Event) {
	ev.PreventDefault()
	if s.allowRepeat("clipboard:" + ev.Action) {
		s.signal(proctor.CopyPaste, fmt.Sprintf("Blocked %s attempt", ev.Action))
	}
}

func (s *Session) onKeyDown(ev *Event) {
	if !Forbidden(ev.Key) {
		return
	}
	ev.PreventDefault()
	combo := ev.Key.String()
	if s.allowRepeat("key:" + combo) {
		s.signal(proctor.ForbiddenShortcut, "Forbidden shortcut "+combo)
	}
}

// allowRepeat rate-limits per-event signals so key auto-repeat yields one violation.
func (s *Session) allowRepeat(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	now := nowFunc()
	if last, ok := s.lastRepeated[key]; ok && now.Sub(last) < s.opts.RepeatInterval {
		return false
	}
	s.lastRepeated[key] = now
	return true
}

func (s *Session) pollCamera(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkCamera()
		}
	}
}

// checkCamera emits CameraOff once per outage of the requested track.
func (s *Session) checkCamera() {
	track := s.opts.Camera()
	off := track == nil || !track.Enabled() || track.Ended()

	s.mu.Lock()
	wentOff := s.active && off && s.cameraOK
	s.cameraOK = !off
	s.mu.Unlock()

	if wentOff {
		desc := "Camera turned off"
		if track == nil {
			desc = "Camera unavailable"
		} else if track.Ended() {
			desc = "Camera stream ended"
		}
		s.signal(proctor.CameraOff, desc)
	}
}
