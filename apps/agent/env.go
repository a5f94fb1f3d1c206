package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/guard"
)

// wireEvent is one line of the exam shell's event stream.
type wireEvent struct {
	ID         uint64 `json:"id"`
	Type       string `json:"type"`
	Fullscreen bool   `json:"fullscreen"`
	Hidden     bool   `json:"hidden"`
	Action     string `json:"action"`
	Key        string `json:"key"`
	Ctrl       bool   `json:"ctrl"`
	Alt        bool   `json:"alt"`
	Shift      bool   `json:"shift"`
	Meta       bool   `json:"meta"`
}

// command is one line written back to the exam shell.
type command struct {
	Command    string `json:"command"`
	ID         uint64 `json:"id,omitempty"`
	Violations uint   `json:"violations,omitempty"`
}

const (
	cmdFullscreen     = "request_fullscreen"
	cmdPreventDefault = "prevent_default"
	cmdForceSubmit    = "force_submit"
)

var eventTypes = map[string]guard.EventType{
	guard.FullscreenChange.String(): guard.FullscreenChange,
	guard.VisibilityChange.String(): guard.VisibilityChange,
	guard.Clipboard.String():        guard.Clipboard,
	guard.KeyDown.String():          guard.KeyDown,
}

type subscription struct {
	h guard.Handler
}

// streamEnv is a guard.Environment fed by newline-delimited JSON events from the exam shell.
// Events whose default action a guard prevents are answered with a prevent_default command.
type streamEnv struct {
	logger core.Logger

	mu       sync.Mutex
	handlers map[guard.EventType][]*subscription

	outMu  sync.Mutex
	out    *json.Encoder
	forced sync.Once
}

var _ guard.Environment = (*streamEnv)(nil)

func newStreamEnv(out io.Writer, logger core.Logger) *streamEnv {
	return &streamEnv{
		logger:   logger,
		handlers: make(map[guard.EventType][]*subscription),
		out:      json.NewEncoder(out),
	}
}

func (e *streamEnv) Subscribe(t guard.EventType, h guard.Handler) (func(), error) {
	if _, ok := eventTypes[t.String()]; !ok {
		return nil, errors.Errorf("unsupported event type %s", t)
	}
	sub := &subscription{h: h}
	e.mu.Lock()
	e.handlers[t] = append(e.handlers[t], sub)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := e.handlers[t]
		for i, s := range subs {
			if s == sub {
				e.handlers[t] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}, nil
}

func (e *streamEnv) RequestFullscreen() error {
	return e.send(command{Command: cmdFullscreen})
}

// ForceSubmit tells the shell to submit the attempt and show the blocking message. Only the first call is sent.
func (e *streamEnv) ForceSubmit(count uint) {
	e.forced.Do(func() {
		if err := e.send(command{Command: cmdForceSubmit, Violations: count}); err != nil {
			e.logger.Error(fmt.Sprintf("agent: sending force submit: %v", err), err)
		}
	})
}

// Run dispatches events read from r until it is exhausted or ctx is done.
func (e *streamEnv) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var we wireEvent
		if err := json.Unmarshal(line, &we); err != nil {
			e.logger.Warn(fmt.Sprintf("agent: skipping malformed event %q: %v", line, err))
			continue
		}
		if err := e.dispatch(we); err != nil {
			e.logger.Warn(fmt.Sprintf("agent: %v", err), err)
		}
	}
	return errors.Wrap(scanner.Err(), "reading events")
}

func (e *streamEnv) dispatch(we wireEvent) error {
	typ, ok := eventTypes[we.Type]
	if !ok {
		return errors.Errorf("unknown event type %q", we.Type)
	}
	ev := &guard.Event{
		Type:       typ,
		Fullscreen: we.Fullscreen,
		Hidden:     we.Hidden,
		Action:     we.Action,
		Key:        guard.KeyCombo{Key: we.Key, Ctrl: we.Ctrl, Alt: we.Alt, Shift: we.Shift, Meta: we.Meta},
	}

	e.mu.Lock()
	subs := append([]*subscription(nil), e.handlers[typ]...)
	e.mu.Unlock()
	for _, sub := range subs {
		sub.h(ev)
	}

	if ev.DefaultPrevented() {
		return e.send(command{Command: cmdPreventDefault, ID: we.ID})
	}
	return nil
}

func (e *streamEnv) send(cmd command) error {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	return errors.Wrapf(e.out.Encode(cmd), "writing %s", cmd.Command)
}
