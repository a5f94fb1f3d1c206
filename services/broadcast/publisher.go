// Package broadcastsvc publishes proctoring events to a separately deployed relay.
package broadcastsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/proctor"
	"github.com/trezcool/proctor/core/relay"
)

const (
	queueSize  = 256
	maxRetries = 3
	path       = "/broadcast"
)

var (
	ErrQueueFull = errors.New("broadcast queue is full")
	ErrClosed    = errors.New("broadcast publisher is closed")
)

// HTTPPublisher posts events to the relay's broadcast endpoint, one at a time, in publish order.
type HTTPPublisher struct {
	url     string
	secret  string
	client  *http.Client
	logger  core.Logger
	initial time.Duration

	queue  chan relay.Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ proctor.Publisher = (*HTTPPublisher)(nil)

func NewHTTPPublisher(conf core.RelayConfig, logger core.Logger) *HTTPPublisher {
	timeout := conf.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return newHTTPPublisher(conf.URL, conf.Secret, &http.Client{Timeout: timeout}, 200*time.Millisecond, logger)
}

func newHTTPPublisher(url, secret string, client *http.Client, initial time.Duration, logger core.Logger) *HTTPPublisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &HTTPPublisher{
		url:     strings.TrimSuffix(url, "/") + path,
		secret:  secret,
		client:  client,
		logger:  logger,
		initial: initial,
		queue:   make(chan relay.Event, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Publish queues the event and returns; delivery happens in the background.
func (p *HTTPPublisher) Publish(_ context.Context, room, event string, data interface{}) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- relay.Event{Event: event, Room: room, Data: data}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *HTTPPublisher) run() {
	defer p.wg.Done()
	for ev := range p.queue {
		if err := p.deliver(ev); err != nil {
			p.logger.Error(fmt.Sprintf("broadcasting %s to %q: %v", ev.Event, ev.Room, err), err)
		}
	}
}

func (p *HTTPPublisher) deliver(ev relay.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encoding event")
	}

	op := func() error {
		req, err := http.NewRequestWithContext(p.ctx, http.MethodPost, p.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.secret)

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return errors.Errorf("relay responded %d", resp.StatusCode)
		default:
			return backoff.Permanent(errors.Errorf("relay rejected event: %d", resp.StatusCode))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), p.ctx))
}

// Close stops accepting events and delivers what is queued until ctx is done.
func (p *HTTPPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
