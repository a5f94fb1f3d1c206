package broadcastsvc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/proctor/core/relay"
	logsvc "github.com/trezcool/proctor/services/logger"
)

type relayServer struct {
	mu       sync.Mutex
	events   []relay.Event
	auth     []string
	statuses []int // served in order, then 200
}

func (s *relayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	if len(s.statuses) > 0 {
		status := s.statuses[0]
		s.statuses = s.statuses[1:]
		w.WriteHeader(status)
		return
	}
	var ev relay.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.events = append(s.events, ev)
	_, _ = w.Write([]byte(`{"success":true}`))
}

func (s *relayServer) received() []relay.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]relay.Event(nil), s.events...)
}

func newTestPublisher(t *testing.T, srv *relayServer) (*HTTPPublisher, *logsvc.NopLogger) {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	logger := logsvc.NewNopLogger()
	return newHTTPPublisher(ts.URL+"/", "s3cret", ts.Client(), time.Millisecond, logger), logger
}

func closePublisher(t *testing.T, p *HTTPPublisher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
}

func TestHTTPPublisher_Order(t *testing.T) {
	srv := &relayServer{statuses: []int{http.StatusServiceUnavailable}}
	p, _ := newTestPublisher(t, srv)

	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, relay.ExamRoom("7"), "violation-recorded", map[string]int{"total": 1}))
	require.NoError(t, p.Publish(ctx, relay.ExamRoom("7"), "violation-recorded", map[string]int{"total": 2}))
	require.NoError(t, p.Publish(ctx, "", "announcement", "hi"))
	closePublisher(t, p)

	events := srv.received()
	require.Len(t, events, 3)
	assert.Equal(t, "exam.7", events[0].Room)
	assert.Equal(t, map[string]interface{}{"total": float64(1)}, events[0].Data)
	assert.Equal(t, map[string]interface{}{"total": float64(2)}, events[1].Data)
	assert.Equal(t, "", events[2].Room)
	for _, auth := range srv.auth {
		assert.Equal(t, "Bearer s3cret", auth)
	}
}

func TestHTTPPublisher_Rejected(t *testing.T) {
	srv := &relayServer{statuses: []int{http.StatusUnauthorized}}
	p, logger := newTestPublisher(t, srv)

	require.NoError(t, p.Publish(context.Background(), "exam.1", "ping", nil))
	closePublisher(t, p)

	assert.Empty(t, srv.received())
	assert.Len(t, srv.auth, 1, "4xx responses are not retried")
	assert.Len(t, logger.Entries(), 1)
}

func TestHTTPPublisher_Closed(t *testing.T) {
	p, _ := newTestPublisher(t, &relayServer{})
	closePublisher(t, p)
	assert.ErrorIs(t, p.Publish(context.Background(), "exam.1", "ping", nil), ErrClosed)
	closePublisher(t, p)
}
