package main

import (
	"bytes"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trezcool/proctor/core/proctor"
	"github.com/trezcool/proctor/core/relay"
	logsvc "github.com/trezcool/proctor/services/logger"
)

type stopper struct{ stops int32 }

func (s *stopper) Stop() { atomic.AddInt32(&s.stops, 1) }

func Test_watchRelay(t *testing.T) {
	var out bytes.Buffer
	env := newStreamEnv(&out, logsvc.NewNopLogger())
	session := &stopper{}

	events := make(chan relay.Event, 3)
	events <- relay.Event{Event: relay.RoomJoined, Room: relay.UserRoom("cand1")}
	events <- relay.Event{Event: proctor.EventForceSubmitted, Room: relay.UserRoom("cand1"), Data: map[string]interface{}{"violationCount": float64(3)}}
	events <- relay.Event{Event: proctor.EventForceSubmitted}
	close(events)

	watchRelay(events, env, session)
	assert.Equal(t, int32(1), atomic.LoadInt32(&session.stops))
	assert.Equal(t, `{"command":"force_submit","violations":3}`+"\n", out.String())
	assert.Len(t, events, 1)
}

func Test_violationCount(t *testing.T) {
	tests := []struct {
		name string
		data interface{}
		want uint
	}{
		{name: "count", data: map[string]interface{}{"violationCount": float64(5)}, want: 5},
		{name: "missing", data: map[string]interface{}{}, want: 0},
		{name: "wrong type", data: map[string]interface{}{"violationCount": "5"}, want: 0},
		{name: "not an object", data: []interface{}{1}, want: 0},
		{name: "nil", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, violationCount(tt.data))
		})
	}
}
