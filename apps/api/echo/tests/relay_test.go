package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/trezcool/proctor/apps/api/echo"
	"github.com/trezcool/proctor/core/relay"
	"github.com/trezcool/proctor/services/logger"
	"github.com/trezcool/proctor/services/relayclient"
	"github.com/trezcool/proctor/tests"
)

func newBroadcastRequest(secret string, data []byte) (*http.Request, *httptest.ResponseRecorder) {
	req, rec := newRequest(http.MethodPost, "/broadcast", data)
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	return req, rec
}

func TestBroadcast(t *testing.T) {
	a := setup(t)
	watcher := a.monitor(t)
	secret := a.conf.Relay.Secret

	tests := []struct {
		name     string
		secret   string
		body     []byte
		wantCode int
		wantData []byte
	}{
		{
			name:     "no secret",
			body:     []byte(`{"event": "exam-ended", "room": "exam.exam1"}`),
			wantCode: http.StatusUnauthorized,
			wantData: marchallObj(t, httpErr{Error: "Unauthorized"}),
		},
		{
			name:     "wrong secret",
			secret:   "guess",
			body:     []byte(`{"event": "exam-ended", "room": "exam.exam1"}`),
			wantCode: http.StatusUnauthorized,
			wantData: marchallObj(t, httpErr{Error: "Unauthorized"}),
		},
		{
			name:     "wrong secret, invalid body",
			secret:   "guess",
			body:     []byte(`{`),
			wantCode: http.StatusUnauthorized,
			wantData: marchallObj(t, httpErr{Error: "Unauthorized"}),
		},
		{
			name:     "invalid json",
			secret:   secret,
			body:     []byte(`{`),
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, httpErr{Error: "Invalid JSON"}),
		},
		{
			name:     "missing event",
			secret:   secret,
			body:     []byte(`{"room": "exam.exam1"}`),
			wantCode: http.StatusBadRequest,
			wantData: []byte(`{"event": "this field is required"}`),
		},
		{
			name:     "unknown room family",
			secret:   secret,
			body:     []byte(`{"event": "exam-ended", "room": "lobby"}`),
			wantCode: http.StatusBadRequest,
			wantData: []byte(`{"room": "must be an exam., attendance. or user. room"}`),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newBroadcastRequest(tt.secret, tt.body)
			a.ServeHTTP(rec, req)
			checkCodeAndData(t, httpTest{wantCode: tt.wantCode, wantData: tt.wantData}, rec)
		})
	}
	assertNoEvent(t, watcher)

	t.Run("room", func(t *testing.T) {
		req, rec := newBroadcastRequest(secret, []byte(`{"event": "exam-ended", "room": "exam.exam1", "data": {"reason": "time"}}`))
		a.ServeHTTP(rec, req)
		checkCodeAndData(t, httpTest{wantCode: http.StatusOK, wantData: []byte(`{"success": true}`)}, rec)

		ev := nextEvent(t, watcher)
		assert.Equal(t, "exam-ended", ev.Event)
		assert.Equal(t, "exam.exam1", ev.Room)
		raw, err := json.Marshal(ev.Data)
		require.NoError(t, err)
		assert.JSONEq(t, `{"reason": "time"}`, string(raw))
	})

	t.Run("everyone", func(t *testing.T) {
		other := a.hub.Connect(relay.Identity{UserID: "cand1"})
		defer a.hub.Disconnect(other)

		req, rec := newBroadcastRequest(secret, []byte(`{"event": "maintenance"}`))
		a.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)

		assert.Equal(t, "maintenance", nextEvent(t, watcher).Event)
		assert.Equal(t, "maintenance", nextEvent(t, other).Event)
	})
}

func TestHealth(t *testing.T) {
	a := setup(t)
	a.monitor(t)

	req, rec := newRequest(http.MethodGet, "/health")
	a.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{
		wantCode: http.StatusOK,
		wantData: []byte(`{"status": "ok", "connections": 1}`),
	}, rec)
}

func TestRelayDisabled(t *testing.T) {
	a := setup(t)
	remote := NewServer(a.conf, logsvc.NewNopLogger(), nil, nil, &Deps{})

	req, rec := newBroadcastRequest(a.conf.Relay.Secret, []byte(`{"event": "maintenance"}`))
	remote.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	req, rec = newRequest(http.MethodGet, "/health")
	remote.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebSocket(t *testing.T) {
	a := setup(t)
	srv := httptest.NewServer(a)
	defer srv.Close()
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ctx := context.Background()

	t.Run("invalid token", func(t *testing.T) {
		_, err := relayclient.Dial(ctx, endpoint, "not-a-jwt", logsvc.NewNopLogger())
		assert.Error(t, err)
	})

	t.Run("foreign signature", func(t *testing.T) {
		token := testutil.Token(t, "another-secret", "teacher1", RoleTeacher)
		_, err := relayclient.Dial(ctx, endpoint, token, logsvc.NewNopLogger())
		assert.Error(t, err)
	})

	t.Run("candidate cannot watch exams", func(t *testing.T) {
		c, err := relayclient.Dial(ctx, endpoint, getToken(t, a.conf, "cand1", RoleStudent), logsvc.NewNopLogger())
		require.NoError(t, err)
		defer c.Close()

		require.NoError(t, c.JoinExam(ctx, examID))
		select {
		case ev := <-c.Events():
			assert.Equal(t, relay.ErrorEvent, ev.Event)
		case <-time.After(2 * time.Second):
			t.Fatal("no reply received")
		}
		assert.Equal(t, 0, a.hub.Members(relay.ExamRoom(examID)))
	})

	t.Run("invigilator", func(t *testing.T) {
		c, err := relayclient.Dial(ctx, endpoint, getToken(t, a.conf, "teacher1", RoleTeacher), logsvc.NewNopLogger())
		require.NoError(t, err)

		require.NoError(t, c.JoinExam(ctx, examID))
		select {
		case ev := <-c.Events():
			require.Equal(t, relay.RoomJoined, ev.Event)
		case <-time.After(2 * time.Second):
			t.Fatal("no reply received")
		}

		student := getToken(t, a.conf, "cand1", RoleStudent)
		req, rec := newAuthRequest(http.MethodPost, violationsPath, student, []byte(`{"type": "tab_switch"}`))
		a.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		select {
		case ev := <-c.Events():
			assert.Equal(t, "violation-recorded", ev.Event)
			assert.Equal(t, relay.ExamRoom(examID), ev.Room)
		case <-time.After(2 * time.Second):
			t.Fatal("no event received")
		}

		require.NoError(t, c.Close())
		assert.Eventually(t, func() bool {
			return a.hub.Members(relay.ExamRoom(examID)) == 0
		}, 2*time.Second, 10*time.Millisecond)
	})
}
