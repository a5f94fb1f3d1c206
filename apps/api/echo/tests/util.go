package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"

	. "github.com/trezcool/proctor/apps/api/echo"
	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/proctor"
	"github.com/trezcool/proctor/core/relay"
	"github.com/trezcool/proctor/services/email"
	"github.com/trezcool/proctor/services/logger"
	"github.com/trezcool/proctor/storage/database/sqlx"
	"github.com/trezcool/proctor/storage/files"
	"github.com/trezcool/proctor/tests"
)

const (
	examID    = "exam1"
	headEmail = "head@school.cd"
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

type app struct {
	*Server
	conf    *core.Config
	hub     *relay.Hub
	mailSvc *emailsvc.ConsoleService
}

func setup(t *testing.T) *app {
	conf := testutil.NewConfig()
	logger := logsvc.NewNopLogger()

	// set up DB & stores
	db := testutil.PrepareDB(t)
	ledgerRepo := sqlxrepos.NewLedgerRepository(db)
	snapshots, err := filestore.NewSnapshotStore(t.TempDir())
	if err != nil {
		t.Fatalf("filestore.NewSnapshotStore() failed: %v", err)
	}

	// set up validation
	translator := core.NewTranslator()
	validate := validator.New()
	core.InitValidators(validate, translator)
	proctor.RegisterValidators(validate, translator)
	relay.RegisterValidators(validate, translator)

	// set up services
	hub := relay.NewHub(conf.Relay.QueueSize, logger)
	mailSvc := emailsvc.NewConsoleServiceMock(conf, logger)
	policies := proctor.NewStaticPolicies(proctor.DefaultPolicy(), map[string]proctor.SessionPolicy{
		examID: {MaxViolations: core.UintPtr(3), NotifyEmails: []string{headEmail}},
	})
	svc := proctor.NewService(proctor.ServiceDeps{
		Repo:      ledgerRepo,
		Policies:  policies,
		Publisher: hub,
		Snapshots: snapshots,
		Mail:      mailSvc,
		Logger:    logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Close(ctx)
	})

	// set up server
	server := NewServer(conf, logger, validate, translator, &Deps{
		ProctorSvc: svc,
		Hub:        hub,
		Snapshots:  snapshots,
	})
	return &app{Server: server, conf: conf, hub: hub, mailSvc: mailSvc}
}

// monitor registers a relay connection watching the exam room.
func (a *app) monitor(t *testing.T) *relay.Conn {
	c := a.hub.Connect(relay.Identity{UserID: "teacher1", Monitor: true})
	if _, err := a.hub.Join(c, relay.ExamRoom(examID)); err != nil {
		t.Fatalf("hub.Join() failed: %v", err)
	}
	t.Cleanup(func() { a.hub.Disconnect(c) })
	return c
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func getToken(t *testing.T, conf *core.Config, userID, role string) string {
	claims := NewClaims(conf, userID, userID, userID+"@school.cd", role)
	token, err := GenerateToken(conf.SecretKey, claims)
	if err != nil {
		t.Fatalf("getToken() failed: %v", err)
	}
	return token
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj() failed: %v", err)
	}
	return data
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

// nextEvent waits for the next relay event delivered to c.
func nextEvent(t *testing.T, c *relay.Conn) relay.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no relay event received")
	}
	return relay.Event{}
}

func assertNoEvent(t *testing.T, c *relay.Conn) {
	t.Helper()
	select {
	case ev := <-c.Events():
		assert.Failf(t, "unexpected relay event", "%+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
