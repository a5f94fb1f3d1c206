package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/candidate"
	"github.com/trezcool/proctor/core/proctor"
	"github.com/trezcool/proctor/core/vision"
	logsvc "github.com/trezcool/proctor/services/logger"
	"github.com/trezcool/proctor/services/proctorclient"
	"github.com/trezcool/proctor/services/relayclient"
	visionsvc "github.com/trezcool/proctor/services/vision"
	"github.com/trezcool/proctor/storage/policyfile"
)

const relayDialTimeout = 10 * time.Second

var errMissingAttempt = errors.New("agent.examId and agent.token are required")

type detector interface {
	vision.Detector
	io.Closer
}

// mockable
var (
	startWorkerFunc = func(ctx context.Context, conf core.VisionConfig, logger core.Logger) (detector, error) {
		w, err := visionsvc.StartWorker(ctx, conf, logger)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	dialRelayFunc = func(ctx context.Context, endpoint, token string, logger core.Logger) (*relayclient.Client, error) {
		return relayclient.Dial(ctx, endpoint, token, logger)
	}
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

var nopCloser = closerFunc(func() error { return nil })

type closersParam struct {
	dig.In
	Closers []io.Closer `group:"closers"`
}

type detectorOut struct {
	dig.Out
	// Detector is nil when the models could not be loaded.
	Detector vision.Detector
	Closer   io.Closer `group:"closers"`
}

// logs go to stderr: stdout carries the commands for the exam shell
func newLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stderr, "AGENT : ", log.LstdFlags)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newVisionConfig(conf *core.Config) vision.Config {
	return vision.Config{
		Interval: conf.Vision.ScanInterval,
		MinScore: conf.Vision.MinConfidence,
		Mirrored: conf.Vision.Mirrored,
	}
}

// newDetector loads the models once. A failure disables vision analysis, never the guards.
func newDetector(conf *core.Config, logger core.Logger) detectorOut {
	w, err := startWorkerFunc(context.Background(), conf.Vision, logger)
	if err != nil {
		logger.Warn(fmt.Sprintf("vision analysis disabled: %v", err), err)
		return detectorOut{Closer: nopCloser}
	}
	return detectorOut{Detector: w, Closer: w}
}

func newPolicy(conf *core.Config) (proctor.SessionPolicy, error) {
	policies, err := policyfile.Load(conf.Proctor.PoliciesFile)
	if err != nil {
		return proctor.SessionPolicy{}, errors.Wrap(err, "loading exam policies")
	}
	return policies.Policy(context.Background(), conf.Agent.ExamID)
}

func newProctorClient(conf *core.Config) (*proctorclient.Client, error) {
	if conf.Agent.ExamID == "" || conf.Agent.Token == "" {
		return nil, errMissingAttempt
	}
	return proctorclient.NewClient(conf.Agent.APIURL, conf.Agent.ExamID, conf.Agent.Token), nil
}

// newRelayClient joins the candidate's own room. It returns nil when no relay is configured or reachable.
func newRelayClient(conf *core.Config, logger core.Logger) *relayclient.Client {
	if conf.Agent.RelayURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayDialTimeout)
	defer cancel()

	userID, err := tokenSubject(conf.Agent.Token)
	if err != nil {
		logger.Warn(fmt.Sprintf("relay disabled: %v", err), err)
		return nil
	}
	client, err := dialRelayFunc(ctx, conf.Agent.RelayURL, conf.Agent.Token, logger)
	if err != nil {
		logger.Warn(fmt.Sprintf("relay disabled: %v", err), err)
		return nil
	}
	if err = client.JoinUser(ctx, userID); err != nil {
		logger.Warn(fmt.Sprintf("relay disabled: %v", err), err)
		_ = client.Close()
		return nil
	}
	return client
}

// tokenSubject reads the user id of token; the API checks its signature.
func tokenSubject(token string) (string, error) {
	claims := new(jwt.StandardClaims)
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return "", errors.Wrap(err, "parsing token")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func newEnvironment(logger core.Logger) *streamEnv {
	return newStreamEnv(os.Stdout, logger)
}

type sessionParams struct {
	dig.In
	Conf     *core.Config
	Logger   core.Logger
	Policy   proctor.SessionPolicy
	Env      *streamEnv
	Detector vision.Detector
	Vision   vision.Config
	Client   *proctorclient.Client
	Relay    *relayclient.Client
}

func newSession(p sessionParams) *candidate.Session {
	conf := candidate.Config{
		Policy:        p.Policy,
		Env:           p.Env,
		OpenCamera:    openDirCamera(p.Conf.Agent.CameraDir, p.Conf.Agent.FrameMaxAge),
		Detector:      p.Detector,
		Vision:        p.Vision,
		Recorder:      p.Client,
		Snapshots:     p.Client,
		OnForceSubmit: p.Env.ForceSubmit,
		Logger:        p.Logger,
	}
	if p.Relay != nil {
		conf.Relay = p.Relay
	}
	return candidate.NewSession(conf)
}

// newContainer returns the dependency injection container of the agent.
func newContainer(conf *core.Config) *dig.Container {
	c := dig.New()

	must(c.Provide(func() *core.Config { return conf }))
	must(c.Provide(newLogger))
	must(c.Provide(newVisionConfig))
	must(c.Provide(newDetector))
	must(c.Provide(newPolicy))
	must(c.Provide(newProctorClient))
	must(c.Provide(newRelayClient))
	must(c.Provide(newEnvironment))
	must(c.Provide(newSession))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "agent").Error())
	}
}
