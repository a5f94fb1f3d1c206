// Command agent runs proctoring on the candidate's device for one exam attempt.
// The exam shell streams browser events on stdin and reads commands on stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/candidate"
	"github.com/trezcool/proctor/core/proctor"
	"github.com/trezcool/proctor/core/relay"
	"github.com/trezcool/proctor/services/relayclient"
)

func main() {
	c := newContainer(core.NewConfig())
	must(c.Invoke(run))
}

func run(
	conf *core.Config,
	logger core.Logger,
	env *streamEnv,
	session *candidate.Session,
	relayClient *relayclient.Client,
	closers closersParam,
) {
	logger.Info(fmt.Sprintf("Agent starting : exam %q, version %q", conf.Agent.ExamID, conf.Build))
	defer logger.Info("Agent stopped")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session.Start(ctx)
	go func() {
		if err := env.Run(ctx, os.Stdin); err != nil {
			logger.Error(fmt.Sprintf("reading exam shell events: %v", err), err)
		}
	}()
	if relayClient != nil {
		go watchRelay(relayClient.Events(), env, session)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case <-session.Done():
		logger.Info("attempt ended")
	case sig := <-shutdown:
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))
		session.Stop()
	}

	for _, closer := range closers.Closers {
		if err := closer.Close(); err != nil {
			logger.Error(fmt.Sprintf("closing on shutdown: %v", err), err)
		}
	}
}

// watchRelay ends the attempt when the server force-submits it.
func watchRelay(events <-chan relay.Event, env *streamEnv, session interface{ Stop() }) {
	for ev := range events {
		if ev.Event != proctor.EventForceSubmitted {
			continue
		}
		env.ForceSubmit(violationCount(ev.Data))
		session.Stop()
		return
	}
}

// violationCount reads the count of a decoded force-submitted payload.
func violationCount(data interface{}) uint {
	payload, ok := data.(map[string]interface{})
	if !ok {
		return 0
	}
	if n, ok := payload["violationCount"].(float64); ok && n > 0 {
		return uint(n)
	}
	return 0
}
