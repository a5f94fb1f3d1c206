package dig_container

import (
	"context"
	"fmt"
	"log"
	"os"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	echoapi "github.com/trezcool/proctor/apps/api/echo"
	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/proctor"
	"github.com/trezcool/proctor/core/relay"
	auditsvc "github.com/trezcool/proctor/services/audit"
	broadcastsvc "github.com/trezcool/proctor/services/broadcast"
	emailsvc "github.com/trezcool/proctor/services/email"
	logsvc "github.com/trezcool/proctor/services/logger"
	"github.com/trezcool/proctor/storage/database"
	inmemdb "github.com/trezcool/proctor/storage/database/inmem"
	sqlxrepos "github.com/trezcool/proctor/storage/database/sqlx"
	filestore "github.com/trezcool/proctor/storage/files"
	"github.com/trezcool/proctor/storage/policyfile"
)

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

// Closer is a background sender to flush on shutdown.
type Closer interface {
	Close(ctx context.Context) error
}

type closerFunc func(ctx context.Context) error

func (f closerFunc) Close(ctx context.Context) error { return f(ctx) }

var nopCloser = closerFunc(func(context.Context) error { return nil })

type ClosersParam struct {
	dig.In
	Closers []Closer `group:"closers"`
}

type publisherOut struct {
	dig.Out
	Publisher proctor.Publisher
	Closer    Closer `group:"closers"`
}

type auditOut struct {
	dig.Out
	Sink   proctor.AuditSink
	Closer Closer `group:"closers"`
}

func newLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "API : ", log.LstdFlags)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newDBLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

// newDB returns nil when ledgers are kept in memory.
func newDB(conf *core.Config, loggerParam DBLoggerParam) *sqlx.DB {
	if conf.Database.Engine == database.Memory {
		return nil
	}
	setUp := func() (*sqlx.DB, error) {
		if err := database.CreateIfNotExist(conf); err != nil {
			return nil, err
		}

		db, err := database.Open(conf)
		if err != nil {
			return nil, err
		}

		if err = database.Migrate(context.Background(), db, "up"); err != nil {
			return nil, err
		}
		return db, nil
	}

	db, err := setUp()
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	return db
}

func newLedgerRepository(db *sqlx.DB) proctor.Repository {
	if db == nil {
		return inmemdb.NewLedgerRepository()
	}
	return sqlxrepos.NewLedgerRepository(db)
}

func newPolicies(conf *core.Config, logger core.Logger) proctor.PolicyProvider {
	policies, err := policyfile.Load(conf.Proctor.PoliciesFile)
	if err != nil {
		logger.Fatal(fmt.Sprintf("loading exam policies: %v", err), err)
	}
	return policies
}

// newHub serves the relay in-process unless a remote relay is configured.
func newHub(conf *core.Config, logger core.Logger) *relay.Hub {
	if conf.Relay.URL != "" {
		return nil
	}
	return relay.NewHub(conf.Relay.QueueSize, logger)
}

func newPublisher(conf *core.Config, hub *relay.Hub, logger core.Logger) publisherOut {
	if hub != nil {
		return publisherOut{Publisher: hub, Closer: nopCloser}
	}
	logger.Info("publishing relay events to " + conf.Relay.URL)
	pub := broadcastsvc.NewHTTPPublisher(conf.Relay, logger)
	return publisherOut{Publisher: pub, Closer: pub}
}

func newAuditSink(conf *core.Config, logger core.Logger) auditOut {
	if len(conf.Audit.Brokers) == 0 {
		return auditOut{Sink: auditsvc.NewLogSink(logger), Closer: nopCloser}
	}
	sink, err := auditsvc.NewKafkaSink(conf.Audit, logger)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up audit sink: %v", err), err)
	}
	return auditOut{Sink: sink, Closer: sink}
}

func newEmailService(conf *core.Config, logger core.Logger) core.EmailService {
	if conf.Debug {
		return emailsvc.NewConsoleService(conf, logger)
	}
	return emailsvc.NewSendgridService(conf, logger)
}

func newSnapshotStore(conf *core.Config, logger core.Logger) *filestore.SnapshotStore {
	store, err := filestore.NewSnapshotStore(conf.Proctor.SnapshotDir)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up snapshot storage: %v", err), err)
	}
	return store
}

func newValidator(translator ut.Translator) *validator.Validate {
	validate := validator.New()
	core.InitValidators(validate, translator)
	proctor.RegisterValidators(validate, translator)
	relay.RegisterValidators(validate, translator)
	return validate
}

type serviceParams struct {
	dig.In
	Conf      *core.Config
	Logger    core.Logger
	Repo      proctor.Repository
	Policies  proctor.PolicyProvider
	Publisher proctor.Publisher
	Audit     proctor.AuditSink
	Snapshots *filestore.SnapshotStore
	Mail      core.EmailService
}

func newProctorService(p serviceParams) *proctor.Service {
	return proctor.NewService(proctor.ServiceDeps{
		Repo:      p.Repo,
		Policies:  p.Policies,
		Publisher: p.Publisher,
		Audit:     p.Audit,
		Snapshots: p.Snapshots,
		Mail:      p.Mail,
		Logger:    p.Logger,
		Options: proctor.ServiceOptions{
			PersistMaxRetries:     p.Conf.Proctor.PersistMaxRetries,
			PersistInitialBackoff: p.Conf.Proctor.PersistInitialBackoff,
		},
	})
}

func newServerDeps(svc *proctor.Service, hub *relay.Hub, snapshots *filestore.SnapshotStore) *echoapi.Deps {
	return &echoapi.Deps{ProctorSvc: svc, Hub: hub, Snapshots: snapshots}
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newDB))
	must(c.Provide(newLedgerRepository))
	must(c.Provide(newPolicies))
	must(c.Provide(newHub))
	must(c.Provide(newPublisher))
	must(c.Provide(newAuditSink))
	must(c.Provide(newEmailService))
	must(c.Provide(newSnapshotStore))
	must(c.Provide(core.NewTranslator))
	must(c.Provide(newValidator))
	must(c.Provide(newProctorService))
	must(c.Provide(newServerDeps))
	must(c.Provide(echoapi.NewServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
