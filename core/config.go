package core

import (
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Env              string
		Build            string
		Debug            bool
		TestMode         bool
		AppName          string
		SecretKey        string
		RollbarToken     string
		SendgridApiKey   string
		defaultFromEmail string

		Server   ServerConfig
		Database DatabaseConfig
		Relay    RelayConfig
		Proctor  ProctorConfig
		Audit    AuditConfig
		Vision   VisionConfig
		Agent    AgentConfig
	}

	ServerConfig struct {
		Address            string
		Host               string
		DebugHost          string
		ShutdownTimeout    time.Duration
		DisableReqLogs     bool
		JWTExpirationDelta time.Duration
	}

	DatabaseConfig struct {
		Engine        string // postgres | sqlite
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
		Path          string // sqlite only
	}

	RelayConfig struct {
		Secret       string
		URL          string // empty: in-process hub
		QueueSize    int
		WriteTimeout time.Duration
	}

	ProctorConfig struct {
		PoliciesFile          string
		SnapshotDir           string
		PersistMaxRetries     uint64
		PersistInitialBackoff time.Duration
	}

	AuditConfig struct {
		Brokers []string
		Topic   string
	}

	VisionConfig struct {
		WorkerCmd     string
		ModelsPath    string
		ScanInterval  time.Duration
		MinConfidence float64
		Mirrored      bool
	}

	// AgentConfig is the candidate device side of one exam attempt.
	AgentConfig struct {
		APIURL      string
		RelayURL    string // empty: no room membership
		ExamID      string
		Token       string
		CameraDir   string // where the capture helper drops webcam frames
		FrameMaxAge time.Duration
	}
)

func (c *Config) DefaultFromEmail() mail.Address {
	addr, err := mail.ParseAddress(c.defaultFromEmail)
	if err != nil {
		return mail.Address{Name: c.AppName, Address: "noreply@localhost"}
	}
	return *addr
}

func (db DatabaseConfig) Address() string {
	return net.JoinHostPort(db.Host, db.Port)
}

// NewConfig loads the app configuration: defaults < config/.env.<env> < environment.
func NewConfig() *Config {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("build", "develop")
	v.SetDefault("appName", "Masomo Proctor")
	v.SetDefault("secretKey", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("rollbarToken", "")
	v.SetDefault("sendgridApiKey", "")
	v.SetDefault("defaultFromEmail", "Masomo Proctor <noreply@localhost>")

	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.debugHost", ":4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.disableReqLogs", false)
	v.SetDefault("server.jwtExpirationDelta", 7*24*time.Hour)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.name", "proctor")
	v.SetDefault("database.user", "proctor")
	v.SetDefault("database.password", "")
	v.SetDefault("database.adminUser", "")
	v.SetDefault("database.adminPassword", "")
	v.SetDefault("database.disableTLS", true)
	v.SetDefault("database.path", "proctor.db")

	v.SetDefault("relay.secret", "")
	v.SetDefault("relay.url", "")
	v.SetDefault("relay.queueSize", 64)
	v.SetDefault("relay.writeTimeout", 5*time.Second)

	v.SetDefault("proctor.policiesFile", "")
	v.SetDefault("proctor.snapshotDir", filepath.Join(os.TempDir(), "proctor-snapshots"))
	v.SetDefault("proctor.persistMaxRetries", uint64(5))
	v.SetDefault("proctor.persistInitialBackoff", 200*time.Millisecond)

	v.SetDefault("audit.brokers", []string{})
	v.SetDefault("audit.topic", "proctor.audit")

	v.SetDefault("vision.workerCmd", "")
	v.SetDefault("vision.modelsPath", "assets/models")
	v.SetDefault("vision.scanInterval", 2*time.Second)
	v.SetDefault("vision.minConfidence", 0.5)
	v.SetDefault("vision.mirrored", false)

	v.SetDefault("agent.apiUrl", "http://localhost:8000")
	v.SetDefault("agent.relayUrl", "")
	v.SetDefault("agent.examId", "")
	v.SetDefault("agent.token", "")
	v.SetDefault("agent.cameraDir", "")
	v.SetDefault("agent.frameMaxAge", 10*time.Second)

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
		v.SetDefault("database.engine", "sqlite")
		v.SetDefault("database.path", ":memory:")
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join("config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	return &Config{
		Env:              env,
		Build:            v.GetString("build"),
		Debug:            v.GetBool("debug"),
		TestMode:         v.GetBool("testMode"),
		AppName:          v.GetString("appName"),
		SecretKey:        v.GetString("secretKey"),
		RollbarToken:     v.GetString("rollbarToken"),
		SendgridApiKey:   v.GetString("sendgridApiKey"),
		defaultFromEmail: v.GetString("defaultFromEmail"),
		Server: ServerConfig{
			Address:            v.GetString("server.address"),
			Host:               v.GetString("server.host"),
			DebugHost:          v.GetString("server.debugHost"),
			ShutdownTimeout:    v.GetDuration("server.shutdownTimeout"),
			DisableReqLogs:     v.GetBool("server.disableReqLogs"),
			JWTExpirationDelta: v.GetDuration("server.jwtExpirationDelta"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Host:          v.GetString("database.host"),
			Port:          v.GetString("database.port"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTLS"),
			Path:          v.GetString("database.path"),
		},
		Relay: RelayConfig{
			Secret:       v.GetString("relay.secret"),
			URL:          v.GetString("relay.url"),
			QueueSize:    v.GetInt("relay.queueSize"),
			WriteTimeout: v.GetDuration("relay.writeTimeout"),
		},
		Proctor: ProctorConfig{
			PoliciesFile:          v.GetString("proctor.policiesFile"),
			SnapshotDir:           v.GetString("proctor.snapshotDir"),
			PersistMaxRetries:     v.GetUint64("proctor.persistMaxRetries"),
			PersistInitialBackoff: v.GetDuration("proctor.persistInitialBackoff"),
		},
		Audit: AuditConfig{
			Brokers: splitList(v.GetStringSlice("audit.brokers")),
			Topic:   v.GetString("audit.topic"),
		},
		Vision: VisionConfig{
			WorkerCmd:     v.GetString("vision.workerCmd"),
			ModelsPath:    v.GetString("vision.modelsPath"),
			ScanInterval:  v.GetDuration("vision.scanInterval"),
			MinConfidence: v.GetFloat64("vision.minConfidence"),
			Mirrored:      v.GetBool("vision.mirrored"),
		},
		Agent: AgentConfig{
			APIURL:      v.GetString("agent.apiUrl"),
			RelayURL:    v.GetString("agent.relayUrl"),
			ExamID:      v.GetString("agent.examId"),
			Token:       v.GetString("agent.token"),
			CameraDir:   v.GetString("agent.cameraDir"),
			FrameMaxAge: v.GetDuration("agent.frameMaxAge"),
		},
	}
}

// splitList flattens comma separated env values ("a:9092,b:9092") into a clean list.
func splitList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = CleanString(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
