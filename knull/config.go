package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"knull.dev/knull/internal/env"
	"knull.dev/knull/internal/events"
	"knull.dev/knull/internal/executor"
	"knull.dev/knull/internal/orchestrator"
	"knull.dev/knull/internal/pipeline"
	"knull.dev/knull/internal/sandbox"
	"knull.dev/knull/internal/scm"
	"knull.dev/knull/internal/secrets"
	"knull.dev/knull/internal/store"
)

// GlobalInstanceID uniquely identifies this instance for logging purposes.
var GlobalInstanceID = newInstanceID()

var (
	// EnvEnableTestRunAndExit will start the application, but exit immediately after.
	// EnvInstanceID overrides the generated instance id attached to every log record.
	EnvEnableTestRunAndExit = env.Bool{Key: "ENABLE_TEST_RUN_AND_EXIT"}
	EnvInstanceID           = env.String{Key: "KNULL_INSTANCE_ID"}

	// EnvHTTPListenAddr sets the address (ip:port) for the API server to bind to.
	// EnvHTTPMetricsListenAddr sets the address (ip:port) for the HTTP metrics server to bind to.
	// EnvEnableMetrics enables the /metrics endpoint and HTTP server. It is unauthenticated and should be used carefully.
	EnvHTTPListenAddr        = env.String{Key: "HTTP_LISTEN_ADDR", Default: "0.0.0.0:8080"}
	EnvHTTPMetricsListenAddr = env.String{Key: "HTTP_METRICS_LISTEN_ADDR", Default: "127.0.0.1:9090"}
	EnvEnableMetrics         = env.Bool{Key: "ENABLE_METRICS"}

	// EnvMySQLAddr defines the MySQL address to connect to, if unset SQLite is used.
	// EnvMySQLNet defines the network used to connect to MySQL (e.g. unix).
	// EnvMySQLUser defines the MySQL user to authenticate as.
	// EnvMySQLPasswd defines the password for the MySQL user to authenticate with.
	// EnvMySQLDB defines the name of the MySQL database to use.
	EnvMySQLAddr   = env.String{Key: "MYSQL_ADDR"}
	EnvMySQLNet    = env.String{Key: "MYSQL_NET", Default: "tcp"}
	EnvMySQLUser   = env.String{Key: "MYSQL_USER", Default: "root"}
	EnvMySQLPasswd = env.String{Key: "MYSQL_PASSWD"}
	EnvMySQLDB     = env.String{Key: "MYSQL_DB", Default: "knull"}

	// EnvPostgresDSN is a pgx connection string. It is used when MySQL is not configured.
	// EnvSQLiteDSN overrides the default in-memory sqlite database.
	EnvPostgresDSN = env.String{Key: "POSTGRES_DSN"}
	EnvSQLiteDSN   = env.String{Key: "SQLITE_DSN"}

	// EnvDBMaxIdleConns defines the maximum number of idle db connections to allow.
	// EnvDBMaxOpenConns defines the maximum number of open db connections to allow.
	// EnvDBMaxConnLifetime defines the maximum lifetime of a db connection in seconds.
	EnvDBMaxIdleConns    = env.Integer{Key: "DB_MAX_IDLE_CONNS", Default: 10}
	EnvDBMaxOpenConns    = env.Integer{Key: "DB_MAX_OPEN_CONNS", Default: 100}
	EnvDBMaxConnLifetime = env.Integer{Key: "DB_MAX_CONN_LIFETIME", Default: 3600}

	// EnvEncryptionKey is a passphrase the credential cipher key is derived from.
	// EnvSecretsManagerPath is a YAML file holding a generated cipher key, used when no passphrase is set.
	// EnvCredentialCacheSize bounds the number of decrypted credentials kept in memory.
	EnvEncryptionKey       = env.String{Key: "KNULL_ENCRYPTION_KEY"}
	EnvSecretsManagerPath  = env.String{Key: "SECRETS_FILE_PATH"}
	EnvCredentialCacheSize = env.Integer{Key: "KNULL_CREDENTIAL_CACHE_SIZE", Default: 128}

	// EnvWorkspaceBasePath is the directory build workspaces are created in.
	// EnvWorkspaceMaxAge is the age after which unowned workspaces are removed by the janitor.
	// EnvWorkspaceJanitorSchedule is the cron spec of the workspace janitor.
	EnvWorkspaceBasePath        = env.String{Key: "KNULL_WORKSPACE_BASE_PATH", Default: pipeline.DefaultWorkspaceBase}
	EnvWorkspaceMaxAge          = env.Duration{Key: "KNULL_WORKSPACE_MAX_AGE", Default: orchestrator.DefaultWorkspaceMaxAge}
	EnvWorkspaceJanitorSchedule = env.String{Key: "WORKSPACE_JANITOR_SCHEDULE", Default: orchestrator.DefaultJanitorSchedule}

	// EnvExecutorBackend selects where commands run: local, remote or docker.
	// EnvExecutorAddr is the address of the remote executor.
	// EnvExecutorUseTLS enables TLS on the remote executor channel.
	// EnvExecutorMaxMessageSize bounds messages exchanged with the remote executor.
	// EnvExecutorHealthSchedule is the cron spec of the executor health probe.
	EnvExecutorBackend        = env.String{Key: "KNULL_EXECUTOR_BACKEND", Default: BackendLocal}
	EnvExecutorAddr           = env.String{Key: "EXECUTOR_GRPC_ADDR", Default: "127.0.0.1:8081"}
	EnvExecutorUseTLS         = env.Bool{Key: "EXECUTOR_GRPC_USE_TLS"}
	EnvExecutorMaxMessageSize = env.Integer{Key: "EXECUTOR_GRPC_MAX_INBOUND_MESSAGE_SIZE", Default: executor.DefaultMaxMessageSize}
	EnvExecutorHealthSchedule = env.String{Key: "EXECUTOR_HEALTH_SCHEDULE", Default: orchestrator.DefaultHealthSchedule}

	// EnvCommandTimeout bounds a single command when a step does not set its own timeout.
	// EnvAllowedTools lists the executables build steps may invoke.
	// EnvDockerImage is the image commands run in with the docker backend.
	EnvCommandTimeout = env.Duration{Key: "KNULL_COMMAND_TIMEOUT", Default: sandbox.DefaultTimeout}
	EnvAllowedTools   = env.List{Key: "KNULL_ALLOWED_TOOLS", Default: sandbox.DefaultTools}
	EnvDockerImage    = env.String{Key: "KNULL_DOCKER_IMAGE", Default: "node:20-bookworm"}

	// EnvGitHubToken enables commit status reporting to GitHub.
	// EnvGitHubAPIURL overrides the GitHub API endpoint, e.g. for GitHub Enterprise.
	// EnvPublicURL is the externally reachable base URL linked from commit statuses.
	// EnvStatusContext labels the commit statuses reported for builds.
	EnvGitHubToken   = env.String{Key: "GITHUB_TOKEN"}
	EnvGitHubAPIURL  = env.String{Key: "GITHUB_API_URL", Default: scm.DefaultGitHubAPI}
	EnvPublicURL     = env.String{Key: "KNULL_PUBLIC_URL", Default: orchestrator.DefaultPublicURL}
	EnvStatusContext = env.String{Key: "KNULL_STATUS_CONTEXT", Default: orchestrator.DefaultStatusContext}

	// EnvBuildEventsTopic is the gocloud pubsub topic URL build lifecycle events are published to.
	EnvBuildEventsTopic = env.String{Key: "BUILD_EVENTS_TOPIC", Default: events.DefaultTopic}

	// EnvShutdownTimeout bounds how long running builds may take to finish on shutdown.
	EnvShutdownTimeout = env.Duration{Key: "KNULL_SHUTDOWN_TIMEOUT", Default: 30 * time.Second}
)

// Executor backends.
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
	BackendDocker = "docker"
)

const defaultSQLiteDSN = "file:knull?mode=memory&cache=shared&_fk=1"

// Config holds information that controls the behaviour of knull.
type Config struct {
	srv *http.Server

	dbDriver string
	dbDSN    string

	store    *store.Store
	executor sandbox.Executor
}

// Connect to the database using the configured driver and dsn, creating missing tables.
func (cfg *Config) Connect(ctx context.Context) (*store.Store, error) {
	if cfg != nil && cfg.store != nil {
		return cfg.store, nil
	}

	var (
		driver = store.DriverSQLite
		dsn    = defaultSQLiteDSN
	)
	if cfg != nil && cfg.dbDSN != "" {
		driver = cfg.dbDriver
		dsn = cfg.dbDSN
	}

	st, err := store.Open(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == store.DriverSQLite {
		return st, nil
	}

	// Setup DB Pool Config
	var (
		maxIdleConns    = EnvDBMaxIdleConns.Int()
		maxOpenConns    = EnvDBMaxOpenConns.Int()
		maxConnLifetime = time.Duration(EnvDBMaxConnLifetime.Int()) * time.Second
	)
	if maxIdleConns < 0 {
		log.Fatalf("[FATAL] %q must be greater than or equal to 0 if set, got: %d", EnvDBMaxIdleConns.Key, maxIdleConns)
	}
	if maxOpenConns <= 0 {
		log.Fatalf("[FATAL] %q must be greater than 0 if set, got: %d", EnvDBMaxOpenConns.Key, maxOpenConns)
	}
	if maxConnLifetime <= 10*time.Second {
		log.Fatalf("[FATAL] %q must be greater than 10 seconds if set, got: %d", EnvDBMaxConnLifetime.Key, maxConnLifetime)
	}

	db := st.DB()
	db.SetMaxIdleConns(maxIdleConns)
	db.SetMaxOpenConns(maxOpenConns)
	db.SetConnMaxLifetime(maxConnLifetime)
	return st, nil
}

// NewCipher returns the credential cipher. A passphrase takes precedence over the secrets file.
// Without either, an ephemeral key is generated and stored credentials will not survive a restart.
func (cfg *Config) NewCipher() (*secrets.Cipher, error) {
	if passphrase := EnvEncryptionKey.String(); passphrase != "" {
		return secrets.NewCipherFromPassphrase(passphrase)
	}
	if path := EnvSecretsManagerPath.String(); path != "" {
		return secrets.LoadOrCreateCipher(secrets.NewFileStore(path))
	}

	slog.Warn("no encryption key configured, using an ephemeral key",
		"env_vars", []string{EnvEncryptionKey.Key, EnvSecretsManagerPath.Key},
	)
	key := make([]byte, secrets.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return secrets.NewCipher(key)
}

// NewAllowList returns the tools build steps may invoke.
func (cfg *Config) NewAllowList() *sandbox.AllowList {
	return sandbox.NewAllowList(EnvAllowedTools.Values()...)
}

// NewWorkspace returns the build workspace manager.
func (cfg *Config) NewWorkspace() (*pipeline.Workspace, error) {
	return pipeline.NewWorkspace(EnvWorkspaceBasePath.String())
}

// NewExecutor creates the configured executor backend. The returned close function
// releases the backend and must be called once it is no longer used.
func (cfg *Config) NewExecutor(ws *pipeline.Workspace, tools *sandbox.AllowList) (sandbox.Executor, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if cfg != nil && cfg.executor != nil {
		return cfg.executor, noop, nil
	}

	backend := strings.ToLower(EnvExecutorBackend.String())
	switch backend {
	case BackendLocal:
		runner := sandbox.NewLocalRunner(
			sandbox.WithAllowList(tools),
			sandbox.WithTimeout(EnvCommandTimeout.Duration()),
		)
		return runner, noop, nil
	case BackendDocker:
		runner, err := sandbox.NewDockerRunnerFromEnv(sandbox.DockerConfig{
			Image:   EnvDockerImage.String(),
			Mount:   ws.Base,
			Tools:   tools,
			Timeout: EnvCommandTimeout.Duration(),
		})
		if err != nil {
			return nil, nil, err
		}
		if _, err := runner.Prune(context.Background()); err != nil {
			slog.Warn("failed to prune stale build containers", "error", err)
		}
		return runner, noop, nil
	case BackendRemote:
		client, err := executor.Dial(executor.ClientConfig{
			Addr:           EnvExecutorAddr.String(),
			UseTLS:         EnvExecutorUseTLS.IsSet(),
			MaxRecvMsgSize: EnvExecutorMaxMessageSize.Int(),
		})
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown executor backend %q (%s=%s|%s|%s)",
			backend, EnvExecutorBackend.Key, BackendLocal, BackendRemote, BackendDocker)
	}
}

// NewStatusReporter returns a GitHub commit status client, or a reporter that only logs
// when no GitHub token is configured.
func (cfg *Config) NewStatusReporter(ctx context.Context) scm.StatusReporter {
	token := EnvGitHubToken.String()
	if token == "" {
		slog.WarnContext(ctx, "github is not configured, commit statuses will only be logged", "env_var", EnvGitHubToken.Key)
		return scm.LogReporter{}
	}
	return scm.NewGitHub(ctx, scm.GitHubConfig{
		BaseURL: EnvGitHubAPIURL.String(),
		Token:   token,
	})
}

// NewEventPublisher opens the build events topic.
func (cfg *Config) NewEventPublisher(ctx context.Context) (*events.TopicPublisher, error) {
	return events.OpenTopic(ctx, EnvBuildEventsTopic.String())
}

// MonitorConfig returns the schedules of the executor health probe and workspace janitor.
func (cfg *Config) MonitorConfig() orchestrator.MonitorConfig {
	return orchestrator.MonitorConfig{
		HealthSchedule:  EnvExecutorHealthSchedule.String(),
		JanitorSchedule: EnvWorkspaceJanitorSchedule.String(),
		WorkspaceMaxAge: EnvWorkspaceMaxAge.Duration(),
	}
}

// IsMetricsEnabled returns true if the /metrics http endpoint has been enabled.
func (cfg *Config) IsMetricsEnabled() bool {
	return EnvEnableMetrics.IsSet()
}

// IsTestRunAndExitEnabled returns true if a value for the "ENABLE_TEST_RUN_AND_EXIT" environment variable is set.
func (cfg *Config) IsTestRunAndExitEnabled() bool {
	return EnvEnableTestRunAndExit.IsSet()
}

// ConfigureHTTPServerFromEnv enables the configuration of the API server. The handler field will be
// overwritten with the API handler when knull is run.
func ConfigureHTTPServerFromEnv(options ...func(*http.Server)) func(*Config) {
	srv := &http.Server{
		Addr:              EnvHTTPListenAddr.String(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	for _, opt := range options {
		opt(srv)
	}
	return func(cfg *Config) {
		cfg.srv = srv
	}
}

// ConfigureMySQLFromEnv sets MySQL config values from the environment.
func ConfigureMySQLFromEnv() func(*Config) {
	return func(cfg *Config) {
		mysqlConfig := mysql.NewConfig()

		mysqlConfig.Addr = EnvMySQLAddr.String()
		if mysqlConfig.Addr == "" {
			slog.Debug("mysql is not configured")
			return
		}

		mysqlConfig.ParseTime = true
		mysqlConfig.Net = EnvMySQLNet.String()
		mysqlConfig.User = EnvMySQLUser.String()
		mysqlConfig.Passwd = EnvMySQLPasswd.String()
		mysqlConfig.DBName = EnvMySQLDB.String()

		cfg.dbDriver = store.DriverMySQL
		cfg.dbDSN = mysqlConfig.FormatDSN()
	}
}

// ConfigurePostgresFromEnv uses Postgres when a DSN is provided and MySQL is not configured.
func ConfigurePostgresFromEnv() func(*Config) {
	return func(cfg *Config) {
		dsn := EnvPostgresDSN.String()
		if dsn == "" || cfg.dbDriver == store.DriverMySQL {
			return
		}
		cfg.dbDriver = store.DriverPostgres
		cfg.dbDSN = dsn
	}
}

// ConfigureSQLiteFromEnv overrides the sqlite DSN when no other database is configured.
func ConfigureSQLiteFromEnv() func(*Config) {
	return func(cfg *Config) {
		dsn := EnvSQLiteDSN.String()
		if dsn == "" || cfg.dbDSN != "" {
			return
		}
		cfg.dbDriver = store.DriverSQLite
		cfg.dbDSN = dsn
	}
}

// ConfigureStore sets the provided store as the main interface for DB access.
func ConfigureStore(st *store.Store) func(*Config) {
	return func(cfg *Config) {
		cfg.store = st
	}
}

// ConfigureExecutor sets the provided backend instead of the one selected by the environment.
func ConfigureExecutor(exec sandbox.Executor) func(*Config) {
	return func(cfg *Config) {
		cfg.executor = exec
	}
}

func newInstanceID() string {
	if id := EnvInstanceID.String(); id != "" {
		return id
	}
	return fmt.Sprintf("knull-%s", uuid.NewString()[:8])
}
