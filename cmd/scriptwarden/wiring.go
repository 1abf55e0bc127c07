package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/scriptwarden/broker/pkg/admission"
	"github.com/scriptwarden/broker/pkg/audit"
	"github.com/scriptwarden/broker/pkg/broker"
	"github.com/scriptwarden/broker/pkg/cache"
	"github.com/scriptwarden/broker/pkg/capabilities"
	"github.com/scriptwarden/broker/pkg/config"
	"github.com/scriptwarden/broker/pkg/dispatcher"
	"github.com/scriptwarden/broker/pkg/killswitch"
	"github.com/scriptwarden/broker/pkg/kms"
	"github.com/scriptwarden/broker/pkg/metrics"
	"github.com/scriptwarden/broker/pkg/ratelimit"
	"github.com/scriptwarden/broker/pkg/sandbox"
	"github.com/scriptwarden/broker/pkg/scripts"
	"github.com/scriptwarden/broker/pkg/secrets"
	"github.com/scriptwarden/broker/pkg/store"
	"github.com/scriptwarden/broker/pkg/tenants"
	"github.com/scriptwarden/broker/pkg/watchdog"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// app holds every wired component a subcommand might need. Grounded on
// the teacher's cmd/helm/main.go runServer: DATABASE_URL-gated fallback
// between Postgres and embedded SQLite, plus plain constructor wiring
// for everything downstream.
type app struct {
	Config     *config.Config
	Policy     *config.PolicyBundle
	DB         *sql.DB
	Cache      cache.Cache
	ExecStore  store.ExecutionStore
	Tenants    tenants.Store
	Scripts    scripts.Store
	Secrets    *secrets.Store
	Sandbox    sandbox.Client
	Admission  *admission.Controller
	Dispatcher *dispatcher.Dispatcher
	Watchdog   *watchdog.Watchdog
	KillSwitch *killswitch.Switch
	Broker     *broker.Broker
	Metrics    *metrics.Recorder
	Registry   *prometheus.Registry

	// AuditStore backs the admin-action audit trail (kill-switch toggles,
	// secret rotation, script execution) independent of the per-execution
	// security/callback chain store.ExecutionStore keeps.
	AuditStore  *store.AuditStore
	Audit       audit.Logger
	AuditExport *audit.Exporter
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	policy, err := config.LoadPolicy(configPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	a := &app{Config: cfg, Policy: policy, Metrics: metrics.NewRecorder(), Registry: metrics.NewRegistry()}

	if err := a.wireStore(); err != nil {
		return nil, err
	}
	if err := a.wireCache(); err != nil {
		return nil, err
	}

	if a.DB != nil {
		a.Tenants = tenants.NewPostgresStore(a.DB)
		a.Scripts = scripts.NewPostgresStore(a.DB)
	} else {
		a.Tenants = tenants.NewMemoryStore()
		a.Scripts = scripts.NewMemoryStore()
	}

	localKMS, err := kms.NewLocalKMS(kmsKeystorePath)
	if err != nil {
		return nil, fmt.Errorf("init kms: %w", err)
	}
	var secretsBackend secrets.Backend = secrets.NewMemoryBackend()
	if a.DB != nil {
		secretsBackend = secrets.NewPostgresBackend(a.DB)
	}
	a.Secrets = secrets.NewStore(localKMS, secretsBackend)

	a.Sandbox = sandbox.NewHTTPClient(cfg.SandboxURL, cfg.Execution.Timeout())

	a.Admission = admission.NewController(nil, a.Tenants, a.Scripts, ratelimit.NewMemoryLimiter(), a.Cache, cfg.Execution.MaxConcurrent)
	a.Dispatcher = dispatcher.NewDispatcher(a.Admission, a.ExecStore, a.Sandbox, a.Cache, nil, []byte(cfg.MasterKey))
	a.Dispatcher.Metrics = a.Metrics

	a.Watchdog = watchdog.New(a.ExecStore, a.Sandbox, nil, watchdog.RuntimeSampler{})
	a.Watchdog.Metrics = a.Metrics
	a.Dispatcher.Watchdog = a.Watchdog

	alerter := a.buildAlerter()
	ks, err := killswitch.New(a.Cache, a.ExecStore, a.Watchdog, alerter, nil)
	if err != nil {
		return nil, fmt.Errorf("init kill switch: %w", err)
	}
	ks.Metrics = a.Metrics
	a.KillSwitch = ks
	a.Admission.KillSwitch = a.KillSwitch
	a.Watchdog.KillSwitch = a.KillSwitch

	capTable := capabilities.NewTable()
	a.Broker = broker.New(a.ExecStore, a.Cache, capTable, a.Tenants, a.Scripts, a.Watchdog, []byte(cfg.MasterKey))
	a.Broker.Metrics = a.Metrics

	a.AuditStore = store.NewAuditStore()
	a.Audit = audit.NewStoreLogger(a.AuditStore)
	a.AuditExport = audit.NewExporter(a.AuditStore)

	return a, nil
}

func (a *app) wireStore() error {
	cfg := a.Config
	if strings.HasPrefix(cfg.StoreURL, "sqlite://") || cfg.StoreURL == "" {
		path := strings.TrimPrefix(cfg.StoreURL, "sqlite://")
		if path == "" {
			path = "scriptwarden.db"
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		es, err := store.NewSQLiteExecutionStore(db)
		if err != nil {
			return fmt.Errorf("init sqlite execution store: %w", err)
		}
		a.DB = nil // sqlite path never backs tenants/scripts/secrets Postgres stores
		a.ExecStore = es
		slog.Info("scriptwarden: using embedded sqlite store", "path", path)
		return nil
	}

	db, err := sql.Open("postgres", cfg.StoreURL)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	a.DB = db
	a.ExecStore = store.NewPostgresExecutionStore(db)
	slog.Info("scriptwarden: using postgres store")
	return nil
}

func (a *app) wireCache() error {
	if strings.HasPrefix(a.Config.CacheURL, "redis://") {
		opts, err := redis.ParseURL(a.Config.CacheURL)
		if err != nil {
			return fmt.Errorf("parse cache url: %w", err)
		}
		a.Cache = cache.NewRedisCache(redis.NewClient(opts))
		return nil
	}
	a.Cache = cache.NewMemoryCache()
	return nil
}

func (a *app) buildAlerter() killswitch.Alerter {
	var sinks []killswitch.Alerter
	if url := a.Policy.KillSwitch.WebhookURL; url != "" {
		sinks = append(sinks, killswitch.NewWebhookAlerter(url))
	}
	if url := a.Policy.KillSwitch.SlackURL; url != "" {
		sinks = append(sinks, killswitch.NewWebhookAlerter(url))
	}
	if len(sinks) == 0 {
		return killswitch.NoopAlerter{}
	}
	return killswitch.MultiAlerter{Alerters: sinks}
}

const kmsKeystorePath = "./.scriptwarden/kms-keystore.json"

func (a *app) close() {
	if a.DB != nil {
		_ = a.DB.Close()
	}
	a.Watchdog.Close()
}
