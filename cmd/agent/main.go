package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
	"k8s.io/utils/clock"

	"github.com/p-blackswan/access-agent/internal/accesscontrol"
	"github.com/p-blackswan/access-agent/internal/api"
	"github.com/p-blackswan/access-agent/internal/audit"
	"github.com/p-blackswan/access-agent/internal/config"
	"github.com/p-blackswan/access-agent/internal/connectivity"
	"github.com/p-blackswan/access-agent/internal/emergency"
	"github.com/p-blackswan/access-agent/internal/health"
	"github.com/p-blackswan/access-agent/internal/heartbeat"
	"github.com/p-blackswan/access-agent/internal/metrics"
	"github.com/p-blackswan/access-agent/internal/mgmt"
	"github.com/p-blackswan/access-agent/internal/notify"
	"github.com/p-blackswan/access-agent/internal/oplock"
	"github.com/p-blackswan/access-agent/internal/queue"
	"github.com/p-blackswan/access-agent/internal/realtime"
	"github.com/p-blackswan/access-agent/internal/reconcile"
	"github.com/p-blackswan/access-agent/internal/retry"
	"github.com/p-blackswan/access-agent/internal/store"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("backend", cfg.BackendURL).
		Bool("realtime_enabled", cfg.RealtimeEnabled()).
		Bool("mgmt_enabled", cfg.MgmtEnabled()).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting access agent")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()
	checker := health.NewChecker(logger)
	clk := clock.RealClock{}

	// Local persistence. Without a path everything lives in memory and is
	// lost on restart.
	var kv store.KV
	var db *store.Store
	if cfg.DBPath != "" {
		db, err = store.New(cfg.DBPath, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open local store")
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Error().Err(err).Msg("local store close error")
			}
		}()
		kv = db
		checker.Register("store", health.StoreCheck(db))
	} else {
		logger.Warn().Msg("DB_PATH empty: offline queue and audit log are not persisted")
		kv = store.NewMemoryKV()
	}

	// Notifications: log always, Slack when configured, plus a ring the
	// management API reads.
	recent := notify.NewRecorder(cfg.RecentNotifyLimit)
	notifiers := []notify.Notifier{notify.NewLogNotifier(logger), recent}
	if cfg.SlackEnabled() {
		notifiers = append(notifiers, notify.NewSlackNotifier(
			slack.New(cfg.SlackBotToken), cfg.SlackChannel, notify.Level(cfg.SlackMinLevel), logger))
		logger.Info().Str("channel", cfg.SlackChannel).Msg("Slack notifications enabled")
	}
	notifier := notify.NewMultiNotifier(notifiers...)

	// Backend reachability and REST client
	tracker := connectivity.New(cfg.OfflineAfter, logger)
	checker.Register("backend", health.BackendCheck(func() health.BackendState {
		s := tracker.Snapshot()
		return health.BackendState{Online: s.Online, ConsecutiveFailures: s.ConsecutiveFailures, LastError: s.LastError}
	}))

	var auth api.Authenticator
	switch {
	case cfg.BackendJWTSecret != "":
		auth = api.NewServiceTokenAuth(cfg.BackendJWTSecret, cfg.AgentID, cfg.BackendTokenTTL)
	case cfg.BackendToken != "":
		auth = api.StaticToken{Token: cfg.BackendToken}
	default:
		logger.Warn().Msg("no backend credentials configured, calling backend anonymously")
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.BackendRetries
	client := api.NewClient(cfg.BackendURL, auth, logger,
		api.WithTimeout(cfg.BackendTimeout),
		api.WithRetry(retryCfg),
		api.WithReachability(tracker),
		api.WithMetrics(m),
	)

	// Offline queue
	qcfg := queue.DefaultConfig()
	qcfg.MaxSize = cfg.QueueMaxSize
	qcfg.FlushInterval = cfg.FlushInterval
	q := queue.New(qcfg, kv, client, logger,
		queue.WithConnectivity(tracker),
		queue.WithNotifier(notifier),
		queue.WithMetrics(m),
	)
	checker.Register("queue", health.QueueCheck(func(ctx context.Context) (int, int) {
		s := q.Stats(ctx)
		return s.Pending, s.Failed
	}, qcfg.MaxSize))

	// Audit log and emergency state machine
	auditLog := audit.New(kv, client, cfg.AuditMaxEntries, clk, logger)
	if err := auditLog.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to restore audit log, starting empty")
	}

	em := emergency.New(client, emergency.Options{
		Notifier:      notifier,
		Auditor:       auditLog,
		Metrics:       m,
		Clock:         clk,
		UnlockTimeout: cfg.UnlockTimeout,
	}, logger)

	// Orchestrator
	state := accesscontrol.NewState(clk, cfg.MaxEvents)
	locks := oplock.New(clk, cfg.LockTimeout)
	svc, err := accesscontrol.NewService(accesscontrol.Deps{
		API:          client,
		State:        state,
		Locks:        locks,
		Queue:        q,
		Emergency:    em,
		Audit:        auditLog,
		Connectivity: tracker,
		Notifier:     notifier,
		Metrics:      m,
		Clock:        clk,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build access-control service")
	}
	if cfg.RefreshInterval > 0 {
		checker.Register("state", health.StalenessCheck(
			func() time.Time { return state.Snapshot().UpdatedAt },
			time.Now,
			3*cfg.RefreshInterval,
		))
	}

	// Reconciliation runs after point or user changes settle.
	rec := reconcile.New(state, reconcile.Config{
		Debounce:  cfg.ReconcileDebounce,
		Threshold: cfg.OfflineThreshold,
	}, clk, m, logger)
	rec.OnPass(func(r reconcile.Result) {
		if r.Changed() {
			logger.Info().
				Strs("duplicate_points", r.DuplicatePoints).
				Strs("duplicate_users", r.DuplicateUsers).
				Int("stale_flips", r.StaleFlips).
				Msg("reconciliation pass rewrote state")
		}
	})
	state.OnChange(func(c accesscontrol.Collection) {
		if c == accesscontrol.CollectionPoints || c == accesscontrol.CollectionUsers {
			rec.Trigger()
		}
	})

	hb := heartbeat.New(state, heartbeat.Config{
		Interval:  cfg.HeartbeatInterval,
		Threshold: cfg.OfflineThreshold,
	}, clk, m, logger)

	// Coming back online drains the queue and reloads the mirror.
	tracker.OnOnline(func() {
		q.NotifyOnline()
		if err := svc.Refresh(ctx); err != nil {
			logger.Warn().Err(err).Msg("refresh after reconnect failed")
		}
	})

	// Realtime push channel
	var rt *realtime.Client
	var sub *realtime.Subscriber
	if cfg.RealtimeEnabled() {
		rtCfg := realtime.DefaultConfig()
		rtCfg.URL = cfg.RealtimeURL
		rtCfg.ReconnectInterval = cfg.RealtimeReconnect
		rtCfg.MaxReconnectInterval = cfg.RealtimeMaxReconnect
		rt = realtime.NewClient(rtCfg, auth, m, logger)
		rt.OnStatus(func(connected bool) {
			if connected {
				tracker.SetOnline(true)
			}
		})
		sub = realtime.NewSubscriber(rt, svc, m, logger)
		checker.Register("realtime", health.RealtimeCheck(rt.IsConnected))
	} else {
		logger.Info().Msg("REALTIME_URL not set, relying on periodic refresh")
	}

	// Initial load. Failure is not fatal: the agent serves whatever it has
	// and catches up once the backend answers.
	if err := svc.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial refresh failed, continuing offline")
	}

	var wg sync.WaitGroup

	q.Start(ctx)
	hb.Start(ctx)
	if sub != nil {
		sub.Start(ctx)
		rt.Start(ctx)
	}

	if cfg.RefreshInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(cfg.RefreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := svc.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Warn().Err(err).Msg("periodic refresh failed")
					}
				}
			}
		}()
	}

	// Housekeeping
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.MaintenanceCron, func() {
		if n := locks.ClearExpired(); n > 0 {
			logger.Debug().Int("cleared", n).Msg("expired operation locks cleared")
		}
		if db == nil {
			return
		}
		size, err := db.Maintain(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("store maintenance failed")
			return
		}
		m.SetDBSize(size)
	}); err != nil {
		logger.Fatal().Err(err).Str("spec", cfg.MaintenanceCron).Msg("invalid MAINTENANCE_CRON")
	}
	sched.Start()

	// --- Management API ---
	var mgmtServer *mgmt.Server
	if cfg.MgmtEnabled() {
		mgmtServer = mgmt.NewServer(mgmt.ServerConfig{
			ListenAddr: cfg.MgmtListenAddr,
			AuthConfig: mgmtAuth(cfg, logger),
			RateLimit: mgmt.RateLimitConfig{
				RPS:   cfg.MgmtRateLimitRPS,
				Burst: cfg.MgmtRateLimitBurst,
			},
			CORSOrigins: cfg.MgmtCORSOrigins,
			TLSCert:     cfg.MgmtTLSCert,
			TLSKey:      cfg.MgmtTLSKey,
		}, svc, checker, m, recent, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mgmtServer.Start(); err != nil {
				logger.Error().Err(err).Msg("management API server error")
			}
		}()
	}

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	// Cancel context to signal all goroutines
	cancel()

	if mgmtServer != nil {
		if err := mgmtServer.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("management API server shutdown error")
		}
	}

	<-sched.Stop().Done()
	if sub != nil {
		sub.Stop()
		rt.Stop()
	}
	hb.Stop()
	rec.Stop()
	q.Stop()
	em.Stop()
	auditLog.Close()

	// Wait for in-flight work to complete
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("access agent stopped")
}

// mgmtAuth builds the management API key table from config.
func mgmtAuth(cfg *config.Config, logger zerolog.Logger) mgmt.AuthConfig {
	ac := mgmt.AuthConfig{
		Mode:   cfg.MgmtAuthMode,
		APIKey: cfg.MgmtAPIKey,
		Keys:   map[string]mgmt.Principal{},
	}
	if cfg.JWTEnabled() {
		ac.JWTSecret = cfg.MgmtJWTSecret
	}
	// Validated at load time.
	ops, _ := cfg.OperatorKeyList()
	for _, k := range ops {
		ac.Keys[k.Key] = mgmt.Principal{Name: k.Name, Role: mgmt.RoleOperator}
	}
	for _, k := range cfg.ReadOnlyKeyList() {
		ac.Keys[k.Key] = mgmt.Principal{Name: k.Name, Role: mgmt.RoleReadOnly}
	}
	if ac.Mode == "api-key" && ac.APIKey == "" && len(ac.Keys) == 0 && ac.JWTSecret == "" {
		logger.Warn().Msg("MGMT_AUTH_MODE=api-key but no keys configured, every request will be rejected")
	}
	return ac
}
