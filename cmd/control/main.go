package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
	"vigilnet/internal/core/services"
	httphandlers "vigilnet/internal/handlers/http"
	"vigilnet/internal/infrastructure/backup"
	"vigilnet/internal/infrastructure/cameras"
	"vigilnet/internal/infrastructure/distributed"
	"vigilnet/internal/infrastructure/middleware"
	"vigilnet/internal/infrastructure/monitoring"
	"vigilnet/internal/infrastructure/nodechannel"
	"vigilnet/internal/infrastructure/reliability"
	repositories "vigilnet/internal/infrastructure/repositories"
	"vigilnet/internal/infrastructure/scheduler"
	webrtcinfra "vigilnet/internal/infrastructure/webrtc"
	pkgbackup "vigilnet/pkg/backup"
	"vigilnet/pkg/circuitbreaker"
	"vigilnet/pkg/clock"
	"vigilnet/pkg/config"
	pkgdistributed "vigilnet/pkg/distributed"
	"vigilnet/pkg/logger"
	"vigilnet/pkg/retry"
	"vigilnet/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const snapshotVersion = "1"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, logLevel string
	flagSet := pflag.NewFlagSet("vigilnet-control", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the YAML configuration file")
	flagSet.StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "vigilnet-control",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return fmt.Errorf("create repository factory: %w", err)
	}
	defer repoFactory.Close()

	clk := clock.New()
	instanceID := "ctl-" + uuid.NewString()[:8]
	nodeRepo := repoFactory.CreateNodeRepository()
	sessionRepo := repoFactory.CreateSessionRepository()

	stats := services.NewMetricsService()
	var metrics ports.MetricsRecorder = stats
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.MultiRecorder{stats, monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)}
	}

	var snapshotter *backup.NodeSnapshotter
	if cfg.Backup.Enabled {
		storage, err := pkgbackup.NewFileStorage(cfg.Backup.Directory)
		if err != nil {
			return fmt.Errorf("open backup directory: %w", err)
		}
		backups := pkgbackup.NewBackupService(storage, snapshotVersion, clk)
		snapshotter = backup.NewNodeSnapshotter(backups, nodeRepo, cfg.Backup.Retain, clk, log)
		if !repoFactory.Shared() {
			restored, err := snapshotter.Restore(ctx)
			if err != nil {
				return fmt.Errorf("restore node snapshot: %w", err)
			}
			log.Infow("node registrations restored", "node_count", restored)
		}
	}

	nodes := services.NewNodeDirectory(nodeRepo, services.NodeDirectoryConfig{
		HeartbeatInterval: cfg.Nodes.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Nodes.HeartbeatTimeout,
	}, clk, metrics, log)

	var hub *nodechannel.Hub
	var transport ports.NodeTransport
	switch cfg.Nodes.Transport {
	case "http":
		transport = nodechannel.NewHTTPTransport(nil, "http")
	default:
		hub = nodechannel.NewHub(nodechannel.HubConfig{
			PingInterval: cfg.Nodes.PingInterval,
			PongTimeout:  cfg.Nodes.PongTimeout,
		}, func(ctx context.Context, nodeID domain.NodeID, status string) error {
			_, err := nodes.Heartbeat(ctx, nodeID, status)
			return err
		}, log)
		transport = hub
	}

	var guarded *reliability.GuardedTransport
	if cfg.Nodes.CircuitBreaker.Enabled {
		breakerCfg := circuitbreaker.DefaultConfig()
		breakerCfg.FailureThreshold = cfg.Nodes.CircuitBreaker.MaxFailures
		breakerCfg.Timeout = cfg.Nodes.CircuitBreaker.ResetTimeout
		guarded = reliability.NewGuardedTransport(transport, breakerCfg, clk, log)
		transport = guarded
	}

	dispatcher := services.NewCommandDispatcher(nodeRepo, transport, services.CommandDispatcherConfig{
		CommandTimeout:   cfg.Nodes.CommandTimeout,
		HeartbeatTimeout: cfg.Nodes.HeartbeatTimeout,
		StopRetry: retry.Config{
			Enabled:      true,
			MaxAttempts:  cfg.Nodes.StopRetry.MaxAttempts,
			InitialDelay: cfg.Nodes.StopRetry.InitialDelay,
			MaxDelay:     cfg.Nodes.StopRetry.MaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}, clk, metrics, log)

	issuer, err := services.NewSignedURLIssuer(cfg.Signing.Secret, clk)
	if err != nil {
		return fmt.Errorf("create url signer: %w", err)
	}
	cameraDir, err := cameras.NewDirectory(cfg.Cameras, nodeRepo)
	if err != nil {
		return fmt.Errorf("load camera inventory: %w", err)
	}

	peers := webrtcinfra.NewPeerStore(log)
	factory := webrtcinfra.NewPeerFactory(peerConfig(cfg), cameraDir, clk, log)

	var events ports.EventPublisher = distributed.LogPublisher{Logger: log}
	var bus *distributed.EventBus
	if repoFactory.Shared() {
		bus = distributed.NewEventBus(repoFactory.Client(), cfg.Redis.KeyPrefix, instanceID, log)
		events = bus
	}

	gate := services.NewRoleGate()
	sessions := services.NewSessionRegistry(sessionRepo, cameraDir, dispatcher, issuer, gate, services.SessionRegistryConfig{
		DefaultTTL:     cfg.Sessions.DefaultTTL,
		DefaultProfile: cfg.Sessions.DefaultProfile,
		Profiles:       cfg.Sessions.Profiles,
		InstanceID:     instanceID,
	}, clk, metrics, log).WithPeerStore(peers).WithEventPublisher(events)

	factory.OnPeerFailed(func(id domain.PeerID) {
		if owned, err := sessions.EndPeerSession(context.WithoutCancel(ctx), id); err != nil {
			log.Errorw("failed to end session of failed peer", "peer_id", id, "error", err)
		} else if owned {
			log.Infow("session ended after peer failure", "peer_id", id)
		}
		peers.Remove(id)
	})

	nodes.OnNodeRemoved(func(ctx context.Context, node *domain.Node) {
		if failed, err := sessions.FailNodeSessions(ctx, node); err != nil {
			log.Errorw("failed to end sessions of removed node", "node_id", node.ID, "error", err)
		} else if failed > 0 {
			log.Infow("sessions ended for removed node", "node_id", node.ID, "sessions", failed)
		}
		if hub != nil {
			hub.Disconnect(node.ID)
		}
		if guarded != nil {
			guarded.Forget(node.ID)
		}
	})

	runner, err := backgroundJobs(cfg, repoFactory, nodes, sessions, peers, stats, metrics, snapshotter, bus, log)
	if err != nil {
		return err
	}

	health := monitoring.NewHealthChecker(clk)
	health.AddRepositoryCheck(nodeRepo, 2*time.Second)
	if repoFactory.Shared() {
		health.AddRedisCheck(repoFactory.Client(), 2*time.Second)
	}

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, clk)
	authRequired := middleware.AuthMiddleware(authService)
	adminOnly := middleware.RequireAction(gate, domain.ActionManageNodes)

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = prometheus.DefaultGatherer
	}
	var channel httphandlers.ChannelServer
	if hub != nil {
		channel = hub
	}

	api := []ports.HTTPHandler{
		httphandlers.NewNodeHandler(nodes, channel, authRequired, adminOnly, cfg.Nodes.RegistrationToken),
		httphandlers.NewSessionHandler(sessions, peers, factory, authRequired, log),
		httphandlers.NewAccessHandler(sessions),
	}
	if cfg.Auth.DevTokens {
		log.Warn("development token endpoint enabled")
		api = append(api, httphandlers.NewAuthHandler(authService, cfg.Auth.AccessTokenTTL))
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httphandlers.NewRouter(log, httphandlers.RouterOptions{
		Middleware: []gin.HandlerFunc{
			middleware.CORSMiddleware(cfg.Auth.AllowedOrigins),
			middleware.TracingMiddleware(),
			middleware.NewHTTPRateLimitMiddleware(cfg),
		},
		Root: []ports.HTTPHandler{
			httphandlers.NewOpsHandler(health, stats, peers, gatherer, authRequired, adminOnly, clk),
		},
		API: api,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	jobsCtx, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()
	jobsErr := make(chan error, 1)
	go func() { jobsErr <- runner.Run(jobsCtx) }()

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("vigilnet control plane listening",
			"address", cfg.Server.Address,
			"instance_id", instanceID,
			"transport", cfg.Nodes.Transport,
			"shared_state", repoFactory.Shared(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-jobsErr:
		if err != nil {
			runErr = fmt.Errorf("background jobs: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("graceful shutdown failed", "error", err)
		_ = srv.Close()
	}
	cancelJobs()

	if snapshotter != nil {
		if err := snapshotter.Capture(shutdownCtx); err != nil {
			log.Warnw("final node snapshot failed", "error", err)
		}
	}
	if n := peers.CleanupAll(); n > 0 {
		log.Infow("closed real-time peers", "peers", n)
	}
	if hub != nil {
		hub.Close()
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("tracer shutdown failed", "error", err)
	}

	log.Info("vigilnet control plane stopped")
	return runErr
}

func peerConfig(cfg *config.Config) webrtcinfra.PeerConfig {
	var pc webrtcinfra.PeerConfig
	for _, s := range cfg.WebRTC.ICEServers {
		pc.ICEServers = append(pc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(pc.ICEServers) == 0 {
		pc.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	pc.PortRange.Min = cfg.WebRTC.PortRange.Min
	pc.PortRange.Max = cfg.WebRTC.PortRange.Max
	pc.RTPPortRange.Min = cfg.WebRTC.RTPPortRange.Min
	pc.RTPPortRange.Max = cfg.WebRTC.RTPPortRange.Max
	pc.RTPHost = cfg.WebRTC.RTPHost
	pc.RTPPortQuarantine = cfg.WebRTC.RTPPortQuarantine
	return pc
}

// backgroundJobs schedules the sweeps. With shared state the sweeps take a
// Redis lock so only one instance runs each tick.
func backgroundJobs(
	cfg *config.Config,
	repoFactory *repositories.RepositoryFactory,
	nodes *services.NodeDirectory,
	sessions *services.SessionRegistry,
	peers *webrtcinfra.PeerStore,
	stats *services.MetricsService,
	metrics ports.MetricsRecorder,
	snapshotter *backup.NodeSnapshotter,
	bus *distributed.EventBus,
	log *zap.SugaredLogger,
) (*scheduler.Runner, error) {
	var locks *pkgdistributed.LockManager
	if repoFactory.Shared() {
		locks = pkgdistributed.NewLockManager(repoFactory.Client(), cfg.Redis.KeyPrefix+"lock:")
	}
	runner := scheduler.NewRunner(locks, log)

	jobs := []scheduler.Job{
		{
			Name:      "node-health-sweep",
			Interval:  cfg.Nodes.HealthSweepInterval,
			Exclusive: true,
			Run: func(ctx context.Context) error {
				flipped, err := nodes.HealthSweep(ctx)
				if flipped > 0 {
					log.Infow("nodes marked offline", "count", flipped)
				}
				return err
			},
		},
		{
			Name:      "session-expiry-sweep",
			Interval:  cfg.Sessions.ExpirySweepInterval,
			Exclusive: true,
			Run: func(ctx context.Context) error {
				_, err := sessions.SweepExpired(ctx)
				return err
			},
		},
		{
			Name:     "peer-gauge",
			Interval: cfg.Monitoring.MetricsInterval,
			Run: func(ctx context.Context) error {
				metrics.SetActivePeers(peers.Count())
				snap := stats.Snapshot()
				log.Debugw("control plane stats",
					"active_sessions", snap.ActiveSessions,
					"active_peers", snap.ActivePeers,
					"nodes_by_status", snap.NodesByStatus,
				)
				return nil
			},
		},
	}
	if snapshotter != nil {
		jobs = append(jobs, scheduler.Job{
			Name:     "node-snapshot",
			Interval: cfg.Backup.Interval,
			Run:      snapshotter.Capture,
		})
	}
	for _, job := range jobs {
		if err := runner.Every(job); err != nil {
			return nil, err
		}
	}

	if bus != nil {
		runner.Go("session-events", func(ctx context.Context) error {
			return bus.Subscribe(ctx, nil, distributed.PeerTeardown(peers, log))
		})
	}
	return runner, nil
}
