// cmd/bot-server/main.go
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

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"appointment-bot/internal/admin"
	"appointment-bot/internal/common/auth"
	"appointment-bot/internal/common/aws"
	"appointment-bot/internal/common/camunda"
	"appointment-bot/internal/common/clock"
	"appointment-bot/internal/common/config"
	"appointment-bot/internal/common/database"
	"appointment-bot/internal/common/logger"
	"appointment-bot/internal/common/observability"
	"appointment-bot/internal/conversation"
	"appointment-bot/internal/handoff"
	"appointment-bot/internal/messaging"
	"appointment-bot/internal/slots"
	"appointment-bot/internal/store"
	"appointment-bot/internal/tenant"
	"appointment-bot/internal/vault"
	"appointment-bot/internal/webhook"
	"appointment-bot/pkg/lexicon"

	rh "appointment-bot/internal/workers/handoff/release-handoff"
	ne "appointment-bot/internal/workers/notification/notify-escalation"
)

const adminRole = "bot-admin"

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New("info", "console")
		boot.Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.FromZap(zapLog)

	zapLog.Info("Starting appointment bot...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	obs := observability.New(observability.Options{
		ServiceName:    cfg.App.Name,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
	}, log)
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	st := store.New(pg.DB)
	if err := st.Migrate(ctx); err != nil {
		zapLog.Fatal("schema migration failed", zap.Error(err))
	}

	// --- Init Redis with retry ---
	rdb := database.NewRedis(cfg.Database.Redis)
	err = retryWithBackoff(func() error {
		return rdb.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rdb.Close()
	zapLog.Info("Redis connected successfully")

	// --- Raw event sinks ---
	sinks := webhook.MultiSink{webhook.NewPostgresSink(st)}
	if cfg.Database.Elasticsearch.Enabled() {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping()
		}, 5, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Warn("elasticsearch unavailable, raw events go to postgres only", zap.Error(err))
		} else {
			sinks = append(sinks, webhook.NewElasticsearchSink(esClient, cfg.Webhook.RawEventIndex, clock.Real()))
			zapLog.Info("Elasticsearch connected successfully")
		}
	}

	// --- Tenants ---
	v, err := vault.New([]byte(cfg.Vault.MasterKey))
	if err != nil {
		zapLog.Fatal("vault init failed", zap.Error(err))
	}

	registry := tenant.NewRegistry(st, rdb.Client, v, tenant.Config{
		CacheTTL:     config.GetDuration(cfg.Tenants.CacheTTL),
		DefaultQuota: cfg.Tenants.DefaultQuota,
		Messaging: messaging.Settings{
			BaseURL:       cfg.Messaging.BaseURL,
			APIVersion:    cfg.Messaging.APIVersion,
			Timeout:       config.GetDuration(cfg.Messaging.Timeout),
			RatePerSecond: cfg.Messaging.RatePerSecond,
			Burst:         cfg.Messaging.Burst,
		},
	}, log)

	lex, err := lexicon.Load(cfg.LexiconPath)
	if err != nil {
		zapLog.Fatal("lexicon load failed", zap.Error(err))
	}
	lex = lex.WithReservedWords(cfg.Conversation.ReservedWords)

	// --- Notifications ---
	notifyCfg := ne.LoadConfig(cfg.Notifications)
	var email ne.EmailSender
	var sms ne.SMSSender
	if cfg.Notifications.Email.Enabled {
		ses, err := aws.NewSESClient(ctx, cfg.Notifications.AWS.Region, cfg.Notifications.Email.FromEmail)
		if err != nil {
			zapLog.Fatal("failed to create SES client", zap.Error(err))
		}
		email = ses
	}
	if cfg.Notifications.SMS.Enabled {
		sns, err := aws.NewSNSClient(ctx, cfg.Notifications.AWS.Region, cfg.Notifications.SMS.SenderID)
		if err != nil {
			zapLog.Fatal("failed to create SNS client", zap.Error(err))
		}
		sms = sns
	}

	notifyHandler, err := ne.NewHandler(notifyCfg, registry, email, sms, log)
	if err != nil {
		zapLog.Fatal("failed to create notify-escalation handler", zap.Error(err))
	}

	var notifier conversation.Notifier = ne.NewDirectNotifier(notifyHandler)
	var queueServer *asynq.Server
	var queueClient *asynq.Client
	if cfg.Notifications.QueueEnabled {
		redisOpt := rdb.QueueOpt()
		queueClient = asynq.NewClient(redisOpt)
		notifier = ne.NewEnqueuer(queueClient, notifyCfg, log)

		queueServer = ne.NewServer(redisOpt, notifyCfg, log)
		mux := asynq.NewServeMux()
		notifyHandler.Register(mux)
		if err := queueServer.Start(mux); err != nil {
			zapLog.Fatal("notification queue server failed to start", zap.Error(err))
		}
		zapLog.Info("Notification queue started", zap.String("queue", notifyCfg.Queue))
	}

	// --- Camunda (optional) ---
	var zeebe *camunda.Client
	if cfg.Camunda.Enabled() {
		err = retryWithBackoff(func() error {
			var err error
			zeebe, err = camunda.Connect(ctx, camunda.Settings{
				GatewayAddress: cfg.Camunda.BrokerAddress,
				TLS:            cfg.Camunda.TLS,
				RequestTimeout: config.GetDuration(cfg.Camunda.RequestTimeout),
				StartAttempts:  cfg.Camunda.StartAttempts,
			})
			return err
		}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		zapLog.Info("Zeebe client connected successfully")
	}

	// --- Conversations ---
	suppressor := handoff.NewSuppressor(clock.Real())
	deps := conversation.Deps{
		Tenants:       registry,
		Data:          conversation.StoreResolver(registry),
		Slots:         slots.NewEngine(registry, clock.Real(), log),
		Handoff:       suppressor,
		Notifier:      notifier,
		Lexicon:       lex,
		Observability: obs,
		Clock:         clock.Real(),
		Logger:        log,
	}
	if zeebe != nil {
		deps.Workflows = zeebe
	}
	router := conversation.NewRouter(deps, conversation.Settings{
		HorizonDays:      cfg.Conversation.HorizonDays,
		HandoffTTL:       config.GetDuration(cfg.Conversation.HandoffTTL),
		ActorIdleTTL:     config.GetDuration(cfg.Conversation.ActorIdleTTL),
		MailboxSize:      cfg.Conversation.MailboxSize,
		HandoffProcessID: cfg.Camunda.ProcessID,
	})
	registry.Subscribe(router.TenantChanged)

	var releaseWorker *camunda.CamundaWorker
	if zeebe != nil {
		releaseCfg := rh.DefaultConfig()
		releaseCfg.MaxJobsActive = cfg.Camunda.MaxJobsActive
		releaseCfg.Timeout = config.GetDuration(cfg.Camunda.Timeout)
		handler, err := rh.NewHandler(releaseCfg, router, log)
		if err != nil {
			zapLog.Fatal("failed to create release-handoff handler", zap.Error(err))
		}
		releaseWorker = camunda.NewWorker(zeebe.JobClient(), rh.TaskType, releaseCfg.MaxJobsActive, handler, log)
	}

	// --- Webhook ingress ---
	var dedup webhook.Deduper
	switch cfg.Webhook.DedupBackend {
	case "memory":
		dedup = webhook.NewMemoryDeduper(cfg.Webhook.DedupMaxEntries)
	default:
		dedup = webhook.NewRedisDeduper(rdb.Client, config.GetDuration(cfg.Webhook.DedupTTL), log)
	}
	ingress := webhook.NewIngress(webhook.Options{
		VerifyToken: cfg.Webhook.VerifyToken,
		AppSecret:   cfg.Webhook.AppSecret,
	}, registry, dedup, sinks, router, log)

	// --- Admin API ---
	var validator admin.TokenValidator
	if kc := cfg.Auth.Keycloak; kc.URL != "" {
		validator = auth.NewKeycloakClient(kc.URL, kc.Realm, kc.ClientID, kc.ClientSecret)
	}
	adminAPI := admin.NewAPI(
		registry,
		admin.StoreCatalogs(registry),
		router,
		admin.NewAuthenticator(validator, adminRole, log),
		log,
	)

	// --- HTTP server ---
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	engine.GET("/ready", func(c *gin.Context) {
		checkCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		status := gin.H{"time": time.Now().Format(time.RFC3339)}
		if err := pg.Ping(checkCtx); err != nil {
			status["status"] = "postgres unavailable"
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		if err := rdb.Ping(checkCtx); err != nil {
			status["status"] = "redis unavailable"
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		if zeebe != nil {
			if err := zeebe.HealthCheck(checkCtx); err != nil {
				status["status"] = "zeebe unavailable"
				c.JSON(http.StatusServiceUnavailable, status)
				return
			}
		}
		status["status"] = "ready"
		c.JSON(http.StatusOK, status)
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ingress.RegisterRoutes(engine)
	adminAPI.RegisterRoutes(engine)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      engine,
		ReadTimeout:  config.GetDuration(cfg.Server.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.Server.WriteTimeout),
	}
	go func() {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.Server.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, draining...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("HTTP server shutdown failed", zap.Error(err))
	}
	router.Close()

	if releaseWorker != nil {
		releaseWorker.Stop(shutdownCtx)
	}
	if zeebe != nil {
		if err := zeebe.Close(); err != nil {
			zapLog.Error("Error closing Zeebe client", zap.Error(err))
		}
	}
	if queueServer != nil {
		queueServer.Shutdown()
	}
	if queueClient != nil {
		_ = queueClient.Close()
	}

	zapLog.Info("Appointment bot stopped gracefully")
}
