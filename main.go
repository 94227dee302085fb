package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	acqapp "scada-monitor/internal/acquisition/application"
	acquisitionevents "scada-monitor/internal/acquisition/application/events"
	acquisition "scada-monitor/internal/acquisition/domain"
	acqmemory "scada-monitor/internal/acquisition/infrastructure/memory"
	acqrepo "scada-monitor/internal/acquisition/infrastructure/postgres"
	acqhttp "scada-monitor/internal/acquisition/interfaces/http"
	alarmapp "scada-monitor/internal/alarms/application"
	"scada-monitor/internal/alarms/classification"
	alarms "scada-monitor/internal/alarms/domain"
	alarmrepo "scada-monitor/internal/alarms/infrastructure/postgres"
	alarminterfaces "scada-monitor/internal/alarms/interfaces"
	alarmhttp "scada-monitor/internal/alarms/interfaces/http"
	alarmnotify "scada-monitor/internal/alarms/notify"
	"scada-monitor/internal/audit"
	"scada-monitor/internal/auth"
	"scada-monitor/internal/config"
	"scada-monitor/internal/drivers"
	"scada-monitor/internal/eventbus"
	"scada-monitor/internal/observability/metrics"
	"scada-monitor/internal/realtime"
	"scada-monitor/internal/scheduler"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var plant config.Plant
	if cfg.PlantConfig != "" {
		loaded, err := config.LoadPlant(cfg.PlantConfig)
		if err != nil {
			logger.Fatalf("plant config error: %v", err)
		}
		plant = loaded
		logger.Printf("plant config loaded: path=%s devices=%d rules=%d", cfg.PlantConfig, len(plant.Devices), len(plant.Rules))
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		opened, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer opened.Close()
		if err := opened.PingContext(ctx); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
		db = opened
	} else {
		logger.Printf("DATABASE_URL not set: running with in-memory registry and no persistence")
	}
	metrics.Init(db, logger)

	// Device registry and persistence.
	var (
		registry  deviceStore
		sink      acquisition.PointSink
		pointRepo *acqrepo.PointRepository
		auditLog  audit.Logger
		alarmRepo *alarmrepo.AlarmRepository
		ruleRepo  *alarmrepo.AlarmRuleRepository
	)
	if db != nil {
		deviceRepo := acqrepo.NewDeviceRepository(db)
		for _, device := range plant.DeviceList() {
			if err := deviceRepo.Save(ctx, device); err != nil {
				logger.Fatalf("device seed error: device=%s err=%v", device.ID, err)
			}
		}
		registry = deviceRepo
		pointRepo = acqrepo.NewPointRepository(db)
		sink = pointRepo
		auditLog = audit.NewRepository(db)
		alarmRepo = alarmrepo.NewAlarmRepository(db, logger)
		ruleRepo = alarmrepo.NewAlarmRuleRepository(db, logger)
	} else {
		memoryRegistry, err := acqmemory.NewDeviceRegistry(plant.DeviceList()...)
		if err != nil {
			logger.Fatalf("device registry error: %v", err)
		}
		registry = memoryRegistry
		auditLog = audit.NewMemoryLogger(1000)
	}

	// Realtime fanout.
	hub := realtime.NewHub(realtime.WithAllowedOrigin(cfg.CORSOrigin), realtime.WithHubLogger(logger))
	go hub.Run(ctx)
	broadcasters := []realtime.Broadcaster{hub}
	if cfg.RedisAddr != "" {
		client, err := realtime.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Fatalf("redis connect error: %v", err)
		}
		defer client.Close()
		broadcasters = append(broadcasters, realtime.NewRedisPublisher(client, cfg.RedisPrefix))
		logger.Printf("redis fanout enabled: addr=%s prefix=%s", cfg.RedisAddr, cfg.RedisPrefix)
	}
	fanout := realtime.NewFanout(logger, broadcasters...)
	alarmBroker := alarmhttp.NewSSEBroker()

	// Alarm engine.
	classifier := classification.NewClassifier(logger)
	var (
		alarmNotifiers = []alarmapp.AlarmNotifier{alarmBroker, fanout}
		ruleNotifiers  = []alarmapp.RuleNotifier{fanout}
	)
	if alarmRepo != nil {
		alarmNotifiers = append([]alarmapp.AlarmNotifier{alarmRepo}, alarmNotifiers...)
		ruleNotifiers = append([]alarmapp.RuleNotifier{ruleRepo}, ruleNotifiers...)
	}
	multiNotifier := alarmnotify.NewMultiNotifier(alarmNotifiers...)
	alarmService := alarmapp.NewService(
		classifier,
		alarmapp.WithNotifier(multiNotifier),
		alarmapp.WithRuleNotifier(alarmnotify.NewMultiRuleNotifier(ruleNotifiers...)),
		alarmapp.WithClearGrace(cfg.AlarmClearGrace),
		alarmapp.WithLogger(logger),
	)

	var webhookNotifier *alarmnotify.Notifier
	if cfg.AlarmWebhookURL != "" {
		tpl, err := alarmnotify.NewTemplate(cfg.AlarmNotifyTemplate)
		if err != nil {
			logger.Fatalf("alarm notify template error: %v", err)
		}
		channel, err := alarmnotify.NewWebhookChannel(cfg.AlarmWebhookURL, alarmnotify.WithHTTPClient(&http.Client{Timeout: cfg.AlarmNotifyTimeout}))
		if err != nil {
			logger.Fatalf("alarm webhook error: %v", err)
		}
		webhookNotifier, err = alarmnotify.NewNotifier(alarmService, channel, tpl,
			alarmnotify.WithDeviceReader(registry),
			alarmnotify.WithCooldown(cfg.AlarmNotifyCooldown),
			alarmnotify.WithDedupeWindow(cfg.AlarmNotifyDedupeWindow),
			alarmnotify.WithReportURLResolver(buildAlarmReportResolver(cfg.AlarmReportBaseURL)),
			alarmnotify.WithLogger(logger),
		)
		if err != nil {
			logger.Fatalf("alarm notifier error: %v", err)
		}
		multiNotifier.Add(webhookNotifier)
	}

	if err := alarmService.LoadRules(plant.RuleList(time.Now().UTC())); err != nil {
		logger.Fatalf("plant rules error: %v", err)
	}
	if ruleRepo != nil {
		stored, err := ruleRepo.LoadAll(ctx)
		if err != nil {
			logger.Fatalf("alarm rules load error: %v", err)
		}
		if err := alarmService.LoadRules(stored); err != nil {
			logger.Fatalf("alarm rules error: %v", err)
		}
		logger.Printf("alarm rules loaded: stored=%d plant=%d", len(stored), len(plant.Rules))
	}

	// Samples reach the alarm engine and the fanout through bounded queues.
	bus := eventbus.NewInMemoryBus()
	alarmConsumer, err := alarminterfaces.NewDataAcquiredConsumer(alarmService)
	if err != nil {
		logger.Fatalf("alarm consumer error: %v", err)
	}
	alarmQueue := eventbus.NewQueue("alarms", cfg.EventQueueSize, alarmConsumer.Consume, logger)
	fanoutQueue := eventbus.NewQueue("realtime", cfg.EventQueueSize, fanout.Consume, logger)
	dataAcquired := eventbus.EventTypeOf[acquisitionevents.DataAcquired]()
	bus.Subscribe(dataAcquired, alarmQueue.Handler())
	bus.Subscribe(dataAcquired, fanoutQueue.Handler())
	bus.Subscribe(eventbus.EventTypeOf[acquisitionevents.PollFailed](), fanoutQueue.Handler())
	bus.Subscribe(eventbus.EventTypeOf[acquisitionevents.RateLimited](), fanoutQueue.Handler())

	// Acquisition.
	driverManager := drivers.NewManager(logger)
	engine, err := acqapp.NewEngine(driverManager,
		acqapp.WithRegistry(registry),
		acqapp.WithSink(sink),
		acqapp.WithPublisher(bus),
		acqapp.WithReadTimeout(cfg.PLCReadTimeout),
		acqapp.WithDefaultInterval(cfg.DefaultPollInterval),
		acqapp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("polling engine error: %v", err)
	}
	plantSync := &connectingEngine{Engine: engine, drivers: driverManager, registry: registry}
	if started, err := plantSync.StartAll(ctx); err != nil {
		logger.Printf("acquisition start error: %v", err)
	} else {
		logger.Printf("acquisition started: devices=%d", started)
	}
	go driverManager.RunHealthChecks(ctx, cfg.DriverHealthInterval)

	// Scheduled jobs.
	jobs := scheduler.New(scheduler.WithLogger(logger))
	jobList := []scheduler.Job{
		scheduler.AcquisitionResyncJob(plantSync, cfg.AcquisitionRestartInterval, logger),
		scheduler.HealthRecoveryJob(plantSync, cfg.HealthCheckInterval, logger),
		scheduler.BufferCleanupJob(plantSync, cfg.BufferCleanupAt, logger),
		scheduler.AlarmSweepJob(alarmService, cfg.AlarmSweepInterval),
	}
	if webhookNotifier != nil {
		jobList = append(jobList, scheduler.NotifierPruneJob(webhookNotifier, 0))
	}
	for _, job := range jobList {
		if err := jobs.Register(job); err != nil {
			logger.Fatalf("scheduler register error: %v", err)
		}
	}
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		jobs.Start(ctx)
	}()

	// HTTP.
	acquisitionOpts := []acqhttp.HandlerOption{
		acqhttp.WithDeviceLookup(registry),
		acqhttp.WithDriverStatus(driverManager),
		acqhttp.WithAuditLogger(auditLog),
		acqhttp.WithLogger(logger),
	}
	if pointRepo != nil {
		acquisitionOpts = append(acquisitionOpts, acqhttp.WithPointReader(pointRepo))
	}
	acquisitionHandler, err := acqhttp.NewHandler(plantSync, acquisitionOpts...)
	if err != nil {
		logger.Fatalf("acquisition handler error: %v", err)
	}
	alarmOpts := []alarmhttp.HandlerOption{
		alarmhttp.WithAuditLogger(auditLog),
		alarmhttp.WithStream(alarmBroker),
		alarmhttp.WithLogger(logger),
	}
	if alarmRepo != nil {
		alarmOpts = append(alarmOpts, alarmhttp.WithArchive(alarmRepo))
	}
	alarmHandler, err := alarmhttp.NewHandler(alarmService, alarmOpts...)
	if err != nil {
		logger.Fatalf("alarm handler error: %v", err)
	}
	schedulerHandler, err := scheduler.NewHandler(jobs, auditLog, logger)
	if err != nil {
		logger.Fatalf("scheduler handler error: %v", err)
	}

	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil))

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler { return loggingMiddleware(next, logger) })
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSOrigin},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	router.Use(authMiddleware.Wrap)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/ws", hub)
	router.Route("/api/v1", func(r chi.Router) {
		acquisitionHandler.Routes(r)
		alarmHandler.Routes(r)
		schedulerHandler.Routes(r)
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutdown requested")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
	engine.StopAll()
	<-schedulerDone
	alarmQueue.Close()
	fanoutQueue.Close()
	driverManager.DisconnectAll(shutdownCtx)
	logger.Printf("shutdown complete")
}

// deviceStore is what main needs from either registry implementation.
type deviceStore interface {
	acquisition.DeviceRegistry
	Device(ctx context.Context, id string) (acquisition.Device, error)
}

// connectingEngine connects drivers for newly registered devices before
// starting their poll loops.
type connectingEngine struct {
	*acqapp.Engine
	drivers  *drivers.Manager
	registry acquisition.DeviceRegistry
}

func (e *connectingEngine) StartAll(ctx context.Context) (int, error) {
	devices, err := e.registry.ListEnabledDevices(ctx)
	if err != nil {
		return 0, err
	}
	e.drivers.ConnectAll(ctx, devices)
	return e.Engine.StartAll(ctx)
}

type appConfig struct {
	DatabaseURL                string
	HTTPAddr                   string
	JWTSecret                  string
	PlantConfig                string
	CORSOrigin                 string
	RedisAddr                  string
	RedisPassword              string
	RedisDB                    int
	RedisPrefix                string
	EventQueueSize             int
	DefaultPollInterval        time.Duration
	PLCReadTimeout             time.Duration
	DriverHealthInterval       time.Duration
	AlarmWebhookURL            string
	AlarmNotifyTemplate        string
	AlarmNotifyCooldown        time.Duration
	AlarmNotifyDedupeWindow    time.Duration
	AlarmNotifyTimeout         time.Duration
	AlarmReportBaseURL         string
	AlarmClearGrace            time.Duration
	AlarmSweepInterval         time.Duration
	HealthCheckInterval        time.Duration
	AcquisitionRestartInterval time.Duration
	BufferCleanupAt            string
	ShutdownTimeout            time.Duration
}

func loadConfig() appConfig {
	cfg := appConfig{
		DatabaseURL:                getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:                   getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:                  getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		PlantConfig:                getenvDefault("PLANT_CONFIG", ""),
		CORSOrigin:                 getenvDefault("CORS_ORIGIN", "http://localhost:5173"),
		RedisAddr:                  getenvDefault("REDIS_ADDR", ""),
		RedisPassword:              getenvDefault("REDIS_PASSWORD", ""),
		RedisDB:                    getenvIntDefault("REDIS_DB", 0),
		RedisPrefix:                getenvDefault("REDIS_CHANNEL_PREFIX", "scada"),
		EventQueueSize:             getenvIntDefault("EVENT_QUEUE_SIZE", 256),
		DefaultPollInterval:        getenvDuration("DEFAULT_POLL_INTERVAL", time.Second),
		PLCReadTimeout:             getenvDuration("PLC_READ_TIMEOUT", 3*time.Second),
		DriverHealthInterval:       getenvDuration("DRIVER_HEALTH_INTERVAL", time.Minute),
		AlarmWebhookURL:            getenvDefault("ALARM_WEBHOOK_URL", ""),
		AlarmNotifyTemplate:        getenvDefault("ALARM_NOTIFY_TEMPLATE", ""),
		AlarmNotifyCooldown:        getenvDuration("ALARM_NOTIFY_COOLDOWN", 0),
		AlarmNotifyDedupeWindow:    getenvDuration("ALARM_NOTIFY_DEDUP_WINDOW", 0),
		AlarmNotifyTimeout:         getenvDuration("ALARM_NOTIFY_TIMEOUT", 5*time.Second),
		AlarmReportBaseURL:         getenvDefault("ALARM_REPORT_BASE_URL", ""),
		AlarmClearGrace:            getenvDuration("ALARM_CLEAR_GRACE", alarmapp.DefaultClearGrace),
		AlarmSweepInterval:         getenvDuration("ALARM_SWEEP_INTERVAL", 10*time.Second),
		HealthCheckInterval:        getenvDuration("HEALTH_CHECK_INTERVAL", 30*time.Minute),
		AcquisitionRestartInterval: getenvDuration("ACQUISITION_RESTART_INTERVAL", 30*time.Minute),
		BufferCleanupAt:            getenvDefault("BUFFER_CLEANUP_AT", "02:00"),
		ShutdownTimeout:            getenvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func buildAlarmReportResolver(baseURL string) alarmnotify.ReportURLResolver {
	if baseURL == "" {
		return nil
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return func(_ context.Context, alarm alarms.Alarm, _ *alarms.AlarmRule) string {
		return baseURL + "/api/v1/alarms/report.pdf?device_id=" + alarm.DeviceID
	}
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
