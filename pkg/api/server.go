package api

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghx-ops/console/pkg/api/handlers"
	"github.com/ghx-ops/console/pkg/api/middleware"
	"github.com/ghx-ops/console/pkg/benchmark"
	"github.com/ghx-ops/console/pkg/engine"
	"github.com/ghx-ops/console/pkg/events"
	"github.com/ghx-ops/console/pkg/inspection"
	"github.com/ghx-ops/console/pkg/k8s"
	"github.com/ghx-ops/console/pkg/store"
	"github.com/ghx-ops/console/pkg/watcher"
)

const reapInterval = 1 * time.Hour

// Server owns the fiber app and every long-lived subsystem behind it.
type Server struct {
	cfg      Config
	app      *fiber.App
	bus      *events.Bus
	store    store.Store
	ingester *store.Ingester
	manager  *inspection.Manager
	watcher  *watcher.Watcher
	fsw      *fsnotify.Watcher
	stop     chan struct{}
}

// NewServer wires the orchestrator: catalog, bus, store, ingester, job
// manager, and (in cluster mode) the workload watcher.
func NewServer(cfg Config) (*Server, error) {
	catalog := benchmark.Load()
	bus := events.NewBus()

	st, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	ingester := store.NewIngester(st, bus, cfg.SharedDir, cfg.RetentionDays)
	manager := inspection.NewManager(catalog, engine.Assets{Dir: cfg.AssetDir}, bus)

	s := &Server{
		cfg:      cfg,
		bus:      bus,
		store:    st,
		ingester: ingester,
		manager:  manager,
		stop:     make(chan struct{}),
	}

	if cfg.ClusterMode {
		client, err := k8s.NewClient(cfg.Kubeconfig)
		if err != nil {
			log.Printf("[api] kubernetes client unavailable: %v (watcher will poll without events)", err)
		}
		s.watcher = watcher.New(client, cfg.Namespace, st, ingester, bus)
		go s.watcher.Run()
		s.startArtifactWatch()
	}
	go s.reapLoop()

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: !cfg.DevMode,
	})
	s.routes(catalog)
	return s, nil
}

func (s *Server) routes(catalog *benchmark.Catalog) {
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: s.cfg.CORSOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))
	s.app.Use(requestLogger())

	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := s.app.Group("/api")
	if s.cfg.JWTSecret != "" {
		api.Use(middleware.JWTAuth(s.cfg.JWTSecret))
	}

	inspectionHandlers := handlers.NewInspectionHandlers(s.manager, func() {
		metricJobsCreated.Inc()
	})
	api.Post("/gpu-inspection/create-job", inspectionHandlers.CreateJob)
	api.Get("/gpu-inspection/jobs", inspectionHandlers.ListJobs)
	api.Get("/gpu-inspection/job/:jobId", inspectionHandlers.GetJob)
	api.Post("/gpu-inspection/stop-job/:jobId", inspectionHandlers.StopJob)
	api.Post("/gpu-inspection/multi-node-nccl", inspectionHandlers.CreateMultiNodeTest)
	api.Get("/gpu-inspection/multi-node-nccl/:testId", inspectionHandlers.GetMultiNodeTest)

	sshHandlers := handlers.NewSSHHandlers(inspection.OpenSSHSession, catalog)
	api.Post("/ssh/test-connection", sshHandlers.TestConnection)
	api.Post("/ssh/check-commands", sshHandlers.CheckCommands)

	benchmarkHandlers := handlers.NewBenchmarkHandlers(catalog)
	api.Get("/config/gpu-benchmarks", benchmarkHandlers.GetBenchmarks)

	resultsHandlers := handlers.NewResultsHandlers(s.store, s.ingester, s.watcher, func(count int) {
		metricArtifactsIngested.Add(float64(count))
	})
	api.Get("/diagnostic/jobs", resultsHandlers.ListJobs)
	api.Get("/diagnostic/jobs/:jobId", resultsHandlers.GetJob)
	api.Get("/diagnostic/results", resultsHandlers.ListResults)
	api.Post("/diagnostic/ingest", resultsHandlers.TriggerIngest)
	api.Post("/diagnostic/jobs/:jobId/cancel", resultsHandlers.CancelJob)
	api.Delete("/diagnostic/jobs/:jobId", resultsHandlers.DeleteJob)

	eventHandlers := handlers.NewEventHandlers(s.bus)
	api.Get("/events/stream", eventHandlers.Stream)
	api.Use("/events/ws", handlers.WebsocketUpgrade())
	api.Get("/events/ws", eventHandlers.Websocket())
}

func requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		log.Printf("[api] %s %s -> %d (%s)", c.Method(), c.Path(), c.Response().StatusCode(), time.Since(start).Round(time.Millisecond))
		return err
	}
}

// startArtifactWatch triggers ingestion whenever a new artifact lands on the
// shared volume. Missing directories degrade to the watcher's polling.
func (s *Server) startArtifactWatch() {
	manualDir := filepath.Join(s.cfg.SharedDir, store.ManualSubdir)
	if err := os.MkdirAll(manualDir, 0o755); err != nil {
		log.Printf("[api] cannot create %s: %v", manualDir, err)
		return
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[api] fsnotify unavailable: %v", err)
		return
	}
	if err := fsw.Add(manualDir); err != nil {
		fsw.Close()
		log.Printf("[api] cannot watch %s: %v", manualDir, err)
		return
	}
	s.fsw = fsw
	log.Printf("[api] watching %s for artifacts", manualDir)

	go func() {
		for {
			select {
			case <-s.stop:
				return
			case event, okCh := <-fsw.Events:
				if !okCh {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				if !strings.HasSuffix(event.Name, ".json") {
					continue
				}
				if n, err := s.ingester.IngestManual(); err != nil {
					log.Printf("[api] ingest after %s failed: %v", filepath.Base(event.Name), err)
				} else if n > 0 {
					metricArtifactsIngested.Add(float64(n))
				}
			case err, okCh := <-fsw.Errors:
				if !okCh {
					return
				}
				log.Printf("[api] fsnotify error: %v", err)
			}
		}
	}()
}

func (s *Server) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.ingester.Reap()
			if _, err := s.ingester.IngestCron(); err != nil {
				log.Printf("[api] cron ingest failed: %v", err)
			}
		}
	}
}

// App exposes the fiber app, for tests.
func (s *Server) App() *fiber.App { return s.app }

// Start listens until Shutdown.
func (s *Server) Start() error {
	metricEventSubscribers.Set(0)
	go s.trackSubscribers()
	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Port))
}

func (s *Server) trackSubscribers() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			metricEventSubscribers.Set(float64(s.bus.SubscriberCount()))
		}
	}
}

// Shutdown stops the subsystems and the listener.
func (s *Server) Shutdown() error {
	close(s.stop)
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.fsw != nil {
		s.fsw.Close()
	}
	s.bus.Close()
	if err := s.app.Shutdown(); err != nil {
		return err
	}
	return s.store.Close()
}
