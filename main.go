package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iptv-mux/work/admission"
	"iptv-mux/work/buffer"
	"iptv-mux/work/client"
	"iptv-mux/work/config"
	"iptv-mux/work/database"
	"iptv-mux/work/handlers"
	"iptv-mux/work/logger"
	muxstream "iptv-mux/work/mux"
)

var mainLog = logger.Scope("main")

var (
	Version = "v0.1.0" // default version
)

func main() {

	// load our config
	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)
	mainLog.Info("Starting iptv-mux %s on %s", Version, cfg.ListenAddr)

	clk := clock.New()

	// open the session database
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		mainLog.Error("Failed to open database at %s: %v", cfg.DatabasePath, err)
		os.Exit(1)
	}
	defer db.Close()

	// admission layer over the database
	adm, err := admission.NewManager(cfg, db, clk)
	if err != nil {
		mainLog.Error("Failed to create admission manager: %v", err)
		os.Exit(1)
	}

	// worker pool for async maintenance (credential release, stale sweeps)
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		mainLog.Error("Failed to create worker pool: %v", err)
		os.Exit(1)
	}
	defer workerPool.Release()

	bufferPool := buffer.NewBufferPool(cfg.ChunkSize)
	httpClient := client.NewHeaderSettingClient(cfg)

	// stream registry; credential release rides the worker pool so stream
	// teardown never blocks on the database
	registry := muxstream.NewRegistry(cfg, clk, httpClient, bufferPool,
		func(s *muxstream.SharedStream) {
			token := s.SessionToken
			if token == "" {
				return
			}
			if err := workerPool.Submit(func() { adm.ReleaseConnection(token) }); err != nil {
				adm.ReleaseConnection(token)
			}
		},
		func(s *muxstream.SharedStream) {
			token := s.SessionToken
			if token == "" {
				return
			}
			if err := workerPool.Submit(func() { adm.UpdateActivity(token) }); err != nil {
				adm.UpdateActivity(token)
			}
		},
	)
	registry.Start()

	// background stale-session sweep for sessions whose owner crashed
	maintStop := make(chan struct{})
	go func() {
		ticker := clk.Ticker(cfg.StaleSessionTimeout)
		defer ticker.Stop()
		for {
			select {
			case <-maintStop:
				return
			case <-ticker.C:
				if err := adm.CleanupStaleConnections(0, cfg.StaleSessionTimeout); err != nil {
					mainLog.Warn("Stale session sweep failed: %v", err)
				}
			}
		}
	}()

	app := handlers.NewApp(cfg, registry, adm, httpClient, clk)

	// Setup HTTP routes
	router := mux.NewRouter()

	// Stream endpoints: raw transport stream and HLS playlist variants
	router.HandleFunc("/stream/{account}/{stream}.ts", app.HandleStream("ts")).Methods("GET")
	router.HandleFunc("/stream/{account}/{stream}.m3u8", app.HandleStream("m3u8")).Methods("GET")

	// Prometheus metrics
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Admin API
	setupAdminRoutes(router, app)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		mainLog.Info("Listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mainLog.Error("Server failed: %v", err)
			os.Exit(1)
		}
	}()

	// graceful shutdown on SIGINT/SIGTERM
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	mainLog.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		mainLog.Warn("Server shutdown: %v", err)
	}

	close(maintStop)
	registry.Stop()
	mainLog.Info("Shutdown complete")
}
