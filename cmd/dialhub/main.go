package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dialhub/internal/api"
	"dialhub/internal/campaign"
	"dialhub/internal/config"
	"dialhub/internal/database"
	"dialhub/internal/dispatch"
	"dialhub/internal/events"
	"dialhub/internal/kv"
	"dialhub/internal/queue"
	"dialhub/internal/reconcile"
	"dialhub/internal/shutdown"
	"dialhub/internal/slots"
	"dialhub/internal/telephony"
	"dialhub/internal/waitlist"
)

const defaultConfigPath = "/etc/dialhub/dialhub.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart()
	case "status":
		cmdStatus()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Dialhub - Campaign Dial-Dispatch Service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  dialhub start     Run the dispatch worker and API")
	fmt.Println("  dialhub status    Query a running instance")
	fmt.Println()
}

func loadConfig() *config.Config {
	configPath := os.Getenv("DIALHUB_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("[Main] Error loading configuration: %v", err)
		os.Exit(2)
	}
	return cfg
}

// cmdStart wires and runs every service of the worker.
func cmdStart() {
	log.Println("[Main] Dialhub Service v1.0")
	log.Println("[Main] Starting services...")

	cfg := loadConfig()

	dbConn, err := database.NewConnection(database.ConnectionConfig{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		log.Fatalf("[Main] Error connecting to database: %v", err)
	}
	defer dbConn.Close()
	repo := database.NewRepository(dbConn)
	log.Println("[Main] Database connected")

	coord, err := kv.Connect(context.Background(), cfg.KV.URL)
	if err != nil {
		log.Fatalf("[Main] Error connecting to key-value store: %v", err)
	}
	defer coord.Close()
	log.Println("[Main] Key-value store connected")

	d := cfg.Dialer
	tracker := slots.NewTracker(coord,
		time.Duration(d.PreDialLeaseTTLSeconds)*time.Second,
		time.Duration(d.ActiveLeaseTTLSeconds)*time.Second)
	q := queue.New(coord)
	wl := waitlist.NewService(coord)

	hub := events.NewHub()
	hub.Start()

	vendor := telephony.NewClient(cfg.Vendor.BaseURL, cfg.Vendor.APIKey, cfg.Vendor.VendorTimeout())
	breaker := dispatch.NewBreaker(coord, d.CircuitBreakerThreshold,
		time.Duration(d.CircuitCooldownSeconds)*time.Second)
	pipeline := dispatch.NewPipeline(repo, tracker, wl, q, vendor, breaker, hub,
		cfg.Vendor.FromNumber, d.PriorityHighWatermark)

	controller := campaign.NewController(repo, tracker, q, coord, hub,
		time.Duration(d.ColdStartSeconds)*time.Second)

	workers := dispatch.NewWorkers(pipeline, q, d.MaxConcurrentPerWorker)
	workers.Start()

	promoter := waitlist.NewPromoter(coord, tracker, q, wl, repo,
		d.WaitlistAgingMs, d.PromotionBatchSize, 5*time.Second)
	promoter.Start()

	compactor := waitlist.NewCompactor(coord, wl, repo, q,
		time.Duration(d.CompactorIntervalSeconds)*time.Second)
	compactor.Start()

	janitor := reconcile.NewLeaseJanitor(coord, tracker, repo,
		time.Duration(d.JanitorIntervalSeconds)*time.Second)
	janitor.Start()

	ledger := reconcile.NewLedgerReconciler(coord, tracker, q, wl, repo,
		time.Duration(d.LedgerGraceSeconds)*time.Second,
		time.Duration(d.ReconcilerIntervalSeconds)*time.Second)
	ledger.Start()

	queueFix := reconcile.NewQueueReconciler(coord, tracker, q, wl, repo, 30*time.Second)
	queueFix.Start()

	monitor := reconcile.NewInvariantMonitor(coord, tracker, repo,
		time.Duration(d.MonitorIntervalSeconds)*time.Second)
	monitor.Start()

	refresher := campaign.NewRefresher(controller)
	refresher.Start()

	apiServer := api.NewServer(cfg, repo, controller, pipeline, tracker, wl, q, hub)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Fatalf("[Main] Error starting API: %v", err)
		}
	}()

	log.Println("[Main] ========================================")
	log.Printf("[Main] API listening on %s", cfg.API.Address())
	log.Println("[Main] Service started")
	log.Println("[Main] Press Ctrl+C to stop")
	log.Println("[Main] ========================================")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[Main] Stopping service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(d.ShutdownGraceSeconds)*time.Second+15*time.Second)
	defer cancel()

	_ = apiServer.Shutdown(shutdownCtx)

	coordinator := shutdown.NewCoordinator(coord, tracker, q, wl, repo,
		time.Duration(d.ShutdownGraceSeconds)*time.Second,
		workers, promoter, compactor, janitor, ledger, queueFix, monitor, refresher)
	if err := coordinator.Run(shutdownCtx); err != nil {
		log.Printf("[Main] Shutdown incomplete: %v", err)
		hub.Stop()
		os.Exit(1)
	}
	hub.Stop()
}

// cmdStatus queries the health endpoint of a running instance.
func cmdStatus() {
	cfg := loadConfig()

	url := fmt.Sprintf("http://%s/health", cfg.API.Address())
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Printf("Service unreachable: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var health map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Printf("Bad health response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Status:  %v\n", health["status"])
	fmt.Printf("Pending: %v\n", health["pending"])
	fmt.Printf("Active:  %v\n", health["active"])
}
