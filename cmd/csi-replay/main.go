package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/csi-sense/internal/config"
	"github.com/banshee-data/csi-sense/internal/metrics"
	"github.com/banshee-data/csi-sense/internal/monitoring"
	"github.com/banshee-data/csi-sense/internal/network"
	"github.com/banshee-data/csi-sense/internal/pipeline"
	"github.com/banshee-data/csi-sense/internal/publish"
	"github.com/banshee-data/csi-sense/internal/replay"
	"github.com/banshee-data/csi-sense/internal/storage/sqlite"
	"github.com/banshee-data/csi-sense/internal/version"
)

var (
	archiveDir    = flag.String("archive", "", "Recording directory holding room.json and capture files")
	configPath    = flag.String("config", "", "Tuning config JSON (defaults when empty)")
	dbPath        = flag.String("db", "", "SQLite results database (empty disables persistence)")
	debugListen   = flag.String("debug-listen", "", "HTTP address for /debug routes (empty disables)")
	showVersion   = flag.Bool("version", false, "Print version and exit")
	logLevel      = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	group         = flag.Int("group", 0, "Frames released together per station (0 uses the tuning config)")
	progressEvery = flag.Duration("progress-interval", 5*time.Second, "Interval between progress logs")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("csi-replay"))
		return
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Print(version.String("csi-replay"))

	level, err := monitoring.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid -log-level: %v", err)
	}
	monitoring.SetLevel(level)
	if *archiveDir == "" {
		log.Fatal("-archive is required")
	}

	tuning := config.DefaultTuningConfig()
	if *configPath != "" {
		if tuning, err = config.LoadTuningConfig(*configPath); err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
	}

	archive, err := replay.LoadArchive(*archiveDir)
	if err != nil {
		log.Fatalf("failed to load archive: %v", err)
	}

	var store pipeline.Store
	var results *sqlite.DB
	if *dbPath != "" {
		if results, err = sqlite.Open(*dbPath); err != nil {
			log.Fatalf("failed to open results database: %v", err)
		}
		defer results.Close()
		store = results
	}

	pipe, err := pipeline.FromTopology(archive.Topology, tuning, store)
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}
	var periodicity []pipeline.Periodicity
	var mu sync.Mutex
	pipe.Periodicity().Observe(func(_, p pipeline.Periodicity) {
		mu.Lock()
		periodicity = append(periodicity, p)
		mu.Unlock()
		monitoring.Infof("station %s %s: %.3f Hz (%.1f/min)", p.Station, p.Source, p.FrequencyHz, p.PerMinute())
	})

	m := metrics.New()
	stopMetrics := m.ObservePipeline(pipe)
	defer stopMetrics()
	hub := publish.NewHub()
	detachHub := hub.AttachPipeline(pipe)
	defer detachHub()

	dispatcher := network.NewDispatcher(tuning.GetDispatchWorkers(), tuning.GetDispatchQueueSize(), m.PacketStats(nil))
	cfg := replay.ConfigFromTuning(tuning)
	if *group > 0 {
		cfg.GroupThreshold = *group
	}
	cfg.Submitter = dispatcher
	engine := replay.NewEngine(archive.Topology, archive.Frames, cfg)
	if err := pipe.AttachReplay(engine); err != nil {
		log.Fatalf("failed to attach pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if *debugListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mux := http.NewServeMux()
			pipe.AttachAdminRoutes(mux)
			m.AttachAdminRoutes(mux)
			hub.AttachAdminRoutes(mux)
			if results != nil {
				if err := results.AttachAdminRoutes(mux); err != nil {
					log.Printf("failed to attach database routes: %v", err)
				}
			}
			serveDebug(ctx, *debugListen, mux)
		}()
	}

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("failed to start replay: %v", err)
	}
	log.Printf("replaying %d frames from %s", archive.Len(), *archiveDir)

	ticker := time.NewTicker(*progressEvery)
	func() {
		defer ticker.Stop()
		for {
			select {
			case <-engine.Done():
				return
			case <-ticker.C:
				log.Printf("replay %s", engine.Progress())
			}
		}
	}()
	stop()
	hub.Close()
	wg.Wait()
	// Let queued groups drain before summarising.
	dispatcher.Close()

	if err := engine.Err(); err != nil && err != context.Canceled {
		log.Printf("replay stopped: %v", err)
	}
	log.Printf("replay %s", engine.Progress())
	mu.Lock()
	fmt.Print(summary(periodicity, pipe))
	mu.Unlock()
}

// summary reports the last periodicity per station and source, and the last
// position estimate.
func summary(results []pipeline.Periodicity, pipe *pipeline.Pipeline) string {
	last := make(map[string]pipeline.Periodicity)
	for _, r := range results {
		last[r.Station+" "+r.Source] = r
	}
	keys := make([]string, 0, len(last))
	for k := range last {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := fmt.Sprintf("%d periodicity estimates\n", len(results))
	for _, k := range keys {
		r := last[k]
		out += fmt.Sprintf("  %s %s: %.3f Hz (%.1f/min) over %d samples\n", r.Station, r.Source, r.FrequencyHz, r.PerMinute(), r.Samples)
	}
	if e, ok := pipe.LastEstimate(); ok {
		out += fmt.Sprintf("last position (%.0f, %.0f) cm, score %.3f from %d stations\n", e.Position.X, e.Position.Y, e.Score, e.Stations)
	} else {
		out += "no position estimate\n"
	}
	return out
}

// serveDebug runs an HTTP server on addr until ctx is done.
func serveDebug(ctx context.Context, addr string, mux *http.ServeMux) {
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start debug server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("debug server shutdown error: %v", err)
	}
}
