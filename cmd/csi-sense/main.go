package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/csi-sense/internal/config"
	"github.com/banshee-data/csi-sense/internal/csi"
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
	topologyPath = flag.String("topology", "room.json", "Room topology file or recording directory")
	configPath   = flag.String("config", "", "Tuning config JSON (defaults when empty)")
	listen       = flag.String("listen", ":9381", "UDP address to receive station traffic on")
	debugListen  = flag.String("debug-listen", ":8080", "HTTP address for /debug routes (empty disables)")
	dbPath       = flag.String("db", "csi_results.db", "SQLite results database (empty disables persistence)")
	recordDir    = flag.String("record", "", "Directory to record a replayable archive into")
	showVersion  = flag.Bool("version", false, "Print version and exit")
	logLevel     = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	rcvBuf       = flag.Int("rcvbuf", 4<<20, "UDP receive buffer size in bytes")
	statsEvery   = flag.Duration("stats-interval", time.Minute, "Interval between packet statistics logs")
	mqttBroker   = flag.String("mqtt-broker", "", "MQTT broker URL to publish results to, e.g. tcp://localhost:1883 (empty disables)")
	mqttTopic    = flag.String("mqtt-topic", "csi-sense", "MQTT topic prefix")
	mqttUser     = flag.String("mqtt-user", "", "MQTT username")
	mqttPass     = flag.String("mqtt-password", "", "MQTT password")
	mqttQoS      = flag.Int("mqtt-qos", 0, "MQTT QoS level (0, 1 or 2)")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("csi-sense"))
		return
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Print(version.String("csi-sense"))

	level, err := monitoring.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid -log-level: %v", err)
	}
	monitoring.SetLevel(level)
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	tuning := config.DefaultTuningConfig()
	if *configPath != "" {
		if tuning, err = config.LoadTuningConfig(*configPath); err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
	}
	topo, err := config.LoadTopology(*topologyPath)
	if err != nil {
		log.Fatalf("failed to load topology: %v", err)
	}

	var store pipeline.Store
	var results *sqlite.DB
	if *dbPath != "" {
		results, err = sqlite.Open(*dbPath)
		if err != nil {
			log.Fatalf("failed to open results database: %v", err)
		}
		defer results.Close()
		store = results
	}

	pipe, err := pipeline.FromTopology(topo, tuning, store)
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}

	m := metrics.New()
	stats := m.PacketStats(network.NewPacketStats())
	registry := network.NewRegistry()
	dispatcher := network.NewDispatcher(tuning.GetDispatchWorkers(), tuning.GetDispatchQueueSize(), stats)
	demux := network.NewDemultiplexer(network.DemuxConfig{
		Address:     *listen,
		RcvBuf:      *rcvBuf,
		LogInterval: *statsEvery,
		Stats:       stats,
		Registry:    registry,
		Dispatcher:  dispatcher,
	})
	if err := demux.Listen(); err != nil {
		log.Fatalf("failed to listen on %s: %v", *listen, err)
	}

	links, err := buildLinks(pipe.Stations(), linkDeps{
		sender:     demux,
		registry:   registry,
		dispatcher: dispatcher,
		stats:      stats,
		tuning:     tuning,
	})
	if err != nil {
		log.Fatalf("failed to create station links: %v", err)
	}
	var rec linkEventRecorder
	if results != nil {
		rec = results
	}
	stopWatch := watchLinks(links, rec)
	defer stopWatch()
	stopLinkMetrics := m.ObserveLinks(links)
	defer stopLinkMetrics()
	stopPipeMetrics := m.ObservePipeline(pipe)
	defer stopPipeMetrics()

	detach := pipe.AttachRegistry(registry)
	defer detach()

	var recorder *replay.Recorder
	if *recordDir != "" {
		recorder, err = replay.NewRecorder(*recordDir, topo)
		if err != nil {
			log.Fatalf("failed to start recording: %v", err)
		}
		for _, st := range pipe.Stations() {
			registry.AddConsumer(st.HWAddress, csi.KindCSI, recorder.Consumer(st.HWAddress))
			registry.AddConsumer(st.HWAddress, csi.KindAcceleration, recorder.Consumer(st.HWAddress))
		}
		log.Printf("recording to %s", *recordDir)
	}

	pipe.Estimates().Observe(func(_, e pipeline.Estimate) {
		monitoring.Infof("position (%.0f, %.0f) cm, score %.3f from %d stations", e.Position.X, e.Position.Y, e.Score, e.Stations)
	})
	pipe.Periodicity().Observe(func(_, p pipeline.Periodicity) {
		monitoring.Infof("station %s %s: %.3f Hz (%.1f/min)", p.Station, p.Source, p.FrequencyHz, p.PerMinute())
	})

	hub := publish.NewHub()
	detachHub := hub.AttachPipeline(pipe)
	defer detachHub()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *mqttBroker != "" {
		if *mqttQoS < 0 || *mqttQoS > 2 {
			log.Fatalf("invalid -mqtt-qos %d", *mqttQoS)
		}
		pub, err := publish.ConnectMQTT(publish.MQTTConfig{
			Broker:      *mqttBroker,
			Username:    *mqttUser,
			Password:    *mqttPass,
			TopicPrefix: *mqttTopic,
			QoS:         byte(*mqttQoS),
		})
		if err != nil {
			log.Fatalf("failed to connect to MQTT broker: %v", err)
		}
		detachMQTT := pub.AttachPipeline(pipe)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer pub.Close()
			defer detachMQTT()
			if err := pub.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("MQTT publisher failed: %v", err)
			}
			log.Printf("MQTT publisher stopped: %d published, %d dropped", pub.Published(), pub.Dropped())
		}()
	}

	// The receive loop outlives the signal until every link has unsubscribed.
	recvCtx, stopRecv := context.WithCancel(context.Background())
	defer stopRecv()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := demux.Run(recvCtx); err != nil && err != context.Canceled {
			log.Printf("receive loop failed: %v", err)
		}
		log.Print("receive loop terminated")
	}()

	for _, l := range links {
		l.Subscribe(ctx)
	}
	log.Printf("subscribing to %d stations from %s", len(links), *topologyPath)

	if *debugListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mux := http.NewServeMux()
			registry.AttachAdminRoutes(mux)
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

	<-ctx.Done()
	hub.Close()
	log.Print("unsubscribing from stations...")
	for _, l := range links {
		l.Unsubscribe()
	}
	for _, l := range links {
		l.Wait()
	}
	stopRecv()
	if err := demux.Close(); err != nil {
		log.Printf("failed to close socket: %v", err)
	}
	wg.Wait()
	dispatcher.Close()
	if recorder != nil {
		if err := recorder.Close(); err != nil {
			log.Printf("failed to close recording: %v", err)
		}
		log.Printf("recorded %d frames", recorder.Written())
	}
	log.Printf("Graceful shutdown complete")
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
		if err := server.Close(); err != nil {
			log.Printf("debug server force close error: %v", err)
		}
	}
	log.Printf("debug server stopped")
}
