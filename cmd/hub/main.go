// Command hub runs the telemetry hub: it subscribes to the engine's frame
// feed, merges in IMU data from the configured sensor sources, and fans the
// merged frames out to persistence and the console display.
//
// The operator command channel (module load/unload, color commands) is a
// separate request/reply client and is not part of this process; the hub
// only consumes the published frame stream.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jugglehub/hub/internal/hub"
	"github.com/jugglehub/hub/internal/imu"
	"github.com/jugglehub/hub/internal/receiver"
	"github.com/jugglehub/hub/internal/storage"
	"github.com/jugglehub/hub/internal/telemetry"
)

var (
	endpoint      = flag.String("endpoint", receiver.DefaultEndpoint, "Engine pub/sub endpoint")
	imuAddresses  = flag.String("imu-addresses", "", "Comma-separated sensor source addresses (empty disables IMU)")
	imuPort       = flag.Int("imu-port", imu.DefaultPort, "Sensor source websocket port")
	dbPath        = flag.String("db", "jugglehub.db", "Path to the sqlite database file")
	noLogging     = flag.Bool("no-logging", false, "Disable database logging")
	noDisplay     = flag.Bool("no-display", false, "Disable the console display")
	statsInterval = flag.Duration("stats-interval", time.Minute, "Receiver throughput log interval")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sources []string
	if *imuAddresses != "" {
		for _, addr := range strings.Split(*imuAddresses, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				sources = append(sources, addr)
			}
		}
	}

	var logger *storage.SessionLogger
	if !*noLogging {
		var err error
		logger, err = storage.Open(storage.Config{Path: *dbPath})
		if err != nil {
			log.Fatalf("failed to open storage: %v", err)
		}
		defer logger.Close()
	}

	aggregator := imu.New(imu.Config{Addresses: sources, Port: *imuPort})
	rcv := receiver.New(receiver.Config{Endpoint: *endpoint, StatsInterval: *statsInterval})

	loop := hub.New(hub.Config{IMU: aggregator})
	if logger != nil {
		loop.AddObserver("storage", func(f *telemetry.Frame) {
			if err := logger.LogFrame(f); err != nil {
				log.Printf("failed to log frame %d: %v", f.Sequence, err)
			}
		})
	}
	if !*noDisplay {
		display := newConsoleDisplay()
		loop.AddObserver("display", display.Update)
	}
	rcv.AddObserver(loop.HandleFrame)

	if err := rcv.Start(); err != nil {
		log.Fatalf("failed to start receiver: %v", err)
	}
	aggregator.Start()
	loop.Start()
	log.Printf("hub running: endpoint=%s, %d IMU sources, logging=%t", *endpoint, len(sources), logger != nil)

	<-ctx.Done()
	log.Print("shutting down")

	rcv.Stop()
	aggregator.Stop()
	loop.Stop()
}
