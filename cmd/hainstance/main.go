package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
	"github.com/neo4j/neo4j-sub063/internal/config"
	"github.com/neo4j/neo4j-sub063/internal/ha"
	"github.com/neo4j/neo4j-sub063/internal/logging"
	"github.com/neo4j/neo4j-sub063/internal/transport"
)

func main() {
	// Command line flags. Flags that are set override the config file.
	configPath := flag.String("config", "", "Path to a YAML config file")
	serverID := flag.Int("id", 0, "Server ID")
	clusterServer := flag.String("cluster", "", "Cluster service address (host:port)")
	haServer := flag.String("ha", "", "HA service address (host:port)")
	initialHosts := flag.String("hosts", "", "Comma-separated cluster addresses of every member, this one included")
	pushFactor := flag.Int("push-factor", -1, "Number of slaves every commit is pushed to")
	pushStrategy := flag.String("push-strategy", "", "Push strategy: fixed, fixed_ascending or round_robin")
	pullInterval := flag.Duration("pull-interval", -1, "Interval of background pulls on slaves, 0 disables them")
	storeDir := flag.String("store", "", "Directory of the transaction log")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn or error")
	statusInterval := flag.Duration("status-interval", 10*time.Second, "Interval of status log lines, 0 disables them")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	if *serverID != 0 {
		cfg.ServerID = *serverID
	}
	if *clusterServer != "" {
		cfg.ClusterServer = *clusterServer
	}
	if *haServer != "" {
		cfg.HAServer = *haServer
	}
	if *initialHosts != "" {
		cfg.InitialHosts = config.ParseHosts(*initialHosts)
	}
	if *pushFactor >= 0 {
		cfg.TxPushFactor = *pushFactor
	}
	if *pushStrategy != "" {
		cfg.TxPushStrategy = config.PushStrategy(*pushStrategy)
	}
	if *pullInterval >= 0 {
		cfg.PullInterval = config.Duration(*pullInterval)
	}
	if *storeDir != "" {
		cfg.StoreDir = *storeDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.New(fmt.Sprintf("instance-%d", cfg.ServerID), cfg.LogLevel)

	client := transport.NewClient(transport.ClientConfig{
		Self:    cluster.InstanceID(cfg.ServerID),
		Timeout: cfg.HeartbeatTimeout.Std(),
		Logger:  logging.Named(logger, "transport"),
	})
	defer client.Close()

	instance, err := ha.NewInstance(*cfg, ha.Options{Network: client, Logger: logger})
	if err != nil {
		log.Fatalf("Failed to create instance: %v", err)
	}

	clusterLis, err := net.Listen("tcp", cfg.ClusterServer)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.ClusterServer, err)
	}
	haLis, err := net.Listen("tcp", cfg.HAServer)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.HAServer, err)
	}

	server := transport.NewServer(instance.ClusterService(), instance.HAService(), logging.Named(logger, "transport"))
	served := make(chan error, 1)
	go func() { served <- server.Serve(clusterLis, haLis) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := instance.Start(ctx); err != nil {
		log.Fatalf("Failed to start instance: %v", err)
	}

	if *statusInterval > 0 {
		go func() {
			ticker := time.NewTicker(*statusInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					logger.Infof("[Status] %v at epoch %d, %d transactions, %d members known", instance.State(),
						instance.Epoch(), instance.LastCommittedTxID(), len(instance.Members()))
				}
			}
		}()
	}

	// Wait for termination signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Infof("[Main] Received %v, shutting down", sig)
	case err := <-served:
		logger.Errorf("[Main] Transport stopped: %v", err)
	}

	cancel()
	server.Stop()
	if err := instance.Stop(); err != nil {
		logger.Errorf("[Main] Error stopping instance: %v", err)
	}

	report, err := instance.Metrics().JSON()
	if err != nil {
		logger.Errorf("[Main] %v", err)
		return
	}
	fmt.Println(string(report))
}
