// cmd/merklekv-node is the node binary: an MQTT-connected MerkleKV replica.
//
// Configuration is flags > env > an optional YAML file > defaults, matching
// the teacher's single-binary flag-driven startup (cmd/server/main.go)
// generalized to MerkleKV's full configuration surface.
//
// Example:
//
//	./merklekv-node --config node1.yaml --mqtt-host broker.local --id node1
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/merklekv/merklekv/internal/adminhttp"
	"github.com/merklekv/merklekv/internal/config"
	"github.com/merklekv/merklekv/internal/node"
	"github.com/merklekv/merklekv/internal/telemetry"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	defaults := config.Default()

	configPath := flag.String("config", "", "Optional YAML config file (flags/env still override it)")
	mqttHost := flag.String("mqtt-host", envOr("MERKLEKV_MQTT_HOST", defaults.MQTTHost), "MQTT broker host")
	mqttPort := flag.Int("mqtt-port", envOrInt("MERKLEKV_MQTT_PORT", defaults.MQTTPort), "MQTT broker port")
	tlsEnabled := flag.Bool("tls", false, "Enable TLS to the broker")
	username := flag.String("username", envOr("MERKLEKV_USERNAME", ""), "MQTT username")
	password := flag.String("password", envOr("MERKLEKV_PASSWORD", ""), "MQTT password")
	clientID := flag.String("client-id", envOr("MERKLEKV_CLIENT_ID", ""), "This device's MQTT client_id")
	nodeID := flag.String("id", envOr("MERKLEKV_NODE_ID", ""), "Unique node identifier")
	topicPrefix := flag.String("topic-prefix", envOr("MERKLEKV_TOPIC_PREFIX", defaults.TopicPrefix), "Canonical MQTT topic prefix")
	dataDir := flag.String("data-dir", envOr("MERKLEKV_DATA_DIR", ""), "Persistence directory (empty disables durability)")
	replicationAccess := flag.String("replication-access", string(defaults.ReplicationAccess), "none|read|read_write")
	isController := flag.Bool("controller", false, "Grant this node controller privileges")
	adminAddr := flag.String("admin-addr", envOr("MERKLEKV_ADMIN_ADDR", ":8080"), "Admin HTTP listen address")
	logLevel := flag.String("log-level", envOr("MERKLEKV_LOG_LEVEL", "info"), "Log level")
	logPretty := flag.Bool("log-pretty", false, "Use a human-readable console log writer instead of JSON")
	flag.Parse()

	log := telemetry.NewLogger(*logLevel, *logPretty)

	cfg := defaults
	if *configPath != "" {
		loaded, err := config.LoadYAML(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load config file")
		}
		cfg = loaded
	}

	cfg.MQTTHost = *mqttHost
	cfg.MQTTPort = *mqttPort
	cfg.TLSEnabled = cfg.TLSEnabled || *tlsEnabled
	if *username != "" {
		cfg.Username = *username
	}
	if *password != "" {
		cfg.Password = *password
	}
	if *clientID != "" {
		cfg.ClientID = *clientID
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	cfg.TopicPrefix = *topicPrefix
	cfg.PersistencePath = *dataDir
	cfg.ReplicationAccess = config.ReplicationAccess(*replicationAccess)
	cfg.IsController = cfg.IsController || *isController

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	reg := prometheus.NewRegistry()
	n, err := node.New(cfg, log, reg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct node")
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout())
	if err := n.Start(startCtx); err != nil {
		startCancel()
		log.Fatal().Err(err).Msg("failed to start node")
	}
	startCancel()
	log.Info().Str("node_id", cfg.NodeID).Str("client_id", cfg.ClientID).Msg("node ready")

	gin.SetMode(gin.ReleaseMode)
	ginEngine := gin.New()
	ginEngine.Use(adminhttp.Logger(log), adminhttp.Recovery(log))
	adminhttp.NewHandler(n.Store(), reg, cfg.NodeID).Register(ginEngine)
	adminSrv := &http.Server{
		Addr:         *adminAddr,
		Handler:      ginEngine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin HTTP server error")
		}
	}()
	fmt.Fprintf(os.Stderr, "merklekv-node %s listening for admin HTTP on %s\n", cfg.NodeID, *adminAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("admin HTTP shutdown error")
	}
	n.Stop()
}
