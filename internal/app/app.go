package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"ipthreat/internal/app/bootstrap"
	"ipthreat/internal/app/server"
	"ipthreat/internal/app/version"
	"ipthreat/internal/config"
)

const defaultMetricsAddr = ":9090"

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	log.SetLevel(logLevel(os.Getenv("LOG_LEVEL")))

	settingsFlag := flag.String("settings", config.DefaultSettingsPath, "Path to the settings file")
	addrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Listen address for metrics and health")
	flag.Parse()

	addr := resolveAddr("METRICS_ADDR", "METRICS_PORT", *addrFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services, err := bootstrap.Setup(ctx, *settingsFlag)
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer services.Close()

	log.Info("ipthreat started", "version", version.BuildVersion(), "addr", addr)

	if err := server.Serve(ctx, addr, server.NewRouter(services.Manager)); err != nil {
		return fmt.Errorf("operations server failed: %w", err)
	}
	log.Info("Shutting down")
	return nil
}

func logLevel(raw string) log.Level {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return log.InfoLevel
	}
	level, err := log.ParseLevel(raw)
	if err != nil {
		log.Warn("invalid LOG_LEVEL, using info", "value", raw)
		return log.InfoLevel
	}
	return level
}

// resolveAddr prefers a full address, then a bare port, then fallback.
func resolveAddr(addrEnv, portEnv, fallback string) string {
	if addr := strings.TrimSpace(os.Getenv(addrEnv)); addr != "" {
		return addr
	}
	if port := readPort(portEnv); port != 0 {
		return fmt.Sprintf(":%d", port)
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
