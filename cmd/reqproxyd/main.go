// Package main provides reqproxyd, the standalone Request Proxy process:
// it wires one Broker Adapter, one Serializer Registry, and one or more
// Handlers behind a single Proxy instance, driven by a YAML config file.
//
// Configuration Loading Strategy:
// 1. Command line argument: uses the specified config file path
// 2. Default file: attempts to load config/reqproxy.yaml
// 3. Hardcoded defaults: falls back to built-in configuration
//
// Called by: Operating system process execution (container entrypoint, systemd unit)
// Calls: proxy.Load, broker.NewTCPBrokerServer/NewTCPAdapter, proxy.NewProxy
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"net/http"

	"github.com/castlemq/reqproxy/internal/broker"
	"github.com/castlemq/reqproxy/internal/metrics"
	"github.com/castlemq/reqproxy/internal/proxy"
	"github.com/castlemq/reqproxy/internal/serializer"
)

func main() {
	var cfg *proxy.Config
	var configSource string

	if len(os.Args) >= 2 {
		configFile := os.Args[1]
		loadedCfg, err := proxy.Load(configFile)
		if err != nil {
			log.Fatalf("Failed to load config from %s: %v", configFile, err)
		}
		cfg = loadedCfg
		configSource = fmt.Sprintf("config file: %s", configFile)
	} else if _, err := os.Stat("config/reqproxy.yaml"); err == nil {
		loadedCfg, err := proxy.Load("config/reqproxy.yaml")
		if err != nil {
			log.Printf("Warning: config/reqproxy.yaml exists but failed to load: %v", err)
			log.Printf("Using hardcoded defaults instead")
			cfg = getDefaultConfig()
			configSource = "hardcoded defaults (config/reqproxy.yaml failed to parse)"
		} else {
			cfg = loadedCfg
			configSource = "config/reqproxy.yaml (default)"
		}
	} else {
		log.Printf("No config file specified and config/reqproxy.yaml not found")
		cfg = getDefaultConfig()
		configSource = "hardcoded defaults"
	}

	log.Printf("Starting reqproxyd using %s", configSource)
	if cfg.Debug {
		log.Printf("Debug enabled for app: %s", cfg.AppName)
	}

	registry, err := serializer.NewRegistry(serializer.JSON{}, serializer.MsgPack{})
	if err != nil {
		log.Fatalf("Failed to build serializer registry: %v", err)
	}

	sink := metrics.NewSink(prometheus.DefaultRegisterer, "reqproxy")
	go serveMetrics(":9102")

	brokerAddr := ":9101"
	server := broker.NewTCPBrokerServer(brokerAddr, cfg.Debug)
	if err := server.Start(); err != nil {
		log.Fatalf("Failed to start broker relay: %v", err)
	}
	defer server.Stop()
	time.Sleep(50 * time.Millisecond)

	adapter := broker.NewTCPAdapter(brokerAddr, cfg.Debug)

	p, err := proxy.NewProxy(cfg, adapter, registry, sink)
	if err != nil {
		log.Fatalf("Failed to construct proxy: %v", err)
	}

	onConnected := proxy.ConnectionListenerFunc(func() { log.Printf("reqproxyd: broker connection established") })
	onClosed := proxy.CloseListenerFunc(func() { log.Printf("reqproxyd: broker connection closed") })
	p.AddConnectionListener(&onConnected)
	p.AddCloseListener(&onClosed)

	if err := p.Start(); err != nil {
		log.Fatalf("Failed to start proxy: %v", err)
	}

	if err := p.Listen("reqproxy.echo", proxy.HandlerFunc(echoHandler)); err != nil {
		log.Fatalf("Failed to listen on reqproxy.echo: %v", err)
	}

	log.Printf("reqproxyd started: %s (broker relay on %s, metrics on :9102)", cfg.AppName, brokerAddr)
	log.Printf("max_concurrent_calls=%d max_message_size_bytes=%d", cfg.MaxConcurrentCalls, cfg.MaxMessageSizeBytes)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal: %s, shutting down...", sig)

	if err := p.Stop(); err != nil {
		log.Printf("Error during proxy shutdown: %v", err)
	}
	log.Println("reqproxyd stopped")
}

// echoHandler is the built-in demonstration Handler: it deserializes the
// request into a generic map and sends it straight back as the response.
func echoHandler(ctx context.Context, req proxy.RawRequest, sink proxy.ResponseSink) {
	var body map[string]interface{}
	if err := req.Deserialize(&body); err != nil {
		sink.ReportError("deserialize-failed", err.Error())
		return
	}
	if err := sink.SendResponse(body); err != nil {
		sink.ReportError("transport", err.Error())
		return
	}
	sink.EndOfStream()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics server stopped: %v", err)
	}
}

// getDefaultConfig returns hardcoded default configuration for reqproxyd.
//
// This fallback configuration is used when:
// - No command line config file is specified
// - config/reqproxy.yaml is not found in current directory
// - config/reqproxy.yaml exists but contains parsing errors
func getDefaultConfig() *proxy.Config {
	cfg := &proxy.Config{
		AppName:              "reqproxyd-default",
		Debug:                true,
		MaxConcurrentCalls:   64,
		MaxMessageSizeBytes:  1 << 20,
		DefaultCallTimeoutMS: 30_000,
		UploadTimeoutMS:      60_000,
		SweepIntervalMS:      10_000,
		ProtocolVersion:      1,
		Serializer:           "json",
	}
	return cfg
}
