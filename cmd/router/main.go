// Package main provides the CLI entry point for the SOCKS5 packet router.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/badscrew/selfproxy-sub003/internal/config"
	"github.com/badscrew/selfproxy-sub003/internal/logging"
	"github.com/badscrew/selfproxy-sub003/internal/metrics"
	"github.com/badscrew/selfproxy-sub003/internal/router"
	"github.com/badscrew/selfproxy-sub003/internal/setupwizard"
	"github.com/badscrew/selfproxy-sub003/internal/tun"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "selfproxy-router",
		Short:   "Tunnel TUN-device IPv4 traffic through a SOCKS5 proxy",
		Version: Version,
	}

	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long:  "Run an interactive wizard to produce a router configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed := config.Default()
			if existing, err := config.Load(configPath); err == nil {
				seed = existing
			}

			cfg, err := setupwizard.Run(seed)
			if err != nil {
				return fmt.Errorf("setup wizard failed: %w", err)
			}

			data := []byte(cfg.String())
			if err := os.WriteFile(configPath, data, 0o644); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Printf("Configuration written to %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to write the configuration file")
	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the packet router",
		Long:  "Start the router against a local TUN device and the configured SOCKS5 proxy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runRouter(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	return cmd
}

func runRouter(cfg *config.Config) error {
	log := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	socksAddr, err := netip.ParseAddrPort(cfg.SOCKS5.Address)
	if err != nil {
		return fmt.Errorf("invalid socks5.address %q: %w", cfg.SOCKS5.Address, err)
	}

	var dnsResolver netip.AddrPort
	if cfg.DNS.Resolver != "" {
		dnsResolver, err = netip.ParseAddrPort(cfg.DNS.Resolver)
		if err != nil {
			return fmt.Errorf("invalid dns.resolver %q: %w", cfg.DNS.Resolver, err)
		}
	}

	m := metrics.NewMetrics()
	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Address, log)
	}

	// A real OS TUN device is out of scope here; the loopback device
	// lets the router run end to end against injected traffic.
	dev := tun.NewLoopbackDevice(256)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := router.New(ctx, router.Config{
		SocksAddr:   socksAddr,
		DNSResolver: dnsResolver,
		Username:    cfg.SOCKS5.Username,
		Password:    cfg.SOCKS5.Password,
		Logger:      log,
		Metrics:     m,
		TCPCap:      cfg.Table.TCPCapacity,
		UDPCap:      cfg.Table.UDPCapacity,
	}, dev)
	if err != nil {
		return fmt.Errorf("failed to start router: %w", err)
	}

	fmt.Printf("Router running. TUN: loopback, SOCKS5 proxy: %s\n", cfg.SOCKS5.Address)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := handle.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	printStats(handle.Stats())
	return nil
}

func serveMetrics(addr string, log interface{ Error(string, ...any) }) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "reason", err.Error())
	}
}

func printStats(s router.Stats) {
	p := message.NewPrinter(language.English)
	p.Printf("TCP flows:  %d total, %d active\n", s.TCPTotal, s.TCPActive)
	p.Printf("UDP flows:  %d total, %d active\n", s.UDPTotal, s.UDPActive)
	fmt.Printf("Bytes in:   %s\n", humanize.Bytes(s.BytesInTotal))
	fmt.Printf("Bytes out:  %s\n", humanize.Bytes(s.BytesOutTotal))
}
