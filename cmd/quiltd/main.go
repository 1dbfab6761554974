// Command quiltd is the Quilt daemon: it wires the persistent store,
// image cache, network manager, DNS registry, lifecycle engine, and
// cleanup worker together and serves them over the JSON-over-HTTP RPC
// surface, grounded on cmd/warren/main.go's cobra root + OnInitialize
// logging pattern, collapsed from a cluster-init/join command tree
// down to a single "run" path since Quilt is single-host.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/quilt/pkg/api"
	"github.com/cuemby/quilt/pkg/cleanup"
	"github.com/cuemby/quilt/pkg/dns"
	"github.com/cuemby/quilt/pkg/engine"
	"github.com/cuemby/quilt/pkg/events"
	"github.com/cuemby/quilt/pkg/image"
	"github.com/cuemby/quilt/pkg/log"
	"github.com/cuemby/quilt/pkg/namespace"
	"github.com/cuemby/quilt/pkg/network"
	"github.com/cuemby/quilt/pkg/storage"
	"github.com/cuemby/quilt/pkg/volume"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	// A re-exec'd child lands here before cobra ever parses a flag:
	// namespace.StartWithFallback launches this same binary with
	// QUILT_INIT set, already inside the namespaces requested through
	// clone flags, and RunInit prepares the container before execing
	// its command.
	if namespace.IsInitReexec() {
		if err := namespace.RunInit(); err != nil {
			fmt.Fprintf(os.Stderr, "init: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "quiltd",
	Short:   "Quilt container runtime daemon",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("quiltd version %s (%s)\n", Version, Commit))

	flags := rootCmd.Flags()
	flags.String("data-dir", "/var/lib/quilt", "Directory for the store, image layers, and volumes")
	flags.String("run-dir", "/run/quilt", "Directory for re-exec init configs")
	flags.String("http-addr", "127.0.0.1:50051", "JSON-over-HTTP API bind address")
	flags.String("grpc-health-addr", "127.0.0.1:50052", "gRPC health service bind address")
	flags.String("bridge-name", "quilt0", "Linux bridge name")
	flags.String("subnet-cidr", "10.88.0.0/16", "Bridge subnet, addresses .10-.250 are assignable")
	flags.String("gateway-ip", "10.88.0.1", "Bridge gateway address")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "console", "Log format: json or console")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.Flags().GetString("log-level")
	format, _ := rootCmd.Flags().GetString("log-format")

	if v := os.Getenv("QUILT_LOG_FORMAT"); v != "" {
		format = v
	}

	log.Init(log.Config{Level: log.Level(level), Format: log.Format(format)})
}

func runDaemon(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	runDir, _ := cmd.Flags().GetString("run-dir")
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	grpcHealthAddr, _ := cmd.Flags().GetString("grpc-health-addr")
	bridgeName, _ := cmd.Flags().GetString("bridge-name")
	subnetCIDR, _ := cmd.Flags().GetString("subnet-cidr")
	gatewayIP, _ := cmd.Flags().GetString("gateway-ip")

	overlaysDir := dataDir + "/overlays"
	layersDir := dataDir + "/layers"

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	cache := image.NewCache(store, layersDir)
	defer cache.Close()

	coord := events.NewCoordinator()
	registry := dns.NewRegistry()
	if err := registry.Rebuild(store); err != nil {
		log.WithComponent("daemon").Warn().Err(err).Msg("rebuild dns registry")
	}

	netMgr := network.NewManager(network.Config{
		BridgeName: bridgeName,
		SubnetCIDR: subnetCIDR,
		GatewayIP:  gatewayIP,
	}, store, coord, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := netMgr.EnsureBridge(ctx); err != nil {
		log.WithComponent("daemon").Warn().Err(err).Msg("ensure bridge (continuing, networked containers will fail)")
	}

	volMgr, err := volume.NewManager(store, dataDir)
	if err != nil {
		return fmt.Errorf("open volume manager: %w", err)
	}

	queue := cleanup.NewQueue()
	eng := engine.New(engine.Config{RunDir: runDir, OverlaysDir: overlaysDir}, store, cache, netMgr, coord, registry, queue)

	worker := cleanup.NewWorker(queue, store, cache, netMgr, registry, volMgr, overlaysDir)
	go worker.Run(ctx)

	dnsServer := dns.NewServer(registry, fmt.Sprintf("%s:%d", gatewayIP, dns.DefaultPort))
	if err := dnsServer.Start(); err != nil {
		log.WithComponent("daemon").Warn().Err(err).Msg("start dns server (container name resolution will fail)")
	}

	srv := api.NewServer(eng, store, netMgr, registry)

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Start(httpAddr); err != nil {
			errCh <- fmt.Errorf("http api: %w", err)
		}
	}()
	go func() {
		if err := srv.StartGRPCHealth(grpcHealthAddr); err != nil {
			errCh <- fmt.Errorf("grpc health: %w", err)
		}
	}()

	log.WithComponent("daemon").Info().
		Str("http_addr", httpAddr).
		Str("grpc_health_addr", grpcHealthAddr).
		Str("data_dir", dataDir).
		Msg("quiltd ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.WithComponent("daemon").Info().Msg("shutting down")
	case err := <-errCh:
		log.WithComponent("daemon").Error().Err(err).Msg("listener failed")
	}

	cancel()
	srv.Stop()
	if err := dnsServer.Stop(); err != nil {
		log.WithComponent("daemon").Warn().Err(err).Msg("stop dns server")
	}
	return nil
}
