package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/shinebayar-g/opnsense-docker-automated/config"
	"github.com/shinebayar-g/opnsense-docker-automated/dockerhandler"
	"github.com/shinebayar-g/opnsense-docker-automated/health"
	"github.com/shinebayar-g/opnsense-docker-automated/logger"
	"github.com/shinebayar-g/opnsense-docker-automated/opnsense"
	"github.com/shinebayar-g/opnsense-docker-automated/reconciler"
	"github.com/shinebayar-g/opnsense-docker-automated/tracker"
)

const seedRetryInterval = 10 * time.Second

func main() {
	logger.SetupLogger(os.Getenv("LOG_FORMAT"))
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg, loadErr := config.Load(os.LookupEnv)

	cmd := &cobra.Command{
		Use:   "opnsense-docker-automated",
		Short: "Create OPNsense host overrides and port forwards from Docker container labels",
		Long: `opnsense-docker-automated polls the Docker Engine for running containers and
creates Unbound host overrides for "caddy" labels ending in the local domain and
source NAT rules for "port_forward.<rule>.<property>" labels.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if loadErr != nil {
				log.Error().Err(loadErr).Msg("opnsense-docker-automated: Invalid environment.")
				return loadErr
			}
			if err := cfg.Validate(); err != nil {
				log.Error().Err(err).Msg("opnsense-docker-automated: Invalid configuration.")
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.OPNsenseHost, "opnsense-host", cfg.OPNsenseHost, "OPNsense API host ($OPNSENSE_HOSTNAME)")
	flags.StringVar(&cfg.OPNsenseAPIKey, "opnsense-api-key", cfg.OPNsenseAPIKey, "OPNsense API key ($OPNSENSE_API_KEY)")
	flags.StringVar(&cfg.OPNsenseAPISecret, "opnsense-api-secret", cfg.OPNsenseAPISecret, "OPNsense API secret ($OPNSENSE_API_SECRET)")
	flags.StringVar(&cfg.WANInterface, "wan-interface", cfg.WANInterface, "interface port forwards are created on ($OPNSENSE_WAN_INTERFACE)")
	flags.StringVar(&cfg.LocalIPAddress, "local-ip", cfg.LocalIPAddress, "address host overrides and port forwards point to ($LOCAL_IP_ADDRESS)")
	flags.StringVar(&cfg.LocalDomainSuffix, "local-domain", cfg.LocalDomainSuffix, "hostname suffix that gets a host override ($LOCAL_DOMAIN_SUFFIX)")
	flags.StringVar(&cfg.CAFile, "ca-cert", cfg.CAFile, "CA certificate of the OPNsense API ($CERT_PATH)")
	flags.StringVar(&cfg.ClientCertFile, "client-cert", cfg.ClientCertFile, "TLS client certificate ($CLIENT_CERT_PATH)")
	flags.StringVar(&cfg.ClientKeyFile, "client-key", cfg.ClientKeyFile, "TLS client key ($KEY_PATH)")
	flags.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "skip TLS verification ($OPNSENSE_INSECURE)")
	flags.StringVar(&cfg.RulePrefix, "label-prefix", cfg.RulePrefix, "port forward label prefix ($PORT_FORWARD_LABEL_PREFIX)")
	flags.StringVar(&cfg.HostnameLabel, "hostname-label", cfg.HostnameLabel, "label holding the hostname ($HOSTNAME_LABEL)")
	flags.StringVar(&cfg.ManagedLabel, "managed-label", cfg.ManagedLabel, "only consider containers with this label ($MANAGED_LABEL)")
	flags.DurationVar(&cfg.Interval, "interval", cfg.Interval, "polling interval ($CONTAINER_POLLING_INTERVAL, seconds)")
	flags.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "OPNsense request timeout ($REQUEST_TIMEOUT, seconds)")
	flags.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "health and metrics listen address, empty disables ($HEALTH_ADDR)")

	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	setReady := func() {}
	if cfg.HealthAddr != "" {
		hs := health.NewServer(cfg.HealthAddr, prometheus.DefaultGatherer, log.Logger)
		if err := hs.Start(); err != nil {
			log.Error().Err(err).Msg("opnsense-docker-automated: Couldn't start health server.")
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hs.Shutdown(shutdownCtx)
		}()
		setReady = hs.SetReady
	}
	return reconcileUntilDone(ctx, cfg, setReady)
}

func reconcileUntilDone(ctx context.Context, cfg config.Config, setReady func()) error {
	dockerClient, err := dockerhandler.Connect(ctx)
	if err != nil {
		return ignoreCanceled(err)
	}
	defer dockerClient.Close()

	api, err := opnsense.NewClient(opnsense.Options{
		Host:      cfg.OPNsenseHost,
		APIKey:    cfg.OPNsenseAPIKey,
		APISecret: cfg.OPNsenseAPISecret,
		CAFile:    cfg.CAFile,
		CertFile:  cfg.ClientCertFile,
		KeyFile:   cfg.ClientKeyFile,
		Insecure:  cfg.Insecure,
		Timeout:   cfg.RequestTimeout,
	}, log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("opnsense-docker-automated: Couldn't create OPNsense client.")
		return err
	}

	applied := tracker.New()
	err = wait.PollUntilContextCancel(ctx, seedRetryInterval, true, func(ctx context.Context) (bool, error) {
		if err := api.SeedTracker(ctx, applied); err != nil {
			log.Error().Err(err).Msg("opnsense-docker-automated: Couldn't load existing OPNsense state, retrying.")
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return ignoreCanceled(err)
	}
	setReady()

	inventory := dockerhandler.NewInventory(dockerClient, cfg.ManagedLabel)
	r := reconciler.New(inventory, api, applied, cfg.DesiredSettings(), log.Logger)
	reconciler.NewScheduler(r, cfg.Interval, log.Logger).Run(ctx)

	log.Info().Msg("opnsense-docker-automated: Shutting down...")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("opnsense-docker-automated: Shutting down...")
		return nil
	}
	return err
}
