package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/risa-org/gamelink/client"
	"github.com/risa-org/gamelink/config"
	"github.com/risa-org/gamelink/host"
	"github.com/risa-org/gamelink/logging"
	"github.com/risa-org/gamelink/metrics"
	"github.com/risa-org/gamelink/status"
	"github.com/risa-org/gamelink/store/file"
	"github.com/risa-org/gamelink/store/memory"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func runCmd(configPath *string) *cobra.Command {
	var statusAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and serve the control service until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if statusAddr != "" {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Listen = statusAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&statusAddr, "status", "", "serve /healthz, /status and /metrics on this address")
	return cmd
}

// shutdownGrace is how long a console shutdown waits before stopping, so
// the command's response can still be sent.
var shutdownGrace = 2 * time.Second

type shutdownNotifier interface {
	ShutdownRequested() <-chan struct{}
}

func run(ctx context.Context, cfg *config.Config) error {
	log, closer, err := logging.New(cfg.Logging, logging.NewInstanceID())
	if err != nil {
		return err
	}
	defer closer.Close()

	world, err := openHost(cfg.Host)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if sn, ok := world.(shutdownNotifier); ok {
		go func() {
			select {
			case <-sn.ShutdownRequested():
			case <-ctx.Done():
				return
			}
			log.WithField("grace", shutdownGrace).Info("Shutdown requested from the console")
			select {
			case <-time.After(shutdownGrace):
			case <-ctx.Done():
			}
			cancel()
		}()
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	c := client.New(cfg, world,
		client.WithLogger(log),
		client.WithMetrics(m),
	)
	if err := c.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		srv := status.New(c, m.Gatherer(), log.WithField("component", "status"))
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.Metrics.Listen)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Connection.CloseTimeout+5*time.Second)
		defer cancel()
		return c.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if fs, ok := world.(*file.Store); ok {
		if ferr := fs.Flush(); ferr != nil {
			log.WithError(ferr).Warn("Failed to save world")
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openHost builds the world the link answers from. The memory backend
// starts empty on every run; the file backend keeps it between runs.
func openHost(cfg config.Host) (host.Host, error) {
	switch cfg.Backend {
	case "", "memory":
		return memory.New(), nil
	case "file":
		s, err := file.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open world %s: %w", cfg.Path, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown host backend %q", cfg.Backend)
	}
}

func checkCmd(configPath *string) *cobra.Command {
	var dial bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and optionally try one connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "identityToken: %s\n", cfg.IdentityToken)
			fmt.Fprintf(out, "websocketUrl:  %s\n", cfg.WebsocketURL)
			fmt.Fprintf(out, "transport:     %s\n", cfg.Transport)
			if !cfg.HasGameServerID() {
				fmt.Fprintln(out, "gameServerId:  not set")
			} else {
				fmt.Fprintf(out, "gameServerId:  %s\n", cfg.GameServerID)
			}
			if !dial {
				return nil
			}
			return dialOnce(cmd.Context(), cfg, out)
		},
	}
	cmd.Flags().BoolVar(&dial, "dial", false, "connect and identify once, then disconnect")
	return cmd
}

// dialOnce makes a single connection attempt without reconnecting.
func dialOnce(ctx context.Context, cfg *config.Config, out io.Writer) error {
	log := logrus.New()
	log.Out = os.Stderr
	log.Level = logrus.WarnLevel

	c := client.New(cfg, memory.New(), client.WithLogger(log))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Connection.CloseTimeout)
		defer cancel()
		c.Shutdown(shutdownCtx)
	}()

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	fmt.Fprintln(out, "connection:    ok")
	return nil
}

func initCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(*configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s. Fill in serverName and registrationToken.\n", *configPath)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), version)
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "gamelink %s (commit %s, built %s)\n", version, commit, date)
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")
	return cmd
}
