package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ocapkernel/kernel/internal/kernel"
	"github.com/ocapkernel/kernel/internal/kref"
	"github.com/ocapkernel/kernel/internal/logging"
	"github.com/ocapkernel/kernel/internal/metrics"
	"github.com/ocapkernel/kernel/internal/remote"
	"github.com/ocapkernel/kernel/internal/telemetry"
	"github.com/ocapkernel/kernel/internal/vat"
	"github.com/ocapkernel/kernel/internal/worker"
)

func daemonCmd() *cobra.Command {
	var (
		logLevel string
		vatsDir  string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the kernel's crank loop",
		Long:  "Run the kernel daemon: build storage and run-queue layers from config, launch any vats found under --vats-dir, attach the remote peer listener if configured, and drive the crank loop until a shutdown signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := telemetry.Init(ctx, telemetry.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer telemetry.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			k, err := kernel.NewFromConfig(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build kernel: %w", err)
			}

			if cfg.Remote.Enabled {
				stopRemote, err := attachRemoteListener(ctx, k, cfg.Remote.RemoteID, cfg.Remote.Addr)
				if err != nil {
					return fmt.Errorf("attach remote listener: %w", err)
				}
				defer stopRemote()
			}

			if vatsDir != "" {
				if err := launchVatsFromDir(ctx, k, vatsDir); err != nil {
					return fmt.Errorf("launch vats: %w", err)
				}
			}

			logging.Op().Info("kerneld crank loop started")

			runErr := make(chan error, 1)
			go func() { runErr <- k.Run(ctx) }()

			select {
			case <-ctx.Done():
				logging.Op().Info("shutdown signal received")
				return nil
			case err := <-runErr:
				if err != nil {
					return fmt.Errorf("crank loop: %w", err)
				}
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&vatsDir, "vats-dir", "", "Directory of vat config YAML files to launch at startup")

	return cmd
}

// attachRemoteListener registers a gRPC peer-exchange server for this
// kernel's remote.Handle and starts serving on addr, returning a
// shutdown func for the caller to defer.
func attachRemoteListener(ctx context.Context, k *kernel.Kernel, selfID, addr string) (func(), error) {
	self := kref.RemoteID(selfID)
	sender := remote.NewGRPCSender(self)
	h, err := k.AttachRemote(ctx, self, sender)
	if err != nil {
		return nil, err
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	remote.NewGRPCServer(h).Register(srv)
	go func() {
		if err := srv.Serve(lis); err != nil {
			logging.Op().Error("remote listener stopped", "error", err)
		}
	}()
	logging.Op().Info("remote peer listener started", "addr", addr, "self", selfID)
	return srv.GracefulStop, nil
}

// launchVatsFromDir reads every *.yaml/*.yml file in dir as a
// vat.Config and launches it. Each config's Parameters must carry
// "vsockCid" and "vsockPort", identifying the guest supervisor process
// the kernel dials over AF_VSOCK (spec §4.6, §6's worker channel
// contract) — there is no in-process vat host in this kernel, only the
// dialer side of the channel.
func launchVatsFromDir(ctx context.Context, k *kernel.Kernel, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		cfg, err := vat.ParseConfigYAML(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		channel, err := dialVatChannel(cfg)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		v, err := k.LaunchVat(ctx, cfg, channel)
		if err != nil {
			return fmt.Errorf("%s: launch: %w", path, err)
		}
		go func() {
			if err := v.ServeLoop(ctx); err != nil {
				logging.Op().Error("vat serve loop stopped", "vat", v.ID(), "error", err)
			}
		}()
	}
	return nil
}

func dialVatChannel(cfg vat.Config) (*worker.Channel, error) {
	cidStr, okCid := cfg.Parameters["vsockCid"]
	portStr, okPort := cfg.Parameters["vsockPort"]
	if !okCid || !okPort {
		return nil, fmt.Errorf("vat %q config has no vsockCid/vsockPort parameters", cfg.Name)
	}
	cid, err := strconv.ParseUint(cidStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("vat %q: malformed vsockCid %q: %w", cfg.Name, cidStr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("vat %q: malformed vsockPort %q: %w", cfg.Name, portStr, err)
	}
	transport, err := worker.DialVsock(uint32(cid), uint32(port))
	if err != nil {
		return nil, err
	}
	return worker.NewChannel(cfg.Name, transport), nil
}
