// Package main provides the CLI entry point for the SKDP daemon.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/keybridge/skdp/internal/config"
	"github.com/keybridge/skdp/internal/keys"
	"github.com/keybridge/skdp/internal/logging"
	"github.com/keybridge/skdp/internal/metrics"
	"github.com/keybridge/skdp/internal/session"
	"github.com/keybridge/skdp/internal/transport"
	"github.com/keybridge/skdp/internal/wizard"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "skdp",
		Short: "SKDP - Symmetric Key Distribution Protocol daemon",
		Long: `SKDP authenticates a device against a server with hierarchical
pre-shared keys, derives fresh session keys, and runs an
authenticated, sequence-tracked encrypted tunnel with keepalive.`,
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "keys", Title: "Key Management:"})

	for _, c := range []*cobra.Command{setupCmd(), serveCmd(), connectCmd()} {
		c.GroupID = "start"
		rootCmd.AddCommand(c)
	}
	kg := keygenCmd()
	kg.GroupID = "keys"
	rootCmd.AddCommand(kg)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive provisioning of keys and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

// loadConfig loads and validates the configuration for the given role.
func loadConfig(path, role string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Role != role {
		return nil, nil, fmt.Errorf("config role is %q, this command needs %q", cfg.Role, role)
	}
	return cfg, logging.NewLogger(cfg.Log.Level, cfg.Log.Format), nil
}

// buildTransport assembles the configured transport.
func buildTransport(cfg *config.Config) (transport.Transport, error) {
	tlsConf, err := transport.TLSFromFiles(
		cfg.Transport.TLS.Cert, cfg.Transport.TLS.Key, cfg.Transport.TLS.CA,
		cfg.Transport.TLS.Insecure)
	if err != nil {
		return nil, err
	}
	return transport.New(transport.Kind(cfg.Transport.Kind), transport.Options{
		TLSConfig: tlsConf,
		Insecure:  cfg.Transport.TLS.Insecure,
	})
}

// serveMetrics exposes the Prometheus endpoint when configured.
func serveMetrics(addr string, logger *slog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics endpoint failed", slog.String(logging.KeyError, err.Error()))
		}
	}()
	logger.Info("metrics endpoint up", slog.String(logging.KeyAddress, addr))
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Listen for devices, run exchanges, echo tunnel traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configPath, config.RoleServer)
			if err != nil {
				return err
			}

			serverKey, err := keys.LoadServerKey(cfg.Keys.Server)
			if err != nil {
				return err
			}
			defer serverKey.Wipe()

			tr, err := buildTransport(cfg)
			if err != nil {
				return err
			}
			ln, err := tr.Listen(cfg.Address)
			if err != nil {
				return err
			}
			defer ln.Close()
			ln = transport.LimitListener(ln, cfg.Limits.AcceptRate, cfg.Limits.AcceptBurst)

			serveMetrics(cfg.Metrics.Listen, logger)
			logger.Info("listening",
				slog.String(logging.KeyKID, serverKey.KID.String()),
				slog.String(logging.KeyTransport, cfg.Transport.Kind),
				slog.String(logging.KeyAddress, cfg.Address))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			for {
				conn, err := ln.Accept(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					logger.Warn("accept failed", slog.String(logging.KeyError, err.Error()))
					continue
				}

				go func() {
					srv := session.NewServer(serverKey,
						session.WithLogger(logger),
						session.WithMetrics(metrics.Default()))
					if err := srv.KeyExchange(conn); err != nil {
						return
					}

					t := srv.Tunnel(conn)
					err := t.Run(ctx, session.RunConfig{
						KeepAliveInterval: cfg.KeepAlive.Interval,
						KeepAliveTimeout:  cfg.KeepAlive.Timeout,
					}, func(msg []byte) error {
						// echo service
						return t.Send(msg)
					})
					if err != nil {
						logger.Warn("session ended", slog.String(logging.KeyError, err.Error()))
					}
				}()
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "configuration file")
	return cmd
}

func connectCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a server and tunnel stdin lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configPath, config.RoleDevice)
			if err != nil {
				return err
			}

			deviceKey, err := keys.LoadDeviceKey(cfg.Keys.Device)
			if err != nil {
				return err
			}
			defer deviceKey.Wipe()

			tr, err := buildTransport(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := tr.Dial(ctx, cfg.Address)
			if err != nil {
				return err
			}

			dev := session.NewDevice(deviceKey,
				session.WithLogger(logger),
				session.WithMetrics(metrics.Default()))
			start := time.Now()
			if err := dev.KeyExchange(conn); err != nil {
				return err
			}
			fmt.Printf("session established in %s\n", time.Since(start).Round(time.Millisecond))

			var sent, received atomic.Uint64
			t := dev.Tunnel(conn)

			runErr := make(chan error, 1)
			go func() {
				runErr <- t.Run(ctx, session.RunConfig{
					KeepAliveInterval: cfg.KeepAlive.Interval,
					KeepAliveTimeout:  cfg.KeepAlive.Timeout,
				}, func(msg []byte) error {
					received.Add(uint64(len(msg)))
					fmt.Printf("< %s\n", msg)
					return nil
				})
			}()

			lines := make(chan string)
			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
				close(lines)
			}()

		loop:
			for {
				select {
				case err := <-runErr:
					printSummary(sent.Load(), received.Load(), start)
					return err
				case line, ok := <-lines:
					if !ok {
						stop()
						err := <-runErr
						printSummary(sent.Load(), received.Load(), start)
						return err
					}
					if line == "" {
						continue loop
					}
					if err := t.Send([]byte(line)); err != nil {
						printSummary(sent.Load(), received.Load(), start)
						return err
					}
					sent.Add(uint64(len(line)))
				}
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "configuration file")
	return cmd
}

func printSummary(sent, received uint64, start time.Time) {
	fmt.Printf("closed: %s sent, %s received in %s\n",
		humanize.Bytes(sent), humanize.Bytes(received),
		time.Since(start).Round(time.Second))
}

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate and derive key records",
	}
	cmd.AddCommand(keygenMasterCmd(), keygenServerCmd(), keygenDeviceCmd())
	return cmd
}

func parseHexSegment(s string, n int) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	if len(raw) != n {
		return nil, fmt.Errorf("%q: need %d bytes, got %d", s, n, len(raw))
	}
	return raw, nil
}

func keygenMasterCmd() *cobra.Command {
	var (
		mid      string
		out      string
		validity time.Duration
	)

	cmd := &cobra.Command{
		Use:   "master",
		Short: "Generate a master derivation key",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseHexSegment(mid, keys.MIDSize)
			if err != nil {
				return err
			}
			var midBytes [keys.MIDSize]byte
			copy(midBytes[:], raw)

			mk, err := keys.GenerateMasterKey(nil, midBytes, validity)
			if err != nil {
				return err
			}
			defer mk.Wipe()

			if err := mk.Store(out); err != nil {
				return err
			}
			fmt.Printf("master key %s written to %s\n", mk.KID, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&mid, "mid", "", "master domain ID, 4 bytes hex (required)")
	cmd.Flags().StringVarP(&out, "out", "o", "master.key", "output path")
	cmd.Flags().DurationVar(&validity, "validity", keys.DefaultValidity, "key lifetime")
	cmd.MarkFlagRequired("mid")
	return cmd
}

func keygenServerCmd() *cobra.Command {
	var (
		masterPath string
		sid        string
		out        string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Derive a server key from a master key",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseHexSegment(sid, keys.SIDSize)
			if err != nil {
				return err
			}
			var sidBytes [keys.SIDSize]byte
			copy(sidBytes[:], raw)

			mk, err := keys.LoadMasterKey(masterPath)
			if err != nil {
				return err
			}
			defer mk.Wipe()

			sk := mk.DeriveServerKey(sidBytes)
			defer sk.Wipe()

			if err := sk.Store(out); err != nil {
				return err
			}
			fmt.Printf("server key %s written to %s\n", sk.KID, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&masterPath, "master", "master.key", "master key record")
	cmd.Flags().StringVar(&sid, "sid", "", "server ID, 8 bytes hex (required)")
	cmd.Flags().StringVarP(&out, "out", "o", "server.key", "output path")
	cmd.MarkFlagRequired("sid")
	return cmd
}

func keygenDeviceCmd() *cobra.Command {
	var (
		serverPath string
		did        string
		out        string
	)

	cmd := &cobra.Command{
		Use:   "device",
		Short: "Derive a device key from a server key",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseHexSegment(did, keys.DIDSize)
			if err != nil {
				return err
			}
			var didBytes [keys.DIDSize]byte
			copy(didBytes[:], raw)

			sk, err := keys.LoadServerKey(serverPath)
			if err != nil {
				return err
			}
			defer sk.Wipe()

			dk := sk.DeriveDeviceKey(didBytes)
			defer dk.Wipe()

			if err := dk.Store(out); err != nil {
				return err
			}
			fmt.Printf("device key %s written to %s\n", dk.KID, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverPath, "server", "server.key", "server key record")
	cmd.Flags().StringVar(&did, "did", "", "device ID, 4 bytes hex (required)")
	cmd.Flags().StringVarP(&out, "out", "o", "device.key", "output path")
	cmd.MarkFlagRequired("did")
	return cmd
}
