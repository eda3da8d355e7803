// Package main provides the CLI entry point for the tunnel server and client.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/postalsys/muti-metroo/internal/config"
	"github.com/postalsys/muti-metroo/internal/kdf"
	"github.com/postalsys/muti-metroo/internal/licenses"
	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/tunnel"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "muti-metroo",
		Short:   "A covert TCP tunnel",
		Version: Version,
		Long: `muti-metroo is a covert TCP tunnel. A connect attempt that fails to
authenticate gets no reply: whatever the reason for the failure, the
server reads a random amount of data for a random time and then closes
the connection.`,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dialCmd())
	rootCmd.AddCommand(protocolCmd())
	rootCmd.AddCommand(genKeyCmd())
	rootCmd.AddCommand(licensesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a tunnel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Role != "server" {
				return fmt.Errorf("config role is %q, want \"server\"", cfg.Role)
			}

			serverCfg, err := cfg.ToTunnelServerConfig()
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			if cfg.Metrics.Enabled {
				m := metrics.Default()
				serverCfg.Metrics = m
				go serveMetrics(cfg.Metrics.Address, logger)
			}

			ctx, cancel := signalContext()
			defer cancel()

			logger.Info("starting tunnel server", logging.KeyAddress, serverCfg.Address)
			return tunnel.Serve(ctx, serverCfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to configuration file")
	return cmd
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listening", logging.KeyAddress, addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener failed", logging.KeyError, err)
	}
}

func dialCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		targetHost string
	)

	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Establish a tunnel and forward a local listener through it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Role != "client" {
				return fmt.Errorf("config role is %q, want \"client\"", cfg.Role)
			}
			if targetHost == "" {
				return fmt.Errorf("--target is required")
			}

			clientCfg, err := cfg.ToTunnelClientConfig()
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			ctx, cancel := signalContext()
			defer cancel()

			lc := net.ListenConfig{}
			listener, err := lc.Listen(ctx, "tcp", listenAddr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", listenAddr, err)
			}
			defer listener.Close()

			go func() {
				<-ctx.Done()
				listener.Close()
			}()

			logger.Info("forwarding local listener through tunnel",
				logging.KeyAddress, listenAddr, logging.KeyHost, targetHost)

			for {
				conn, err := listener.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					logger.Error("accept failed", logging.KeyError, err)
					continue
				}
				go func() {
					defer conn.Close()
					if err := tunnel.EstablishTunnel(ctx, clientCfg, targetHost, conn); err != nil {
						logger.Error("tunnel failed", logging.KeyError, err)
					}
				}()
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to configuration file")
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "127.0.0.1:0", "local address to accept forwarded connections on")
	cmd.Flags().StringVarP(&targetHost, "target", "t", "", "host:port the server should connect out to")
	return cmd
}

func protocolCmd() *cobra.Command {
	var (
		keyHex  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "protocol <server-address>",
		Short: "Discover a server's negotiated protocol parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := hex.DecodeString(keyHex)
			if err != nil {
				return fmt.Errorf("--key must be hex-encoded: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			proto, err := tunnel.GetServerProtocol(ctx, args[0], key)
			if err != nil {
				return err
			}

			fmt.Printf("kdf:               %s\n", proto.Kdf)
			fmt.Printf("cipher:            %s\n", proto.Cipher)
			fmt.Printf("max_connect_delay: %dms\n", proto.MaxConnectDelay)
			fmt.Printf("header_padding:    %s\n", proto.HeaderPadding)
			fmt.Printf("data_padding_max:  %d\n", proto.DataPadding.Max)
			fmt.Printf("data_padding_rate: %d%%\n", proto.DataPadding.Rate)
			fmt.Printf("encryption_limit:  %s\n", humanize.Bytes(proto.EncryptionLimit))
			return nil
		},
	}

	cmd.Flags().StringVarP(&keyHex, "key", "k", "", "hex-encoded shared secret (required)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "probe timeout")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func genKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate a new shared secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := kdf.GenerateNewKey(func(b []byte) error {
				_, err := rand.Read(b)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Println(hex.EncodeToString(key))
			return nil
		},
	}
	return cmd
}

func licensesCmd() *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "licenses",
		Short: "Print third-party license information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if full {
				text, err := licenses.GetAllLicenseTexts()
				if err != nil {
					return err
				}
				fmt.Print(text)
				return nil
			}

			list, err := licenses.List()
			if err != nil {
				return err
			}
			for _, lic := range list {
				fmt.Printf("%-45s %s\n", lic.Package, lic.Type)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "print full embedded license texts instead of a summary")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
