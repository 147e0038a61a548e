// Package main provides the CLI entry point for the jumptiger tunnel.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/jumptiger/jumptiger/internal/accounting"
	"github.com/jumptiger/jumptiger/internal/config"
	"github.com/jumptiger/jumptiger/internal/httpproxy"
	"github.com/jumptiger/jumptiger/internal/logging"
	"github.com/jumptiger/jumptiger/internal/metrics"
	"github.com/jumptiger/jumptiger/internal/monitor"
	"github.com/jumptiger/jumptiger/internal/tunnelclient"
	"github.com/jumptiger/jumptiger/internal/tunnelserver"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "tiger",
		Short:   "jumptiger - an encrypted SOCKS5 tunnel",
		Version: Version,
	}

	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(hashCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configFlags are shared between client and server: -c selects the file,
// the rest override individual fields.
type configFlags struct {
	path       string
	server     string
	serverPort int
	localPort  int
	password   string
	method     string
	timeout    int
}

func bindConfigFlags(cmd *cobra.Command, f *configFlags) {
	cmd.Flags().StringVarP(&f.path, "config", "c", "", "path to config.json")
	cmd.Flags().StringVarP(&f.server, "server", "s", "", "override server host")
	cmd.Flags().IntVarP(&f.serverPort, "server-port", "p", 0, "override server_port")
	cmd.Flags().IntVarP(&f.localPort, "local-port", "l", 0, "override local_port")
	cmd.Flags().StringVarP(&f.password, "password", "k", "", "override password")
	cmd.Flags().StringVarP(&f.method, "method", "m", "", "override cipher method")
	cmd.Flags().IntVarP(&f.timeout, "timeout", "t", 0, "override idle timeout (seconds)")
}

func loadConfig(f *configFlags) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if f.path != "" {
		cfg, err = config.Load(f.path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	if f.server != "" {
		cfg.Server = f.server
	}
	if f.serverPort != 0 {
		cfg.ServerPort = f.serverPort
	}
	if f.localPort != 0 {
		cfg.LocalPort = f.localPort
	}
	if f.password != "" {
		cfg.Password = f.password
	}
	if f.method != "" {
		cfg.Method = f.method
	}
	if f.timeout != 0 {
		cfg.Timeout = f.timeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func clientCmd() *cobra.Command {
	var f configFlags

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the SOCKS5 front-end and local HTTP proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(&f)
			if err != nil {
				return err
			}

			log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			log.Info("starting jumptiger client", "config", cfg.Redacted())

			registry := prometheus.NewRegistry()
			m := metrics.NewWithRegistry(registry)
			acct := accounting.New()
			timeout := time.Duration(cfg.Timeout) * time.Second

			tunnel := tunnelclient.New(tunnelclient.Config{
				ListenAddr:     fmt.Sprintf("0.0.0.0:%d", cfg.LocalPort),
				ServerAddr:     fmt.Sprintf("%s:%d", cfg.Server, cfg.ServerPort),
				Password:       cfg.Password,
				Timeout:        timeout,
				MaxConnections: cfg.MaxConnections,
				Logger:         log,
				Metrics:        m,
				Accounting:     acct,
			})
			if err := tunnel.Start(); err != nil {
				return err
			}
			defer tunnel.Stop()
			fmt.Printf("SOCKS5 listening on %s -> tunnel server %s:%d\n", tunnel.Addr(), cfg.Server, cfg.ServerPort)

			proxy := httpproxy.New(httpproxy.Config{
				ListenAddr:     fmt.Sprintf("127.0.0.1:%d", cfg.HTTPPort),
				Timeout:        timeout,
				MaxConnections: cfg.MaxConnections,
				Logger:         log,
				Metrics:        m,
				Accounting:     acct,
			})
			if err := proxy.Start(); err != nil {
				return err
			}
			defer proxy.Stop()
			fmt.Printf("HTTP/HTTPS proxy listening on %s\n", proxy.Addr())

			mon := monitor.New(monitor.Config{
				ListenAddr: fmt.Sprintf("0.0.0.0:%d", cfg.MonitorPort),
				Accounting: acct,
				Registry:   registry,
				AuthHash:   cfg.MonitorAuthHash,
				Logger:     log,
			})
			if err := mon.Start(); err != nil {
				return err
			}
			defer mon.Stop()
			fmt.Printf("Monitor listening on %s\n", mon.Addr())

			waitForShutdown(log)
			return nil
		},
	}

	bindConfigFlags(cmd, &f)
	return cmd
}

func serverCmd() *cobra.Command {
	var f configFlags

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the tunnel server, dialing requested origins",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(&f)
			if err != nil {
				return err
			}

			log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			log.Info("starting jumptiger server", "config", cfg.Redacted())

			registry := prometheus.NewRegistry()
			m := metrics.NewWithRegistry(registry)
			acct := accounting.New()
			timeout := time.Duration(cfg.Timeout) * time.Second

			tunnel := tunnelserver.New(tunnelserver.Config{
				ListenAddr:     fmt.Sprintf("0.0.0.0:%d", cfg.ServerPort),
				Password:       cfg.Password,
				Timeout:        timeout,
				MaxConnections: cfg.MaxConnections,
				Logger:         log,
				Metrics:        m,
				Accounting:     acct,
			})
			if err := tunnel.Start(); err != nil {
				return err
			}
			defer tunnel.Stop()
			fmt.Printf("Tunnel server listening on %s\n", tunnel.Addr())

			mon := monitor.New(monitor.Config{
				ListenAddr: fmt.Sprintf("0.0.0.0:%d", cfg.MonitorPort),
				Accounting: acct,
				Registry:   registry,
				AuthHash:   cfg.MonitorAuthHash,
				Logger:     log,
			})
			if err := mon.Start(); err != nil {
				return err
			}
			defer mon.Stop()
			fmt.Printf("Monitor listening on %s\n", mon.Addr())

			waitForShutdown(log)
			return nil
		},
	}

	bindConfigFlags(cmd, &f)
	return cmd
}

func waitForShutdown(log interface{ Info(string, ...any) }) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig.String())
}

func initCmd() *cobra.Command {
	var path string
	var skipPassword bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()

			if !skipPassword {
				fmt.Print("Enter tunnel password: ")
				pw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				cfg.Password = string(pw)
			}

			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return err
			}

			fmt.Printf("Wrote %s (%s)\n", path, humanize.Bytes(uint64(len(data))))
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "config", "c", "config.json", "path to write")
	cmd.Flags().BoolVar(&skipPassword, "no-password", false, "write the config without prompting for a password")
	return cmd
}

func hashCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash [password]",
		Short: "Generate a bcrypt hash for monitor_auth_hash",
		Long: `Generate a bcrypt password hash for config.json's monitor_auth_hash field,
guarding GET /api/reset behind HTTP Basic auth.

If no password is given as an argument, you are prompted interactively
(recommended, since the argument form is visible in shell history).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) > 0 {
				password = args[0]
			} else {
				fmt.Print("Enter password: ")
				pw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}

				fmt.Print("Confirm password: ")
				confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("read confirmation: %w", err)
				}
				if string(pw) != string(confirm) {
					return fmt.Errorf("passwords do not match")
				}
				password = string(pw)
			}

			if password == "" {
				return fmt.Errorf("password cannot be empty")
			}
			if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
				return fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return fmt.Errorf("generate hash: %w", err)
			}
			fmt.Println(string(hash))
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost factor (4-31)")
	return cmd
}
