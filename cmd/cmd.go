package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/webitel/socket-pool-service/client"
	"github.com/webitel/socket-pool-service/config"
	"github.com/webitel/socket-pool-service/infra/cache"
	internalcli "github.com/webitel/socket-pool-service/internal/cli"
	"github.com/webitel/socket-pool-service/pkg/model"
)

const ServiceName = "socket-pool-service"

// daemonizedEnv marks the detached child so it does not re-fork.
const daemonizedEnv = "SOCKET_POOL_DAEMONIZED"

var (
	version    = "0.0.0"
	commit     = "hash"
	commitDate = time.Now().String()
)

func Run() error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "Connection-pool daemon multiplexing short-lived clients onto persistent upstream TCP sockets",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Commands: []*cli.Command{
			startCmd(),
			stopCmd(),
			restartCmd(),
			statusCmd(),
			statsCmd(),
			healthCmd(),
			poolCmd(),
			testCmd(),
			configCmd(),
			monitorCmd(),
			cacheClearCmd(),
		},
	}

	return app.Run(os.Args)
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config_file"))
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	if pidFile := c.String("pid-file"); pidFile != "" {
		cfg.PIDFile = pidFile
	}
	return cfg, nil
}

func newClient(c *cli.Context) (*client.Client, *config.Config, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	return client.New(cfg, config.ProvideLogger(cfg)), cfg, nil
}

func startCmd() *cli.Command {
	return &cli.Command{
		Name:    "start",
		Aliases: []string{"server", "s"},
		Usage:   "Run the pool daemon",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "daemon", Aliases: []string{"d"}, Usage: "Detach and run in the background"},
			&cli.StringFlag{Name: "pid-file", Usage: "Override the pid file path"},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("daemon") && os.Getenv(daemonizedEnv) == "" {
				return daemonize(c)
			}

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			if err := internalcli.WritePIDFile(cfg.PIDFile); err != nil {
				return cli.Exit(fmt.Sprintf("write pid file: %v", err), 1)
			}
			defer internalcli.RemovePIDFile(cfg.PIDFile)

			logger := config.ProvideLogger(cfg)
			config.Watch(c.String("config_file"), logger, func(fresh *config.Config) {
				config.SetLogLevel(fresh.Log.Level)
			})

			app := NewApp(cfg)
			if err := app.Start(c.Context); err != nil {
				return cli.Exit(err.Error(), 1)
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			logger.Info("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := app.Stop(ctx); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

// daemonize re-executes the binary detached from the terminal.
func daemonize(c *cli.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	args := make([]string, 0, len(os.Args)-1)
	for _, a := range os.Args[1:] {
		if a == "--daemon" || a == "-d" {
			continue
		}
		args = append(args, a)
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), daemonizedEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return cli.Exit(fmt.Sprintf("daemonize: %v", err), 1)
	}
	fmt.Printf("started %s (pid %d)\n", ServiceName, cmd.Process.Pid)
	return cmd.Process.Release()
}

func stopCmd() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "Stop the running daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pid-file", Usage: "Override the pid file path"},
			&cli.BoolFlag{Name: "force", Usage: "SIGKILL if the daemon outlives the timeout"},
			&cli.IntFlag{Name: "timeout", Value: 30, Usage: "Seconds to wait for a graceful exit"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			timeout := time.Duration(c.Int("timeout")) * time.Second
			if err := internalcli.StopDaemon(c.Context, cfg.PIDFile, c.Bool("force"), timeout); err != nil {
				diag := internalcli.Probe(cfg.PIDFile, cfg.IPC.Path)
				return cli.Exit(fmt.Sprintf("stop failed: %v\n%s", err, diag.Describe()), 1)
			}
			fmt.Println("stopped")
			return nil
		},
	}
}

func restartCmd() *cli.Command {
	return &cli.Command{
		Name:  "restart",
		Usage: "Stop the daemon and start it again detached",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pid-file", Usage: "Override the pid file path"},
			&cli.IntFlag{Name: "timeout", Value: 30, Usage: "Seconds to wait for a graceful exit"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			timeout := time.Duration(c.Int("timeout")) * time.Second
			if err := internalcli.StopDaemon(c.Context, cfg.PIDFile, true, timeout); err != nil {
				fmt.Printf("stop: %v (continuing)\n", err)
			}
			return daemonizeStart(c)
		},
	}
}

func daemonizeStart(c *cli.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	args := []string{"start"}
	if cf := c.String("config_file"); cf != "" {
		args = append(args, "--config_file", cf)
	}
	if pf := c.String("pid-file"); pf != "" {
		args = append(args, "--pid-file", pf)
	}
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), daemonizedEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return cli.Exit(fmt.Sprintf("start: %v", err), 1)
	}
	fmt.Printf("started %s (pid %d)\n", ServiceName, cmd.Process.Pid)
	return cmd.Process.Release()
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Report whether the daemon is running and responsive",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "detailed", Usage: "Include probe diagnostics and health checks"},
			&cli.StringFlag{Name: "pid-file", Usage: "Override the pid file path"},
		},
		Action: func(c *cli.Context) error {
			cl, cfg, err := newClient(c)
			if err != nil {
				return err
			}

			health, healthErr := cl.HealthCheck(c.Context)
			if healthErr != nil {
				diag := internalcli.Probe(cfg.PIDFile, cfg.IPC.Path)
				return cli.Exit(fmt.Sprintf("daemon not responding: %v\n%s", healthErr, diag.Describe()), 1)
			}

			fmt.Printf("running (instance %s, status %s)\n", health.InstanceID, health.Status)
			if c.Bool("detailed") {
				diag := internalcli.Probe(cfg.PIDFile, cfg.IPC.Path)
				fmt.Print(diag.Describe())
				internalcli.RenderHealth(os.Stdout, health, true)
			}
			return nil
		},
	}
}

func statsCmd() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show per-endpoint counters and pool occupancy",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "watch", Usage: "Refresh every N seconds until interrupted"},
			&cli.StringFlag{Name: "format", Value: "table", Usage: "Output format: table or json"},
		},
		Action: func(c *cli.Context) error {
			cl, _, err := newClient(c)
			if err != nil {
				return err
			}

			render := func() error {
				stats, err := cl.Stats(c.Context)
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				if c.String("format") == "json" {
					return internalcli.RenderJSON(os.Stdout, stats)
				}
				internalcli.RenderStatsTable(os.Stdout, stats)
				return nil
			}

			if err := render(); err != nil {
				return err
			}
			if c.Int("watch") <= 0 {
				return nil
			}

			ticker := time.NewTicker(time.Duration(c.Int("watch")) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-c.Context.Done():
					return nil
				case <-ticker.C:
					fmt.Println()
					if err := render(); err != nil {
						return err
					}
				}
			}
		},
	}
}

func healthCmd() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Run the daemon self-check",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "detailed", Usage: "Show the per-check breakdown"},
		},
		Action: func(c *cli.Context) error {
			cl, _, err := newClient(c)
			if err != nil {
				return err
			}
			health, err := cl.HealthCheck(c.Context)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			internalcli.RenderHealth(os.Stdout, health, c.Bool("detailed"))
			if health.Status != model.HealthHealthy {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

func poolCmd() *cli.Command {
	return &cli.Command{
		Name:  "pool",
		Usage: "Inspect and manage pooled upstream connections",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List pooled endpoints",
				Action: func(c *cli.Context) error {
					cl, _, err := newClient(c)
					if err != nil {
						return err
					}
					stats, err := cl.Stats(c.Context)
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					for _, key := range stats.ActiveConnections {
						fmt.Println(key)
					}
					return nil
				},
			},
			{
				Name:      "close",
				Usage:     "Close one pooled connection (host:port) or --all",
				ArgsUsage: "[host:port]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "all", Usage: "Close every pooled connection"},
				},
				Action: poolCloseAction,
			},
			{
				Name:   "drain",
				Usage:  "Close every pooled connection",
				Action: poolCloseAll,
			},
			{
				Name:      "warm-up",
				Usage:     "Pre-establish pooled connections by sending a TEST probe",
				ArgsUsage: "host:port [host:port...]",
				Action: func(c *cli.Context) error {
					cl, _, err := newClient(c)
					if err != nil {
						return err
					}
					if c.NArg() == 0 {
						return cli.Exit("warm-up needs at least one host:port", 1)
					}
					endpoints := make([]model.Endpoint, 0, c.NArg())
					for _, arg := range c.Args().Slice() {
						ep, err := parseEndpoint(arg)
						if err != nil {
							return cli.Exit(err.Error(), 1)
						}
						endpoints = append(endpoints, ep)
					}
					failures := 0
					for key, err := range cl.WarmUp(c.Context, endpoints) {
						if err != nil {
							failures++
							fmt.Printf("%s: %v\n", key, err)
						} else {
							fmt.Printf("%s: ok\n", key)
						}
					}
					if failures > 0 {
						return cli.Exit("", 1)
					}
					return nil
				},
			},
		},
	}
}

func poolCloseAction(c *cli.Context) error {
	if c.Bool("all") {
		return poolCloseAll(c)
	}
	if c.NArg() != 1 {
		return cli.Exit("pool close needs host:port or --all", 1)
	}
	cl, _, err := newClient(c)
	if err != nil {
		return err
	}
	ep, err := parseEndpoint(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	res, err := cl.CloseConnection(c.Context, ep.Host, int(ep.Port))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Printf("%s: dropped=%t\n", res.Endpoint, res.Dropped)
	return nil
}

func poolCloseAll(c *cli.Context) error {
	cl, _, err := newClient(c)
	if err != nil {
		return err
	}
	stats, err := cl.Stats(c.Context)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	for _, key := range stats.ActiveConnections {
		ep, err := parseEndpoint(key)
		if err != nil {
			continue
		}
		if _, err := cl.CloseConnection(c.Context, ep.Host, int(ep.Port)); err != nil {
			fmt.Printf("%s: %v\n", key, err)
			continue
		}
		fmt.Printf("%s: closed\n", key)
	}
	return nil
}

func testCmd() *cli.Command {
	return &cli.Command{
		Name:  "test",
		Usage: "Send probe frames through the daemon and report latency",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Value: "127.0.0.1", Usage: "Upstream host"},
			&cli.IntFlag{Name: "port", Required: true, Usage: "Upstream port"},
			&cli.IntFlag{Name: "count", Value: 1, Usage: "Number of probes"},
			&cli.StringFlag{Name: "message", Value: "TEST", Usage: "Probe payload"},
		},
		Action: func(c *cli.Context) error {
			cl, _, err := newClient(c)
			if err != nil {
				return err
			}
			failures := 0
			for i := 0; i < c.Int("count"); i++ {
				res, err := cl.SendGPS(c.Context, c.String("host"), c.Int("port"), c.String("message"), "", nil)
				if err != nil {
					failures++
					fmt.Printf("#%d failed: %v\n", i+1, err)
					continue
				}
				fmt.Printf("#%d ok: %d bytes sent, %d bytes back, %.2f ms\n",
					i+1, res.BytesSent, len(res.Response), res.DurationMS)
			}
			if failures > 0 {
				return cli.Exit(fmt.Sprintf("%d/%d probes failed", failures, c.Int("count")), 1)
			}
			return nil
		},
	}
}

func configCmd() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Inspect the effective configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Print the sanitized effective configuration",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					return internalcli.RenderJSON(os.Stdout, cfg.Sanitized())
				},
			},
			{
				Name:      "get",
				Usage:     "Print one configuration value",
				ArgsUsage: "key",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					key := c.Args().First()
					value, ok := cfg.Sanitized()[key]
					if !ok {
						return cli.Exit(fmt.Sprintf("unknown config key %q", key), 1)
					}
					fmt.Println(value)
					return nil
				},
			},
			{
				Name:  "validate",
				Usage: "Check the configuration without starting anything",
				Action: func(c *cli.Context) error {
					if _, err := loadConfig(c); err != nil {
						return err
					}
					fmt.Println("configuration valid")
					return nil
				},
			},
		},
	}
}

func monitorCmd() *cli.Command {
	return &cli.Command{
		Name:  "monitor",
		Usage: "Full-screen live dashboard",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "interval", Value: 2, Usage: "Refresh interval in seconds"},
		},
		Action: func(c *cli.Context) error {
			cl, _, err := newClient(c)
			if err != nil {
				return err
			}
			interval := time.Duration(c.Int("interval")) * time.Second
			if err := internalcli.Monitor(c.Context, cl, interval); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

func cacheClearCmd() *cli.Command {
	return &cli.Command{
		Name:  "cache:clear",
		Usage: "Remove this service's keys from the external cache",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if !cfg.Redis.Enabled {
				return cli.Exit("external cache is not enabled", 1)
			}
			store := cache.NewStore(cfg, config.ProvideLogger(cfg))
			defer store.Close()

			removed, err := store.Clear(c.Context, cfg.Metrics.ListKey+"*")
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Printf("removed %d keys\n", removed)
			return nil
		},
	}
}

func parseEndpoint(s string) (model.Endpoint, error) {
	host, portStr, ok := strings.Cut(s, ":")
	if !ok || host == "" {
		return model.Endpoint{}, fmt.Errorf("expected host:port, got %q", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return model.Endpoint{}, fmt.Errorf("bad port in %q: %w", s, err)
	}
	return model.NewEndpoint(host, port)
}
