package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/pkg/config"
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/supervisor"
)

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the build farm master",
	Long: `Run the master daemon: the upstream watcher, the build queue planner,
the builder coordinator, the artifact transfer server, the index renderer
and the admin, log and control sockets.

Flags override values from the configuration file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyMasterFlags(cmd, cfg)

		level := log.Level(cfg.Log.Level)
		if cfg.DevMode {
			level = log.DebugLevel
		}
		log.Init(log.Config{
			Level:           level,
			JSONOutput:      cfg.Log.JSON && !cfg.DevMode,
			DebugComponents: cfg.Log.Debug,
		})

		sup, err := supervisor.New(cfg)
		if err != nil {
			return err
		}
		if err := sup.Start(); err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Fprintln(os.Stderr, "shutting down...")
			sup.Quit()
		}()

		err = sup.Wait()
		sup.Stop()
		return err
	},
}

func applyMasterFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("dsn") {
		cfg.Database.DSN, _ = flags.GetString("dsn")
	}
	if flags.Changed("output") {
		cfg.Output.Path, _ = flags.GetString("output")
	}
	if flags.Changed("builder-addr") {
		cfg.Sockets.Builder, _ = flags.GetString("builder-addr")
	}
	if flags.Changed("file-addr") {
		cfg.Sockets.File, _ = flags.GetString("file-addr")
	}
	if flags.Changed("admin-addr") {
		cfg.Sockets.Admin, _ = flags.GetString("admin-addr")
	}
	if flags.Changed("log-addr") {
		cfg.Sockets.Log, _ = flags.GetString("log-addr")
	}
	if flags.Changed("control-addr") {
		cfg.Sockets.Control, _ = flags.GetString("control-addr")
	}
	if flags.Changed("metrics-addr") {
		cfg.Sockets.Metrics, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("index-url") {
		cfg.Upstream.IndexURL, _ = flags.GetString("index-url")
	}
	if flags.Changed("events-url") {
		cfg.Upstream.EventsURL, _ = flags.GetString("events-url")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("debug") {
		cfg.Log.Debug, _ = flags.GetStringSlice("debug")
	}
	if flags.Changed("dev") {
		cfg.DevMode, _ = flags.GetBool("dev")
	}
}

func init() {
	flags := masterCmd.Flags()
	flags.String("dsn", "", "Database path")
	flags.String("output", "", "Web root for artifacts and rendered pages")
	flags.String("builder-addr", "", "Builder channel bind address")
	flags.String("file-addr", "", "File transfer channel bind address")
	flags.String("admin-addr", "", "Admin socket address")
	flags.String("log-addr", "", "Access-log ingest socket address")
	flags.String("control-addr", "", "Monitor control socket address")
	flags.String("metrics-addr", "", "Prometheus endpoint address (empty disables)")
	flags.String("index-url", "", "Upstream simple index URL")
	flags.String("events-url", "", "Upstream changelog URL")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.StringSlice("debug", nil, "Components forced to debug level")
	flags.Bool("dev", false, "Development mode: console output, debug level")
}
