package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pulsarf/waterfall/capture"
	"github.com/pulsarf/waterfall/config"
	"github.com/pulsarf/waterfall/desync"
	"github.com/pulsarf/waterfall/dns"
	"github.com/pulsarf/waterfall/geodat"
	wfhttp "github.com/pulsarf/waterfall/http"
	"github.com/pulsarf/waterfall/http/handler"
	"github.com/pulsarf/waterfall/log"
	"github.com/pulsarf/waterfall/metrics"
	"github.com/pulsarf/waterfall/socks5"
)

var (
	cfg         = config.NewConfig()
	verboseFlag string
	showVersion bool
	checkOnly   bool
	Version     = "dev"
	Commit      = "none"
	Date        = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "waterfall",
	Short: "SOCKS5 proxy that desynchronizes DPI",
	Long: `waterfall is a local SOCKS5 proxy. The first payload of every targeted
connection is cut and re-sent according to an ordered list of strategies
so that middleboxes reassemble a different stream than the server does.`,
	RunE:         runWaterfall,
	SilenceUsage: true,
}

var geotagsCmd = &cobra.Command{
	Use:   "geotags <file.dat>",
	Short: "List the categories of a geosite or geoip file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tags, err := geodat.ListTags(args[0])
		if err != nil {
			return err
		}
		for _, t := range tags {
			fmt.Fprintln(cmd.OutOrStdout(), t)
		}
		return nil
	},
}

func init() {
	cfg.BindFlags(rootCmd)

	rootCmd.PersistentFlags().StringVar(&verboseFlag, "verbose", "info", "Set verbosity level (debug, trace, info, error, silent)")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version and exit")
	rootCmd.Flags().BoolVar(&checkOnly, "check", false, "Validate the configuration, print the strategies and exit")

	rootCmd.AddCommand(geotagsCmd)
}

func main() {
	initTimezone()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers the config file over the flag values. The returned
// base func reproduces that layering for hot reloads.
func loadConfig(cmd *cobra.Command) (func() config.Config, error) {
	flagged := cfg.Clone()
	base := func() config.Config { return flagged.Clone() }
	if cfg.ConfigPath == "" {
		return base, nil
	}
	if err := cfg.LoadFromFile(cfg.ConfigPath); err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("verbose") {
		cfg.ApplyLogLevel(verboseFlag)
	}
	return base, nil
}

func printStrategies(cmd *cobra.Command, engine *desync.Engine) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration ok, %d strategies\n", len(engine.Strategies()))
	for i, s := range engine.Strategies() {
		fmt.Fprintf(out, "  #%d %s\n", i, s)
	}
}

func runWaterfall(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("waterfall version: %s (%s) %s\n", Version, Commit, Date)
		return nil
	}

	cfg.ApplyLogLevel(verboseFlag)
	base, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := initLogging(&cfg); err != nil {
		return fmt.Errorf("logging initialization failed: %w", err)
	}

	log.Infof("Starting waterfall %s", Version)
	printConfigDefaults(cmd)

	engine, err := cfg.Engine()
	if err != nil {
		return log.Errorf("invalid configuration: %w", err)
	}
	if checkOnly {
		printStrategies(cmd, engine)
		return nil
	}
	log.Infof("Loaded %d strategies", len(engine.Strategies()))

	m := metrics.GetMetricsCollector()
	m.RecordEvent("info", "waterfall starting up")

	gm := geodat.NewGeodataManager(cfg.System.Geo.GeoSitePath, cfg.System.Geo.GeoIpPath)
	targets := cfg.BuildTargets(gm)
	domains, ips := targets.Counts()
	if targets.Empty() {
		log.Infof("No targets configured, every connection gets the engine")
	} else {
		log.Infof("Loaded targets: %d domains, %d IPs", domains, ips)
	}

	resolver := dns.NewResolver(nil)
	if ep := cfg.DoHEndpoint(); ep != "" {
		resolver.DoH = dns.NewDoH(ep)
		log.Infof("DNS-over-HTTPS fallback via %s", ep)
	}

	var store *capture.Store
	if cfg.Capture.Dir != "" {
		if store, err = capture.OpenStore(cfg.Capture.Dir); err != nil {
			return log.Errorf("failed to open capture store: %w", err)
		}
	}
	var trace *capture.Trace
	if cfg.Capture.TracePath != "" {
		if trace, err = capture.CreateTrace(cfg.Capture.TracePath); err != nil {
			return log.Errorf("failed to create trace: %w", err)
		}
		log.Infof("Writing emission trace to %s", cfg.Capture.TracePath)
	}

	socks5Server := socks5.NewServer(cfg.Socks5, socks5.Deps{
		Engine:   engine,
		Targets:  targets,
		Resolver: resolver,
		Metrics:  m,
		Store:    store,
		Trace:    trace,
	})
	if err := socks5Server.Start(); err != nil {
		m.RecordEvent("error", fmt.Sprintf("Failed to start SOCKS5 server: %v", err))
		return log.Errorf("failed to start SOCKS5 server: %w", err)
	}

	var watcher *config.Watcher
	if cfg.ConfigPath != "" {
		watcher, err = config.NewWatcher(&cfg, base, func(old, next *config.Config, e *desync.Engine) {
			socks5Server.SetEngine(e)
			socks5Server.SetTargets(next.BuildTargets(gm))
			log.SetLevel(next.System.Logging.Level)
			m.RecordEvent("info", fmt.Sprintf("Configuration reloaded, %d strategies", len(e.Strategies())))
		})
		if err != nil {
			log.Errorf("Config hot reload disabled: %v", err)
		}
	}
	current := func() *config.Config {
		if watcher != nil {
			return watcher.Current()
		}
		return &cfg
	}

	httpServer, err := wfhttp.StartServer(cfg.System.WebServer, handler.Sources{
		Config:  current,
		Engine:  socks5Server.Engine,
		Targets: socks5Server.Targets,
		Metrics: m,
		Store:   store,
		Geodata: gm,
	})
	if err != nil {
		m.RecordEvent("error", fmt.Sprintf("Failed to start web server: %v", err))
		socks5Server.Stop()
		return log.Errorf("failed to start web server: %w", err)
	}

	log.Infof("waterfall is running. Press Ctrl+C to stop")
	m.RecordEvent("info", "waterfall is fully operational")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	log.Infof("Received signal: %v, shutting down gracefully", sig)
	m.RecordEvent("info", fmt.Sprintf("Shutdown initiated by signal: %v", sig))

	return gracefulShutdown(httpServer, socks5Server, watcher, trace, m)
}

func gracefulShutdown(httpServer *http.Server, socks5Server *socks5.Server, watcher *config.Watcher, trace *capture.Trace, m *metrics.MetricsCollector) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if watcher != nil {
		watcher.Close()
	}

	var wg sync.WaitGroup
	shutdownErrors := make(chan error, 2)

	if httpServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Infof("Shutting down HTTP server...")
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Errorf("HTTP server shutdown error: %v", err)
				shutdownErrors <- fmt.Errorf("HTTP shutdown: %w", err)
			} else {
				log.Infof("HTTP server stopped")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := socks5Server.Stop(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Errorf("SOCKS5 server shutdown error: %v", err)
			shutdownErrors <- fmt.Errorf("SOCKS5 shutdown: %w", err)
		} else {
			log.Infof("SOCKS5 server stopped")
		}
	}()

	log.Infof("Shutting down WebSocket connections...")
	wfhttp.Shutdown()

	shutdownDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		close(shutdownErrors)
		var errs []error
		for err := range shutdownErrors {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			log.Errorf("Shutdown completed with %d errors", len(errs))
			for _, err := range errs {
				log.Errorf("  - %v", err)
			}
			m.RecordEvent("warning", fmt.Sprintf("shutdown with %d errors", len(errs)))
		} else {
			log.Infof("waterfall stopped successfully")
			m.RecordEvent("info", "shutdown complete")
		}

	case <-shutdownCtx.Done():
		log.Errorf("Shutdown timeout reached, forcing exit")
		log.Flush()
		os.Exit(1)
	}

	if trace != nil {
		if err := trace.Close(); err != nil {
			log.Errorf("Failed to close trace: %v", err)
		}
	}
	log.CloseErrorFile()
	log.Flush()
	return nil
}

func initTimezone() {
	tzName := os.Getenv("TZ")
	if tzName == "" {
		tzName = "UTC"
	}

	loc, err := time.LoadLocation(tzName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] Failed to load timezone %s: %v, using UTC\n", tzName, err)
		loc = time.UTC
	}
	time.Local = loc
}

func initLogging(cfg *config.Config) error {
	l := cfg.System.Logging
	log.Init(log.OrigStderr(), l.Level, l.Instaflush)
	log.AttachSink(wfhttp.LogWriter())

	if l.Syslog {
		if err := log.EnableSyslog("waterfall"); err != nil {
			return log.Errorf("Failed to enable syslog: %v", err)
		}
		log.Infof("Syslog enabled")
	}
	if l.ErrorFile != "" {
		if err := log.InitErrorFile(l.ErrorFile); err != nil {
			log.Errorf("Failed to open error log file: %v", err)
		} else {
			log.Infof("Error logging to file: %s", l.ErrorFile)
		}
	}
	return nil
}

func printConfigDefaults(cmd *cobra.Command) {
	var all []*pflag.Flag
	cmd.InheritedFlags().VisitAll(func(f *pflag.Flag) { all = append(all, f) })
	cmd.Flags().VisitAll(func(f *pflag.Flag) { all = append(all, f) })
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	line := ""
	for _, f := range all {
		if line != "" {
			line += " "
		}
		line += fmt.Sprintf("--%s=%s", f.Name, f.Value.String())
	}
	log.Tracef("Effective CLI flags: %s", line)
}
