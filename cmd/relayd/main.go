package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/relay/pkg/config"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/manager"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/scheduler"
	"github.com/cuemby/relay/pkg/supervisor"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "relayd - file distributor supervisor and core engine",
	Long: `relayd is the C8 supervisor process: it starts the file distributor
core (C1-C9) embedded in-process alongside a fixed set of external sibling
processes (log shippers, archive watcher, input/output log, the message
generator), restarts the ones that must not die, and applies backpressure
against the message generator when the outgoing-files directory nears its
hard-link ceiling.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"relayd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the supervisor and the embedded file distributor core",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().String("config", "/etc/relay/relay.conf", "FD configuration file (KEY value format)")
	startCmd.Flags().String("data-dir", "./relay-data", "Durable store directory")
	startCmd.Flags().String("work-dir", "./relay-data/work", "Scratch directory for in-flight transfers")
	startCmd.Flags().String("message-dir", "./relay-data/messages", "Incoming message-file directory")
	startCmd.Flags().String("outgoing-dir", "", "Outgoing message-file directory (for AMG backpressure)")
	startCmd.Flags().String("active-file", "./relay-data/AFD_ACTIVE", "Exclusive-lock active file")
	startCmd.Flags().String("status-file", "./relay-data/afd_status", "Shutdown status snapshot path")

	startCmd.Flags().StringToString("fifo", map[string]string{}, "FIFO paths: command=,message=,finish=,retry=,delete=,trl=,ack=")
	startCmd.Flags().StringToString("worker-binary", map[string]string{}, "Protocol worker binaries, e.g. ftp:fetch=/usr/libexec/relay/ftp_fetch")

	startCmd.Flags().String("log-shipper-binary", "", "Log shipper sibling binary")
	startCmd.Flags().String("archive-watch-binary", "", "Archive watcher sibling binary")
	startCmd.Flags().String("input-log-binary", "", "Input log sibling binary")
	startCmd.Flags().String("output-log-binary", "", "Output log sibling binary")
	startCmd.Flags().String("amg-binary", "", "Message generator (AMG) sibling binary")

	startCmd.Flags().Bool("enable-status-daemon", false, "Expose a /status JSON endpoint")
	startCmd.Flags().String("status-addr", ":8081", "Status daemon listen address")
	startCmd.Flags().Bool("enable-metrics", true, "Expose Prometheus metrics on metrics-addr")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics/health HTTP listen address")
}

func runStart(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	workDir, _ := cmd.Flags().GetString("work-dir")
	messageDir, _ := cmd.Flags().GetString("message-dir")
	outgoingDir, _ := cmd.Flags().GetString("outgoing-dir")
	activeFile, _ := cmd.Flags().GetString("active-file")
	statusFile, _ := cmd.Flags().GetString("status-file")
	fifoPaths, _ := cmd.Flags().GetStringToString("fifo")
	workerBinaries, _ := cmd.Flags().GetStringToString("worker-binary")

	logShipper, _ := cmd.Flags().GetString("log-shipper-binary")
	archiveWatch, _ := cmd.Flags().GetString("archive-watch-binary")
	inputLog, _ := cmd.Flags().GetString("input-log-binary")
	outputLog, _ := cmd.Flags().GetString("output-log-binary")
	amgBinary, _ := cmd.Flags().GetString("amg-binary")

	enableStatusDaemon, _ := cmd.Flags().GetBool("enable-status-daemon")
	statusAddr, _ := cmd.Flags().GetString("status-addr")
	enableMetrics, _ := cmd.Flags().GetBool("enable-metrics")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	watcher.Start()
	defer watcher.Stop()
	fdConf := watcher.Current()

	binaries := make(map[scheduler.BinaryKey]string, len(workerBinaries))
	for key, path := range workerBinaries {
		proto, fetch, err := parseBinaryKey(key)
		if err != nil {
			return err
		}
		binaries[scheduler.BinaryKey{Protocol: proto, Fetch: fetch}] = path
	}

	mgr, err := manager.NewManager(manager.Config{
		DataDir:    dataDir,
		WorkDir:    workDir,
		MessageDir: messageDir,
		FIFOs: manager.FIFOPaths{
			Command: fifoPaths["command"],
			Message: fifoPaths["message"],
			Finish:  fifoPaths["finish"],
			Retry:   fifoPaths["retry"],
			Delete:  fifoPaths["delete"],
			TRL:     fifoPaths["trl"],
			Ack:     fifoPaths["ack"],
		},
		MaxConnections: fdConf.MaxConnections,
		WorkerBinaries: binaries,
	})
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	sup := supervisor.New(supervisor.Config{
		ActiveFile: activeFile,
		StatusFile: statusFile,

		LogShipperBinary:   logShipper,
		ArchiveWatchBinary: archiveWatch,
		InputLogBinary:     inputLog,
		OutputLogBinary:    outputLog,
		AMGBinary:          amgBinary,

		OutgoingDir: outgoingDir,

		EnableStatusDaemon: enableStatusDaemon,
		StatusAddr:         statusAddr,
	}, mgr)
	mgr.SetSiblingRegistry(sup)

	collector := metrics.NewCollector(mgr)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("fd", false, "starting")

	if enableMetrics {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			mux.Handle("/ready", metrics.ReadyHandler())
			mux.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("metrics endpoint: http://%s/metrics\n", metricsAddr)
	}

	if err := sup.Start(); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	metrics.RegisterComponent("fd", true, "running")
	fmt.Println("relayd running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down...")
	sup.Shutdown()
	time.Sleep(100 * time.Millisecond)
	fmt.Println("shutdown complete")
	return nil
}

// parseBinaryKey splits a "protocol" or "protocol:fetch"/"protocol:put" key
// into its scheduler.BinaryKey protocol and direction, defaulting to fetch.
func parseBinaryKey(key string) (protocol string, fetch bool, err error) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			proto := key[:i]
			switch key[i+1:] {
			case "fetch", "get":
				return proto, true, nil
			case "put", "send":
				return proto, false, nil
			default:
				return "", false, fmt.Errorf("invalid worker-binary direction in %q", key)
			}
		}
	}
	return key, true, nil
}
