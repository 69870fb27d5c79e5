package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opstat/opstat/internal/api"
	"github.com/opstat/opstat/internal/archive"
	"github.com/opstat/opstat/internal/auth"
	"github.com/opstat/opstat/internal/config"
	"github.com/opstat/opstat/internal/service"
	"github.com/opstat/opstat/internal/store"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "opstatd",
		Short: "Per-operation kernel resource statistics host",
		Long:  "opstatd aggregates per-operation rusage statistics (CPU time, filesystem I/O)\ninto a bounded table and serves them over a control API.",
	}

	var configFile string
	var port int
	var devMode bool
	var demoMode bool

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the statistics host and control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile, port, devMode, demoMode)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: opstat.yaml)")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port (default: 6788)")
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *")
	serveCmd.Flags().BoolVar(&demoMode, "demo", false, "Generate a synthetic workload for trying out the API")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether a local host is up and accepting operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(port)
		},
	}
	statusCmd.Flags().IntVarP(&port, "port", "p", 0, "Host port (default: 6788)")

	var filterExpr, token string
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "List aggregated statistics rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(port, token, filterExpr)
		},
	}
	statsCmd.Flags().IntVarP(&port, "port", "p", 0, "Host port (default: 6788)")
	statsCmd.Flags().StringVarP(&token, "token", "t", "", "Bearer token")
	statsCmd.Flags().StringVarP(&filterExpr, "filter", "f", "", "CEL row filter, e.g. 'user_time > 0.5'")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard every aggregated row",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(port, token)
		},
	}
	resetCmd.Flags().IntVarP(&port, "port", "p", 0, "Host port (default: 6788)")
	resetCmd.Flags().StringVarP(&token, "token", "t", "", "Bearer token")

	dumpCmd := &cobra.Command{
		Use:   "dump [snapshot-file]",
		Short: "Print the contents of a snapshot file without consuming it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(args[0])
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history [archive-file]",
		Short: "List archived generations from a shutdown archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(args[0])
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("opstatd %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	rootCmd.AddCommand(serveCmd, statusCmd, statsCmd, resetCmd, dumpCmd, historyCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func findConfigFile() string {
	for _, candidate := range []string{"opstat.yaml", "opstat.yml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func runServe(configFile string, portOverride int, devMode, demoMode bool) error {
	cfgLoader := config.NewLoader(nil)
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	cfg := cfgLoader.Get()

	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	// The level lives in a LevelVar so a config rewrite can change it
	// without restarting.
	logLevel := new(slog.LevelVar)
	logLevel.Set(parseLogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	var arch *archive.SQLiteArchive
	if cfg.Archive.Enabled {
		a, err := archive.Open(cfg.Archive.Path)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer func() { _ = a.Close() }()
		arch = a
	}

	svc, err := service.New(cfg, archiverOrNil(arch), logger)
	if err != nil {
		return err
	}
	svc.Start()

	var tokenManager *auth.TokenManager
	if cfg.Server.Auth.Enabled {
		tokenManager = auth.NewTokenManager(cfg.Server.Auth, time.Hour, logger)
	}

	apiServer, err := api.NewServer(cfg.Server, svc, arch, tokenManager, logger)
	if err != nil {
		return err
	}

	if configFile != "" {
		if err := cfgLoader.Watch(configFile, func(next *config.Config) {
			logLevel.Set(parseLogLevel(next.Server.LogLevel))
			logger.Info("log level updated", "level", next.Server.LogLevel)
		}); err != nil {
			logger.Error("failed to watch config for hot-reload", "error", err)
		}
		defer cfgLoader.StopWatch()
	}

	demoDone := make(chan struct{})
	if demoMode {
		go runDemoWorkload(svc, demoDone)
	}

	fmt.Printf("opstatd %s\n", version)
	fmt.Printf("  Control API:  http://localhost:%d/api/stats\n", cfg.Server.Port)
	fmt.Printf("  Live feed:    ws://localhost:%d/api/ws/stats\n", cfg.Server.Port)
	fmt.Printf("  Capacity:     %d identities\n", cfg.Stats.Capacity)
	fmt.Printf("  Snapshot:     %s\n", cfg.Stats.SnapshotPath)
	if cfg.Archive.Enabled {
		fmt.Printf("  Archive:      %s\n", cfg.Archive.Path)
	}
	fmt.Println()

	// Graceful shutdown. Only this path saves the snapshot; a crash
	// leaves the previous file on disk.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		close(demoDone)
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = apiServer.Shutdown(shutCtx)
		svc.Shutdown()
	}()

	if err := apiServer.Start(api.APIAddr(cfg.Server.Port)); err != nil && err != http.ErrServerClosed {
		svc.Shutdown()
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// archiverOrNil avoids handing the service a non-nil interface holding
// a nil pointer.
func archiverOrNil(a *archive.SQLiteArchive) service.GenerationArchiver {
	if a == nil {
		return nil
	}
	return a
}

// runDemoWorkload feeds the hooks with synthetic operations so the API
// has something to show.
func runDemoWorkload(svc *service.Service, done chan struct{}) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			op := svc.OnOperationStart()
			// Burn a little CPU so the measurement is non-trivial.
			x := 0
			for i := 0; i < 200_000; i++ {
				x += i
			}
			_ = x
			svc.OnOperationEnd(op, store.Identity{
				Principal: uint32(10 + rng.Intn(3)),
				Database:  uint32(1 + rng.Intn(2)),
				Operation: uint64(100 + rng.Intn(20)),
			})
		}
	}
}

func resolvePort(port int) int {
	if port > 0 {
		return port
	}
	return config.DefaultConfig().Server.Port
}

func apiGet(port int, path, token string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://localhost:%d%s", port, path), nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: %s", resp.Status, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runStatus(port int) error {
	p := resolvePort(port)

	var health struct {
		Status       string `json:"status"`
		Initialized  bool   `json:"initialized"`
		IOAccounting bool   `json:"io_accounting"`
	}
	if err := apiGet(p, "/api/health", "", &health); err != nil {
		fmt.Printf("opstatd is not running on port %d\n", p)
		return nil
	}

	fmt.Println("opstatd status")
	fmt.Printf("  %-16s %s\n", "status:", health.Status)
	fmt.Printf("  %-16s %v\n", "initialized:", health.Initialized)
	fmt.Printf("  %-16s %v\n", "io accounting:", health.IOAccounting)
	return nil
}

func runStats(port int, token, filterExpr string) error {
	p := resolvePort(port)

	path := "/api/stats"
	if filterExpr != "" {
		path += "?filter=" + strings.ReplaceAll(filterExpr, " ", "+")
	}

	var result struct {
		Stats []map[string]interface{} `json:"stats"`
		Total int                      `json:"total"`
	}
	if err := apiGet(p, path, token, &result); err != nil {
		return err
	}

	if result.Total == 0 {
		fmt.Println("No statistics recorded.")
		return nil
	}

	fmt.Printf("%-10s %-10s %-12s %8s %10s %10s %12s %12s\n",
		"PRINCIPAL", "DATABASE", "OPERATION", "CALLS", "READS", "WRITES", "USER_TIME", "SYS_TIME")
	for _, row := range result.Stats {
		fmt.Printf("%-10v %-10v %-12v %8v %10v %10v %12.4f %12.4f\n",
			row["principal"], row["database"], row["operation"], row["calls"],
			orDash(row["reads"]), orDash(row["writes"]),
			asFloat(row["user_time"]), asFloat(row["system_time"]))
	}
	fmt.Printf("\n%d rows\n", result.Total)
	return nil
}

func orDash(v interface{}) interface{} {
	if v == nil {
		return "-"
	}
	return v
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func runReset(port int, token string) error {
	p := resolvePort(port)

	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://localhost:%d/api/stats/reset", p), nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: %s", resp.Status, e.Error)
	}
	fmt.Println("Statistics reset.")
	return nil
}

func runDump(path string) error {
	rows, err := store.ReadSnapshotFile(path)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	fmt.Printf("%-10s %-10s %-12s %8s %10s %10s %12s %12s %8s\n",
		"PRINCIPAL", "DATABASE", "OPERATION", "CALLS", "READS", "WRITES", "USER_TIME", "SYS_TIME", "USAGE")
	for _, r := range rows {
		fmt.Printf("%-10d %-10d %-12d %8d %10d %10d %12.4f %12.4f %8.3f\n",
			r.Principal, r.Database, r.Operation, r.Calls,
			r.Reads, r.Writes, r.UserTime, r.SystemTime, r.Usage)
	}
	fmt.Printf("\n%d rows\n", len(rows))
	return nil
}

func runHistory(path string) error {
	a, err := archive.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() { _ = a.Close() }()

	gens, err := a.ListGenerations(0)
	if err != nil {
		return err
	}
	if len(gens) == 0 {
		fmt.Println("No generations archived.")
		return nil
	}

	fmt.Printf("%-28s %-22s %8s\n", "GENERATION", "RECORDED", "ENTRIES")
	for _, g := range gens {
		fmt.Printf("%-28s %-22s %8d\n", g.ID, g.RecordedAt.Format(time.RFC3339), g.EntryCount)
	}
	return nil
}
