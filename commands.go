package resolver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// DefaultCLICacheDir is the cache directory used by the command line tool
// when neither a flag nor a config file names one.
const DefaultCLICacheDir = "./.model-cache"

// DefaultServePort is the port used by the serve command.
const DefaultServePort = 8787

// globalFlags holds flags shared by every subcommand.
type globalFlags struct {
	configPath string
	cacheDir   string
	logLevel   string
	verbose    bool
	jsonOutput bool
}

// NewCommand creates a Cobra command tree for resolving models.
//
// Commands provided:
//   - resolve <source> [-m NAME]... [-o DIR] [--verify-sha256] [-q] [--concurrency N]
//   - list <source>
//   - serve <source> [-m NAME]... [-p PORT] [--host H] [--metrics-addr ADDR]
//   - cache-stats
//   - clear-cache [-y]
//
// Global flags: --cache-dir, --config, --json, --verbose, --log-level
func NewCommand(opts ...Option) *cobra.Command {
	var (
		flags globalFlags
		cfg   Config
	)

	// Resolver will be created in PersistentPreRunE
	var res Resolver

	cmd := &cobra.Command{
		Use:   "model-resolver",
		Short: "Resolve sharded model files",
		Long:  "Download and reassemble model files from a CDN or a local flat repo.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip resolver creation for help commands
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}

			fc, logger, err := loadCLIConfig(cmd, &flags)
			if err != nil {
				return err
			}
			cfg = mergeConfig(cmd, fc.Config, &flags, cfg)

			all := append([]Option{WithLogger(NewLogrusLogger(logger))}, opts...)
			res, err = New(cfg, all...)
			if err != nil {
				return fmt.Errorf("failed to initialize resolver: %w", err)
			}
			return nil
		},
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML config file (default $"+ConfigFileEnv+")")
	pf.StringVar(&flags.cacheDir, "cache-dir", DefaultCLICacheDir, "Cache directory")
	pf.StringVar(&flags.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Verbose output (debug logging)")
	pf.BoolVar(&flags.jsonOutput, "json", false, "Output in JSON format")

	cmd.AddCommand(resolveCmd(&res, &cfg, &flags))
	cmd.AddCommand(listCmd(&res, &flags))
	cmd.AddCommand(serveCmd(&res, &flags))
	cmd.AddCommand(cacheStatsCmd(&res, &flags))
	cmd.AddCommand(clearCacheCmd(&res, &flags))

	return cmd
}

// loadCLIConfig reads the config file and builds the logrus logger.
func loadCLIConfig(cmd *cobra.Command, flags *globalFlags) (*FileConfig, *logrus.Logger, error) {
	path := flags.configPath
	if path == "" {
		path = os.Getenv(ConfigFileEnv)
	}
	fc, err := LoadConfigFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errInvalidArgs, err)
	}

	level := fc.LogLevel
	if cmd.Flags().Changed("log-level") || level == "" {
		level = flags.logLevel
	}
	if flags.verbose {
		level = "debug"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errInvalidArgs, err)
	}

	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(lvl)
	return fc, logger, nil
}

// mergeConfig layers explicitly set flags over the config file. cur holds
// values bound directly to subcommand flags.
func mergeConfig(cmd *cobra.Command, file Config, flags *globalFlags, cur Config) Config {
	cfg := file
	if cmd.Flags().Changed("cache-dir") || cfg.CacheDir == "" {
		cfg.CacheDir = flags.cacheDir
	}
	if f := cmd.Flags().Lookup("verify-sha256"); f != nil && f.Changed {
		cfg.VerifySHA256 = cur.VerifySHA256
	}
	if f := cmd.Flags().Lookup("concurrency"); f != nil && f.Changed {
		cfg.Concurrency = cur.Concurrency
	}
	return cfg
}

// errInvalidArgs marks command line mistakes for exit code mapping.
var errInvalidArgs = errors.New("invalid arguments")

// IsInvalidArgs reports whether err came from bad flags or config.
func IsInvalidArgs(err error) bool {
	return errors.Is(err, errInvalidArgs) || errors.Is(err, ErrInvalidSource)
}

// resolveOutput is the JSON shape of the resolve command.
type resolveOutput struct {
	Dir     string         `json:"dir"`
	Summary ResolveSummary `json:"summary"`
}

func resolveCmd(res *Resolver, cfg *Config, flags *globalFlags) *cobra.Command {
	var (
		manifests []string
		quiet     bool
		output    string
	)

	cmd := &cobra.Command{
		Use:   "resolve <source>",
		Short: "Resolve a model to a local directory",
		Long: "Fetch and reassemble the files of a model into the cache and print the directory.\n" +
			"The source may be a directory, a base URL, or the filemap.json inside either.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var summary ResolveSummary
			opts := []ResolveOption{WithManifest(manifests...), WithSummary(&summary)}
			if output != "" {
				opts = append(opts, WithOutputDir(output))
			}
			if !quiet && !flags.jsonOutput {
				opts = append(opts, WithProgress(newProgressPrinter(cmd.ErrOrStderr())))
			}

			dir, err := (*res).Resolve(ctx, args[0], opts...)
			if err != nil {
				return err
			}

			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), resolveOutput{Dir: dir, Summary: summary})
			}
			if quiet {
				fmt.Fprintln(cmd.OutOrStdout(), dir)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d new, %d cached, %d verified, %d failed\n",
				summary.New, summary.Cached, summary.Verified, summary.Failed)
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved to: %s\n", dir)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&manifests, "manifest", "m", nil, "Manifest name (repeatable)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write files to this directory instead of the cache")
	cmd.Flags().BoolVar(&cfg.VerifySHA256, "verify-sha256", false, "Verify SHA-256 of every resolved file")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output")
	cmd.Flags().IntVar(&cfg.Concurrency, "concurrency", DefaultConcurrency, "Parallel file fetches for remote sources")
	return cmd
}

// listOutput is the JSON shape of the list command.
type listOutput struct {
	Source       string              `json:"source"`
	Manifests    []ManifestInfo      `json:"manifests"`
	GGUFMetadata map[string]GGUFInfo `json:"gguf_metadata,omitempty"`
}

func listCmd(res *Resolver, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list <source>",
		Short: "List the manifests of a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			manifests, err := (*res).ListManifests(ctx, args[0])
			if err != nil {
				return err
			}
			gguf, err := (*res).GGUFMetadata(ctx, args[0])
			if err != nil {
				return err
			}

			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), listOutput{Source: args[0], Manifests: manifests, GGUFMetadata: gguf})
			}
			return outputManifests(cmd.OutOrStdout(), args[0], manifests, gguf)
		},
	}
}

func serveCmd(res *Resolver, flags *globalFlags) *cobra.Command {
	var (
		manifests   []string
		port        int
		host        string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve <source>",
		Short: "Resolve a model and serve it over HTTP",
		Long:  "Resolve a model and serve the directory with byte-range and CORS support until interrupted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Resolving model from %s...\n", args[0])

			srv, err := (*res).Serve(ctx, args[0],
				[]ServeOption{WithHost(host), WithPort(port)},
				WithManifest(manifests...),
				WithProgress(newProgressPrinter(cmd.ErrOrStderr())),
			)
			if err != nil {
				return err
			}

			var metricsSrv *http.Server
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", MetricsHandler())
				metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						fmt.Fprintf(cmd.ErrOrStderr(), "metrics server: %v\n", err)
					}
				}()
				fmt.Fprintf(out, "Metrics at: http://%s/metrics\n", metricsAddr)
			}

			fmt.Fprintf(out, "\nServing at: %s\n", srv.URL())
			fmt.Fprintln(out, "Press Ctrl+C to stop.")

			<-ctx.Done()
			fmt.Fprintln(out, "\nShutting down...")

			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				metricsSrv.Shutdown(shutdownCtx)
				cancel()
			}
			return srv.Shutdown(context.Background())
		},
	}

	cmd.Flags().StringArrayVarP(&manifests, "manifest", "m", nil, "Manifest name (repeatable)")
	cmd.Flags().IntVarP(&port, "port", "p", DefaultServePort, "Port to listen on (0 picks a free port)")
	cmd.Flags().StringVar(&host, "host", DefaultServerHost, "Host to bind")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func cacheStatsCmd(res *Resolver, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cache-stats",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := (*res).CacheStats()
			if err != nil {
				return err
			}

			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Cache: %s\n", stats.CacheDir)
			fmt.Fprintf(w, "Files: %d\n", stats.Files)
			fmt.Fprintf(w, "Size:  %.1f MB (%d bytes)\n", stats.MB, stats.Bytes)
			return nil
		},
	}
}

func clearCacheCmd(res *Resolver, flags *globalFlags) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear-cache",
		Short: "Remove all cached files",
		Long:  "Remove the cache directory with every resolved model, shard and filemap copy.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := (*res).CacheDir()

			// Confirmation prompt
			if !yes {
				fmt.Fprintf(cmd.OutOrStdout(), "Remove everything under %s? [y/N]: ", dir)
				if !confirmPrompt(cmd.InOrStdin()) {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			if err := (*res).ClearCache(); err != nil {
				return err
			}
			if flags.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"cleared": dir})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cache cleared: %s\n", dir)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")
	return cmd
}

// confirmPrompt reads from stdin and returns true only if the user types 'y' or 'yes'.
func confirmPrompt(r io.Reader) bool {
	scanner := bufio.NewScanner(r)
	if scanner.Scan() {
		response := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return response == "y" || response == "yes"
	}
	return false
}

// Output helpers

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outputManifests(w io.Writer, source string, manifests []ManifestInfo, gguf map[string]GGUFInfo) error {
	if len(manifests) == 0 {
		fmt.Fprintln(w, "No manifests found")
	} else {
		fmt.Fprintf(w, "Manifests in %s:\n\n", source)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  NAME\tFILES\tSIZE")
		for _, m := range manifests {
			fmt.Fprintf(tw, "  %s\t%d\t%s\n", m.Name, m.Files, units.BytesSize(float64(m.Size)))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(gguf) == 0 {
		return nil
	}

	keys := make([]string, 0, len(gguf))
	for k := range gguf {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(w, "\nGGUF metadata:")
	for _, k := range keys {
		meta := gguf[k]
		fmt.Fprintf(w, "  [%s] %s: arch=%s quant=%s ctx=%s\n",
			meta.Field("classification"), k, meta.Field("architecture"),
			meta.Field("quantization"), meta.Field("context_length"))
	}
	return nil
}

// newProgressPrinter returns a progress callback that redraws one line.
func newProgressPrinter(w io.Writer) func(ProgressEvent) {
	return func(ev ProgressEvent) {
		renderProgress(w, ev)
	}
}

// renderProgress renders the progress bar to the writer.
// Format: ████████░░░░░░░░░░░░  40% 1.2MiB/3MiB onnx/model_q4f16.onnx
func renderProgress(w io.Writer, ev ProgressEvent) {
	if ev.Done {
		fmt.Fprintf(w, "\r\x1b[KComplete: %s\n", units.BytesSize(float64(ev.Loaded)))
		return
	}

	const barWidth = 20
	filled := ev.Percent * barWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	file := ev.File
	if len(file) > 40 {
		file = "..." + file[len(file)-37:]
	}
	fmt.Fprintf(w, "\r\x1b[K  %s %3d%% %s/%s %s", bar, ev.Percent,
		units.BytesSize(float64(ev.Loaded)), units.BytesSize(float64(ev.Total)), file)
}
