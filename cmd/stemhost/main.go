// Command stemhost runs the instrument host with its HTTP control surface and
// renders saved captures to per-stem WAV files.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cbegin/stemhost-go"
	"github.com/cbegin/stemhost-go/internal/api"
	"github.com/cbegin/stemhost-go/internal/config"
	"github.com/cbegin/stemhost-go/internal/logging"
	"github.com/cbegin/stemhost-go/internal/render"
	"github.com/cbegin/stemhost-go/internal/takes"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	configPath string
	logLevel   string

	listenAddr string
	noAudio    bool
	takesPath  string

	outputDir   string
	projectName string
	tailSeconds float64
	buses       []string

	midiOut string
	bpm     float64
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stemhost",
	Short: "Sample-accurate MIDI instrument host with stem rendering",
	Long: `stemhost hosts software instruments, schedules timestamped MIDI to them
with sample accuracy, records performances and renders them offline to
one WAV file per stem bus.

Examples:
  stemhost run --config stemhost.yaml
  stemhost run --no-audio --addr 127.0.0.1:9000
  stemhost render take.json -o renders --bus Drums
  stemhost export-midi take.json -o take.mid
  stemhost config > stemhost.yaml`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Open the audio device and serve the HTTP control API",
	Args:  cobra.NoArgs,
	RunE:  runHost,
}

var renderCmd = &cobra.Command{
	Use:   "render <capture.json>",
	Short: "Render a saved capture to per-bus WAV files",
	Args:  cobra.ExactArgs(1),
	RunE:  runRender,
}

var exportCmd = &cobra.Command{
	Use:   "export-midi <capture.json>",
	Short: "Convert a saved capture to a Standard MIDI File",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	runCmd.Flags().StringVar(&listenAddr, "addr", "", "HTTP listen address (overrides config)")
	runCmd.Flags().BoolVar(&noAudio, "no-audio", false, "do not open the audio device")
	runCmd.Flags().StringVar(&takesPath, "takes", "", "SQLite take archive path (overrides config)")

	renderCmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory (overrides config)")
	renderCmd.Flags().StringVar(&projectName, "project", "", "file name prefix (overrides config)")
	renderCmd.Flags().Float64Var(&tailSeconds, "tail", -1, "seconds rendered after the last event (negative uses config)")
	renderCmd.Flags().StringSliceVar(&buses, "bus", nil, "bus to render; repeatable, default all enabled")

	exportCmd.Flags().StringVarP(&midiOut, "output", "o", "capture.mid", "output .mid path")
	exportCmd.Flags().Float64Var(&bpm, "bpm", 0, "tempo written to the file (default from config)")

	rootCmd.AddCommand(runCmd, renderCmd, exportCmd, configCmd)
}

func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func runHost(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()
	if listenAddr != "" {
		cfg.Server.Addr = listenAddr
	}
	if takesPath != "" {
		cfg.Takes.Path = takesPath
	}

	h, err := stemhost.NewHostFromConfig(cfg, stemhost.WithLogger(log))
	if err != nil {
		return err
	}
	defer h.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !noAudio {
		if err := h.Start(); err != nil {
			return fmt.Errorf("start audio: %w", err)
		}
	}

	opts := []api.Option{api.WithLogger(log)}
	if cfg.Takes.Path != "" {
		store, err := takes.Open(cfg.Takes.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, api.WithTakes(store))
	}

	log.Info("stemhost running",
		zap.Strings("units", h.Units()),
		zap.Int("sample_rate", h.SampleRate()),
		zap.Bool("audio", !noAudio))
	return api.New(h, opts...).Run(ctx, cfg.Server.Addr)
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	opts := render.Options{
		OutputDir:   outputDir,
		ProjectName: projectName,
		Buses:       buses,
		TailSeconds: tailSeconds,
		Progress: func(p float64) {
			log.Debug("render progress", zap.Float64("progress", p))
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := stemhost.RenderCaptureFile(ctx, cfg, args[0], opts, stemhost.WithLogger(log))
	for _, f := range res.Files {
		if f.Err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", f.Bus, f.Err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d frames\n", f.Bus, f.Path, f.Frames)
	}
	return err
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()
	tempo := bpm
	if tempo <= 0 {
		tempo = cfg.Engine.BPM
	}
	if err := stemhost.ExportCaptureMIDI(args[0], midiOut, tempo); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", midiOut)
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
