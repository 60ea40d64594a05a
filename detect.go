package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"aruco_bridge/aruco"
	"aruco_bridge/core"
	"aruco_bridge/logging"
	"aruco_bridge/metrics"
	"aruco_bridge/session"
	"aruco_bridge/vision"
)

// Output formats for detect and version.
const (
	formatJSON = "json"
	formatYAML = "yaml"
	formatText = "text"
)

type detectOptions struct {
	envFile      string
	format       string
	output       string
	downscale    int
	markerSize   float64
	detector     string
	frameCorners bool
	quiet        bool
}

// imageReport is the detection outcome for one input file.
type imageReport struct {
	Path         string               `json:"path" yaml:"path"`
	Width        int                  `json:"width" yaml:"width"`
	Height       int                  `json:"height" yaml:"height"`
	Markers      []session.MarkerView `json:"markers" yaml:"markers"`
	FrameCorners []float32            `json:"frame_corners,omitempty" yaml:"frame_corners,omitempty"`
	Error        string               `json:"error,omitempty" yaml:"error,omitempty"`
}

type detectReport struct {
	Build      core.BuildInfo `json:"build" yaml:"build"`
	Detector   string         `json:"detector" yaml:"detector"`
	Downscale  int            `json:"downscale" yaml:"downscale"`
	MarkerSize float64        `json:"marker_size" yaml:"marker_size"`
	Images     []imageReport  `json:"images" yaml:"images"`
}

func runDetect(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var opts detectOptions
	fs := flag.NewFlagSet("detect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.envFile, "env", "", "load variables from this file instead of ./.env")
	fs.StringVar(&opts.format, "format", formatJSON, "output format: json or yaml")
	fs.StringVar(&opts.output, "o", "", "write the report to this file instead of stdout")
	fs.IntVar(&opts.downscale, "downscale", 0, "override ARUCO_DOWNSCALE")
	fs.Float64Var(&opts.markerSize, "marker-size", 0, "override ARUCO_MARKER_SIZE (metres)")
	fs.StringVar(&opts.detector, "detector", "", "override ARUCO_DETECTOR")
	fs.BoolVar(&opts.frameCorners, "frame-corners", false, "also report corners mapped back to full image resolution")
	fs.BoolVar(&opts.quiet, "q", false, "do not print the summary")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: aruco_bridge detect [options] image...")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return core.ExitCodeSuccess
		}
		return core.ExitCodeUsage
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "detect: no input images")
		fs.Usage()
		return core.ExitCodeUsage
	}
	if opts.format != formatJSON && opts.format != formatYAML {
		fmt.Fprintf(stderr, "detect: unknown format %q\n", opts.format)
		return core.ExitCodeUsage
	}

	if err := loadEnvFile(opts.envFile); err != nil {
		printConfigError(stderr, err)
		return core.ExitCodeConfig
	}
	cfg, err := loadDetectConfig(opts)
	if err != nil {
		printConfigError(stderr, err)
		return core.ExitCodeConfig
	}

	logger, err := newCLILogger(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to initialize logger: %v\n", err)
		return core.ExitCodeError
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Infow("Configuration loaded",
		"marker_size", cfg.MarkerSize,
		"downscale", cfg.Downscale,
		"detector", cfg.Detector,
		logging.FieldFrameWidth, cfg.FrameWidth,
		logging.FieldFrameHeight, cfg.FrameHeight,
		"dev_mode", logger.IsDevelopment(),
		"log_file", logger.LogFilePath(),
	)

	store := metrics.NewStore(metrics.DefaultStoreConfig(), time.Now())
	runner := newDetectRunner(cfg, logger, store)
	defer runner.Close()

	report := detectReport{
		Build:      core.GetBuildInfo(),
		Detector:   cfg.Detector,
		Downscale:  max(cfg.Downscale, 1),
		MarkerSize: cfg.MarkerSize,
	}
	for _, path := range fs.Args() {
		if ctx.Err() != nil {
			logger.Info("Received interrupt signal. Stopping...", zap.Int("remaining", fs.NArg()-len(report.Images)))
			break
		}
		report.Images = append(report.Images, runner.process(path, opts.frameCorners))
	}

	if err := writeReport(report, opts, stdout); err != nil {
		logger.Errorw("Failed to write report", "output", opts.output, "error", err)
		return core.ExitCodeError
	}
	if !opts.quiet {
		printSummary(stderr, report, store.GetFrameMetrics(), store.Uptime())
	}

	if ctx.Err() != nil {
		return cancelledExitCode(ctx)
	}
	for _, img := range report.Images {
		if img.Error != "" {
			return core.ExitCodeError
		}
	}
	return core.ExitCodeSuccess
}

// loadDetectConfig loads the environment configuration and applies the
// command line overrides.
func loadDetectConfig(opts detectOptions) (*core.Config, error) {
	cfg, err := core.LoadConfig()
	if err != nil {
		return nil, err
	}
	if opts.downscale != 0 {
		cfg.Downscale = opts.downscale
	}
	if opts.markerSize != 0 {
		cfg.MarkerSize = opts.markerSize
	}
	if opts.detector != "" {
		cfg.Detector = opts.detector
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newCLILogger logs to stderr, keeping stdout for the report, and to the
// rotating log file.
func newCLILogger(cfg *core.Config, stderr io.Writer) (*logging.Logger, error) {
	return logging.NewLogger(cfg.DevMode, cfg.LogLevel, stderr, cfg.LogFile)
}

func printConfigError(w io.Writer, err error) {
	red := color.New(color.FgRed, color.Bold)
	if ce, ok := core.IsConfigError(err); ok {
		red.Fprintf(w, "Configuration error [%s]: ", ce.Code)
		fmt.Fprintln(w, ce.Message)
		if ce.Action != "" {
			color.New(color.FgYellow).Fprintf(w, "    └─ %s\n", ce.Action)
		}
		return
	}
	red.Fprint(w, "Configuration error: ")
	fmt.Fprintln(w, err)
}

// detectRunner owns one session per frame size and the detector backend
// they share.
type detectRunner struct {
	cfg      *core.Config
	logger   *logging.Logger
	store    *metrics.Store
	sessions map[[2]int]*session.Session
	detector aruco.MarkerDetector
}

func newDetectRunner(cfg *core.Config, logger *logging.Logger, store *metrics.Store) *detectRunner {
	return &detectRunner{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		sessions: make(map[[2]int]*session.Session),
	}
}

// sessionFor returns the session for a frame of the given size. With a
// configured frame size every image goes to that one session, and images of
// another size fail with a dimension mismatch.
func (r *detectRunner) sessionFor(width, height int) (*session.Session, error) {
	sc := r.cfg.SessionConfig(width, height)
	if r.cfg.FrameWidth > 0 {
		sc = r.cfg.SessionConfig(0, 0)
	}
	// Decoded images are always laid out as RGBA.
	sc.PixelFormat = vision.PixelFormatRGBA

	key := [2]int{sc.FrameWidth, sc.FrameHeight}
	if s, ok := r.sessions[key]; ok {
		return s, nil
	}

	if r.detector == nil {
		d, err := aruco.NewBackend(r.cfg.Detector)
		if err != nil {
			return nil, err
		}
		r.detector = d
	}

	s, err := session.New(sc,
		session.WithLogger(r.logger),
		session.WithDetector(r.detector),
		session.WithMetrics(r.store),
	)
	if err != nil {
		return nil, err
	}
	r.sessions[key] = s
	return s, nil
}

func (r *detectRunner) process(path string, frameCorners bool) imageReport {
	rep := imageReport{Path: path}
	fail := func(err error) imageReport {
		rep.Error = err.Error()
		r.logger.Warnw("Image failed", "path", path, "error", err)
		return rep
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fail(err)
	}
	img, err := vision.DecodeImage(data)
	if err != nil {
		return fail(err)
	}
	frame, w, h := vision.FrameFromImage(img)
	rep.Width, rep.Height = w, h

	s, err := r.sessionFor(w, h)
	if err != nil {
		return fail(err)
	}
	res, err := s.Detect(frame)
	if err != nil {
		return fail(err)
	}

	rep.Markers = res.Markers()
	if frameCorners {
		rep.FrameCorners = res.FrameCorners(s.Config().Downscale)
	}
	r.logger.Info("Image processed", zap.String("path", path), zap.Int(logging.FieldMarkers, res.Count))
	return rep
}

// Close releases every session and the detector.
func (r *detectRunner) Close() {
	for key, s := range r.sessions {
		if err := s.Close(); err != nil {
			r.logger.Warn("Failed to close session", zap.String(logging.FieldSessionID, s.ID()), zap.Error(err))
		}
		delete(r.sessions, key)
	}
	if r.detector != nil {
		if err := aruco.CloseDetector(r.detector); err != nil {
			r.logger.Warn("Failed to close detector", zap.Error(err))
		}
		r.detector = nil
	}
}

func writeReport(report detectReport, opts detectOptions, stdout io.Writer) (err error) {
	w := stdout
	if opts.output != "" {
		var f *os.File
		f, err = os.Create(opts.output)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		w = f
	}
	return encode(w, opts.format, report)
}

// encode writes v as indented JSON or YAML.
func encode(w io.Writer, format string, v any) error {
	switch format {
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

func printSummary(w io.Writer, report detectReport, m metrics.FrameMetrics, elapsed time.Duration) {
	fmt.Fprintln(w)
	color.New(color.FgCyan, color.Bold).Fprintln(w, "━━━ Detection Summary ━━━")

	failed := 0
	for _, img := range report.Images {
		if img.Error != "" {
			failed++
			color.New(color.FgRed).Fprintf(w, "  ✗ %s", img.Path)
			color.New(color.FgHiBlack).Fprintf(w, " - %s\n", img.Error)
			continue
		}
		ids := make([]int32, len(img.Markers))
		for i, mk := range img.Markers {
			ids[i] = mk.ID
		}
		clr := color.New(color.FgGreen)
		if len(ids) == 0 {
			clr = color.New(color.FgYellow)
		}
		clr.Fprintf(w, "  ✓ %s", img.Path)
		color.New(color.FgHiBlack).Fprintf(w, " - %d markers %v\n", len(ids), ids)
	}

	status := color.New(color.FgGreen, color.Bold)
	if failed > 0 {
		status = color.New(color.FgRed, color.Bold)
	}
	status.Fprintf(w, "━━━ %d images, %d with markers (%.0f%%), %d markers, %d failed ",
		len(report.Images), m.FramesWithMarkers, 100*m.DetectionRate(), m.TotalMarkers, failed)
	color.New(color.FgHiBlack).Fprintf(w, "(avg %v, total %v)", m.AvgDuration.Round(time.Microsecond), elapsed.Round(time.Millisecond))
	status.Fprintln(w, " ━━━")
}
