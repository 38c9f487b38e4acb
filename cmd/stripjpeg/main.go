// Command stripjpeg encodes images as baseline JPEGs, compressing 8-row strips
// in parallel. It can also serve the generated JPEG over HTTP for a quick look
// in a browser, and act as a compression agent for another stripjpeg process.
//
// Usage:
//
//	stripjpeg -i in.png -o out.jpg [flags]
//	stripjpeg -i frame.rgba.zst --raw 1920x1080 -o out.jpg
//	stripjpeg agent
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dlecorfec/stripjpeg"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stripjpeg: %v\n", err)
		os.Exit(1)
	}
}

// flags are the command line settings of an encode run.
type flags struct {
	in, out    string
	raw        string
	configPath string
	hostPort   string
	agents     string
	verbose    bool
	restart    bool
	cfg        stripjpeg.Config
}

func newFlagSet(f *flags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("stripjpeg", pflag.ContinueOnError)
	fs.StringVarP(&f.in, "input", "i", "", "input image file path, - for raw RGBA on stdin")
	fs.StringVarP(&f.out, "output", "o", "", "output JPEG file path, - for stdout")
	fs.StringVar(&f.raw, "raw", "", "read the input as raw RGBA of the given WIDTHxHEIGHT")
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&f.hostPort, "http", "", "host and port for an HTTP server serving the output")
	fs.StringVar(&f.agents, "agents", stripjpeg.AgentModeInProcess, "where strips are compressed: inprocess or process")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "log debug messages")
	fs.IntVarP(&f.cfg.Quality, "quality", "q", stripjpeg.DefaultQuality, "quality from 1 to 100")
	fs.IntVar(&f.cfg.Workers, "workers", 0, "number of compression agents (default GOMAXPROCS)")
	fs.DurationVar(&f.cfg.StripTimeout, "timeout", 0, "per-strip compression timeout, 0 for none")
	fs.IntVar(&f.cfg.Retries, "retries", 1, "retries of a timed out strip")
	fs.BoolVar(&f.restart, "restart", true, "separate strips with restart markers")
	return fs
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) > 0 && args[0] == "agent" {
		return stripjpeg.ServeAgent(stdin, stdout)
	}

	var f flags
	fs := newFlagSet(&f)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if fs.NArg() > 0 {
		return errors.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if (f.in == "" && f.hostPort == "") || f.out == "" {
		return errors.New("input and output file paths must be specified")
	}

	cfg, err := f.config(fs)
	if err != nil {
		return err
	}
	logger := newLogger(f.verbose, stderr)
	defer logger.Sync() //nolint:errcheck

	if f.in != "" {
		if err := encodeFile(ctx, &f, cfg, stdin, stdout, logger); err != nil {
			return err
		}
	}
	if f.hostPort != "" {
		return serve(ctx, f.hostPort, f.out, logger)
	}
	return nil
}

// config merges the configuration file, if any, with the flags set on the
// command line. Explicit flags win.
func (f *flags) config(fs *pflag.FlagSet) (*stripjpeg.Config, error) {
	cfg := f.cfg
	if f.configPath != "" {
		loaded, err := stripjpeg.LoadConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		if fs.Changed("quality") || loaded.Quality == 0 {
			loaded.Quality = f.cfg.Quality
		}
		if fs.Changed("workers") {
			loaded.Workers = f.cfg.Workers
		}
		if fs.Changed("timeout") {
			loaded.StripTimeout = f.cfg.StripTimeout
		}
		if fs.Changed("retries") {
			loaded.Retries = f.cfg.Retries
		}
		if fs.Changed("restart") {
			loaded.RestartMarkers = &f.restart
		}
		cfg = *loaded
	}
	if cfg.RestartMarkers == nil {
		cfg.RestartMarkers = &f.restart
	}
	if fs.Changed("agents") || cfg.Agent.Mode == "" {
		cfg.Agent.Mode = f.agents
	}
	return &cfg, nil
}

// newLogger logs human readable entries to w.
func newLogger(verbose bool, w io.Writer) *zap.Logger {
	cfg := zap.NewDevelopmentEncoderConfig()
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if verbose {
		level.SetLevel(zap.DebugLevel)
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(w), level)
	return zap.New(core)
}

// parseSize parses a WIDTHxHEIGHT pair.
func parseSize(s string) (width, height int, err error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, errors.Errorf("size %q is not WIDTHxHEIGHT", s)
	}
	if width, err = strconv.Atoi(ws); err != nil {
		return 0, 0, errors.Wrapf(err, "size %q", s)
	}
	if height, err = strconv.Atoi(hs); err != nil {
		return 0, 0, errors.Wrapf(err, "size %q", s)
	}
	if width <= 0 || height < 0 {
		return 0, 0, errors.Errorf("size %q is out of range", s)
	}
	return width, height, nil
}

func (f *flags) source(stdin io.Reader) (stripjpeg.Source, error) {
	if f.raw == "" {
		if f.in == "-" {
			return nil, errors.New("reading stdin requires --raw")
		}
		return stripjpeg.FileSource{Path: f.in}, nil
	}
	width, height, err := parseSize(f.raw)
	if err != nil {
		return nil, err
	}
	if f.in == "-" {
		return stripjpeg.StreamSource{R: stdin, Width: width, Height: height}, nil
	}
	return stripjpeg.FileSource{Path: f.in, Width: width, Height: height}, nil
}

func encodeFile(
	ctx context.Context,
	f *flags,
	cfg *stripjpeg.Config,
	stdin io.Reader,
	stdout io.Writer,
	logger *zap.Logger,
) error {
	src, err := f.source(stdin)
	if err != nil {
		return err
	}
	opts, err := cfg.Options(logger)
	if err != nil {
		return err
	}
	start := time.Now()
	data, err := stripjpeg.Encode(ctx, src, opts)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", f.in)
	}
	if f.out == "-" {
		_, err = stdout.Write(data)
	} else {
		err = os.WriteFile(f.out, data, 0o644)
	}
	if err != nil {
		return errors.Wrapf(err, "writing %s", f.out)
	}
	digest := blake3.Sum256(data)
	logger.Info("wrote jpeg",
		zap.String("path", f.out),
		zap.Int("bytes", len(data)),
		zap.String("blake3", hex.EncodeToString(digest[:])),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// serve serves the output file until ctx is done.
func serve(ctx context.Context, hostPort, path string, logger *zap.Logger) error {
	srv := &http.Server{
		Addr: hostPort,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, path)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("serving", zap.String("path", path), zap.String("url", "http://"+hostPort+"/"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "cant start http server on %s", hostPort)
	}
	return nil
}
