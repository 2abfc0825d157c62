package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/config"
	"github.com/wesleyorama2/volley/internal/engine"
	"github.com/wesleyorama2/volley/internal/output"
)

type runOptions struct {
	summaryExport    string
	htmlReport       string
	metricsAddr      string
	quiet            bool
	progressInterval time.Duration
}

// envFlags maps every environment parameter to its flag.
var envFlags = map[string]string{
	config.KeyBaseURL:          "base-url",
	config.KeyEventHandlerAddr: "event-handler-addr",
	config.KeyTargetRPS:        "target-rps",
	config.KeyTargetEPS:        "target-eps",
	config.KeyTargetVUs:        "target-vus",
	config.KeyIterations:       "iterations",
	config.KeyDuration:         "duration",
	config.KeyNamespace:        "namespace",
	config.KeyChallengeID:      "challenge-id",
	config.KeyFixturesDir:      "fixtures-dir",
	config.KeySeed:             "seed",
	config.KeyRPCSecure:        "rpc-secure",
}

// addEnvFlags registers the environment parameter flags.
func addEnvFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("base-url", "", "challenge API base URL (BASE_URL)")
	f.String("event-handler-addr", "", "event handler gRPC address (EVENT_HANDLER_ADDR)")
	f.Float64("target-rps", 0, "request rate for stages with rateFrom: rps (TARGET_RPS)")
	f.Float64("target-eps", 0, "event rate for stages with rateFrom: eps (TARGET_EPS)")
	f.Int("target-vus", 0, "VUs of per-vu-iterations stages (TARGET_VUS)")
	f.Int64("iterations", 0, "iterations per VU of per-vu-iterations stages (ITERATIONS)")
	f.String("duration", "", "duration of constant stages, e.g. 5m (DURATION)")
	f.String("namespace", "", "game namespace (NAMESPACE)")
	f.String("challenge-id", "", "challenge to select goals from (CHALLENGE_ID)")
	f.String("fixtures-dir", "", "directory holding users.json and tokens.json (FIXTURES_DIR)")
	f.Uint64("seed", 0, "random seed; 0 draws one per run (SEED)")
	f.Bool("rpc-secure", false, "dial the event handler with TLS (RPC_SECURE)")
}

// loadProfile reads the profile and applies environment and flag overrides.
// Flags win over the environment.
func loadProfile(cmd *cobra.Command, nameOrPath string) (*config.Profile, error) {
	v := config.NewViper()
	if err := bindEnvFlags(v, cmd); err != nil {
		return nil, err
	}

	p, err := config.Load(nameOrPath)
	if err != nil {
		return nil, err
	}
	o, err := config.OverridesFrom(v)
	if err != nil {
		return nil, err
	}
	p.Apply(o)
	return p, nil
}

func bindEnvFlags(v *viper.Viper, cmd *cobra.Command) error {
	for key, name := range envFlags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}
	return nil
}

func newRunCmd(g *globalFlags) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <profile>",
		Short: "Run a load profile",
		Long: `Run a load profile from a YAML file or a built-in preset.

  volley run smoke
  TARGET_RPS=200 DURATION=5m volley run api-load
  volley run profile.yaml --target-eps 50 --summary-export out/summary.json --html-report out/report.html

Exit status is 0 when every threshold passed, 99 when a threshold failed,
2 for configuration or fixture errors and 1 for other failures.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProfile(cmd, g, opts, args[0])
		},
	}
	addEnvFlags(cmd)
	f := cmd.Flags()
	f.StringVar(&opts.summaryExport, "summary-export", "", "write the JSON summary to this file")
	f.StringVar(&opts.htmlReport, "html-report", "", "write an HTML report to this file")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "print only the verdict")
	f.DurationVar(&opts.progressInterval, "progress-interval", 5*time.Second, "how often to print progress; 0 disables it")
	return cmd
}

func runProfile(cmd *cobra.Command, g *globalFlags, opts *runOptions, nameOrPath string) error {
	logger, err := g.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	p, err := loadProfile(cmd, nameOrPath)
	if err != nil {
		return &ExitError{Code: engine.ExitCode(nil, err), Err: err}
	}
	if opts.metricsAddr != "" {
		p.Settings.MetricsAddr = opts.metricsAddr
	}

	eng, err := engine.NewEngine(p, engine.WithLogger(logger))
	if err != nil {
		return &ExitError{Code: engine.ExitCode(nil, err), Err: err}
	}

	out := cmd.OutOrStdout()
	colors := output.SchemeFor(out, g.noColor)
	console := output.NewConsole(out, colors, opts.quiet)

	span := p.Span()
	console.PrintHeader(p.Name, len(p.Stages), span, eng.Seed())

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	ctx, cancel := interruptible(cmd.Context(), sigs, eng, logger)
	defer cancel()

	var wg sync.WaitGroup
	progressCtx, stopProgress := context.WithCancel(ctx)
	if !opts.quiet && opts.progressInterval > 0 {
		progress := output.NewProgress(out, colors, output.IsTerminal(out), span)
		wg.Add(1)
		go func() {
			defer wg.Done()
			progress.Watch(progressCtx, opts.progressInterval, eng.Registry)
		}()
	}

	res, runErr := eng.Run(ctx)
	stopProgress()
	wg.Wait()

	if res != nil && res.Interrupted {
		logger.Warn("run interrupted")
	}
	console.PrintSummary(res)

	if opts.summaryExport != "" && res != nil {
		if err := output.ExportSummary(opts.summaryExport, res); err != nil {
			logger.Error("summary export failed", zap.String("path", opts.summaryExport), zap.Error(err))
			if runErr == nil {
				runErr = err
			}
		} else {
			logger.Info("summary exported", zap.String("path", opts.summaryExport))
		}
	}

	if opts.htmlReport != "" && res != nil {
		if err := output.ExportHTML(opts.htmlReport, res); err != nil {
			logger.Error("html report failed", zap.String("path", opts.htmlReport), zap.Error(err))
			if runErr == nil {
				runErr = err
			}
		} else {
			logger.Info("html report written", zap.String("path", opts.htmlReport))
		}
	}

	if code := engine.ExitCode(res, runErr); code != engine.ExitPassed {
		return &ExitError{Code: code, Err: runErr}
	}
	return nil
}

// stopper ends a run early.
type stopper interface {
	Stop()
}

// interruptible returns a context for a run that reacts to sigs. The first
// signal stops the run's stages, letting in-flight iterations finish within
// their graceful stop. A second signal cancels the returned context.
func interruptible(parent context.Context, sigs <-chan os.Signal, s stopper, logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		stopping := false
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				if !stopping {
					stopping = true
					logger.Warn("stopping run, signal again to abort", zap.Stringer("signal", sig))
					s.Stop()
					continue
				}
				logger.Warn("aborting run", zap.Stringer("signal", sig))
				cancel()
				return
			}
		}
	}()
	return ctx, cancel
}
