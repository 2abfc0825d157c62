package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/wesleyorama2/volley/internal/engine"
	"github.com/wesleyorama2/volley/internal/fixture"
	"github.com/wesleyorama2/volley/internal/mocktarget"
)

// Target flags, also read from VOLLEY_TARGET_<NAME> variables.
var targetFlags = []string{
	"http-addr", "grpc-addr", "prefix", "latency", "jitter", "error-rate",
	"goal-target", "seed", "challenges",
}

// NewTargetCmd builds the volley-target command.
func NewTargetCmd() *cobra.Command {
	g := &globalFlags{}
	v := viper.New()
	v.SetEnvPrefix("VOLLEY_TARGET")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:     "volley-target",
		Short:   "Mock challenge service for local volley runs",
		Version: version,
		Long: `volley-target serves an in-memory implementation of the challenge API
over HTTP and accepts login and stat update events over gRPC. Latency and
failures can be injected. Call counters are served at /_stats.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveTarget(cmd, g, v)
		},
	}

	f := cmd.Flags()
	f.StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&g.logFormat, "log-format", "console", "log format (console or json)")
	f.String("http-addr", ":8000", "challenge API listen address")
	f.String("grpc-addr", ":6566", "event handler listen address")
	f.String("prefix", "/challenge", "path prefix of every API route")
	f.Duration("latency", 0, "latency added to every call")
	f.Duration("jitter", 0, "random extra latency of up to this much")
	f.Float64("error-rate", 0, "fraction of calls answered with an injected failure")
	f.Int("goal-target", mocktarget.DefaultGoalTarget, "stat events that complete an active goal")
	f.Uint64("seed", 1, "seed of the injected latency and failures")
	f.String("challenges", "", "JSON file with the challenge catalog")
	for _, name := range targetFlags {
		_ = v.BindPFlag(name, f.Lookup(name))
	}
	return cmd
}

func serveTarget(cmd *cobra.Command, g *globalFlags, v *viper.Viper) error {
	logger, err := g.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg := mocktarget.Config{
		Prefix:     v.GetString("prefix"),
		Latency:    v.GetDuration("latency"),
		Jitter:     v.GetDuration("jitter"),
		ErrorRate:  v.GetFloat64("error-rate"),
		GoalTarget: v.GetInt("goal-target"),
		Seed:       v.GetUint64("seed"),
		Logger:     logger,
	}
	if cfg.ErrorRate < 0 || cfg.ErrorRate > 1 {
		return &ExitError{Code: engine.ExitInvalid, Err: fmt.Errorf("error-rate must be within [0, 1], got %v", cfg.ErrorRate)}
	}
	if path := v.GetString("challenges"); path != "" {
		challenges, err := readChallenges(path)
		if err != nil {
			return &ExitError{Code: engine.ExitInvalid, Err: err}
		}
		cfg.Challenges = challenges
	}
	mock := mocktarget.New(cfg)

	httpLn, err := net.Listen("tcp", v.GetString("http-addr"))
	if err != nil {
		return &ExitError{Code: engine.ExitError, Err: err}
	}
	grpcLn, err := net.Listen("tcp", v.GetString("grpc-addr"))
	if err != nil {
		httpLn.Close()
		return &ExitError{Code: engine.ExitError, Err: err}
	}

	router := mux.NewRouter()
	router.HandleFunc("/_stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(mock.Stats())
	}).Methods(http.MethodGet)
	router.PathPrefix("/").Handler(mock.Handler())

	httpSrv := &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	grpcSrv := mock.GRPCServer()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("volley-target listening",
		zap.String("http", httpLn.Addr().String()),
		zap.String("grpc", grpcLn.Addr().String()),
		zap.String("prefix", cfg.Prefix))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		if err := grpcSrv.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		return &ExitError{Code: engine.ExitError, Err: err}
	}
	logger.Info("volley-target stopped", zap.Any("stats", mock.Stats()))
	return nil
}

func readChallenges(path string) ([]fixture.Challenge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading challenges: %w", err)
	}
	var challenges []fixture.Challenge
	if err := json.Unmarshal(data, &challenges); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(challenges) == 0 {
		return nil, fmt.Errorf("%s: no challenges", path)
	}
	return challenges, nil
}

// ExecuteTarget runs volley-target and returns the process exit status.
func ExecuteTarget(args []string, stdout, stderr io.Writer) int {
	cmd := NewTargetCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return exitStatus(cmd.Execute(), stderr)
}
