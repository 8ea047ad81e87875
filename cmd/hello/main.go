// Command hello serves the instrumented hello handler locally: POST /invoke
// runs one invocation, GET /metrics exposes span metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/spanz"
	"github.com/zoobzio/spanz/config"
	"github.com/zoobzio/spanz/internal/hello"
	"github.com/zoobzio/spanz/spanzfx"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	fs := pflag.NewFlagSet("hello", pflag.ExitOnError)
	config.Flags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fx.New(
		fx.Supply(cfg),
		spanzfx.RegistryModule,
		spanzfx.Module,
		fx.Provide(newHandler, newServer),
		fx.Invoke(registerRuntimeMetrics, func(*http.Server) {}),
	).Run()
}

func newHandler(cfg config.Config, tracer *spanz.Tracer, logger *zap.Logger) (*hello.Handler, error) {
	policy, err := hello.ParsePolicy(cfg.Handler.Policy)
	if err != nil {
		return nil, err
	}
	return hello.NewHandler(tracer, hello.NewHTTPGetter(cfg.Handler.Timeout),
		hello.WithLogger(logger.Named("hello")),
		hello.WithConfig(hello.Config{
			URL:          cfg.Handler.URL,
			Route:        cfg.Handler.Route,
			Policy:       policy,
			Divisor:      cfg.Handler.Divisor,
			IncludeStack: cfg.Handler.IncludeStack,
		}),
	), nil
}

func registerRuntimeMetrics(reg prometheus.Registerer) error {
	return errors.Join(
		reg.Register(collectors.NewGoCollector()),
		reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
	)
}

func newServer(lc fx.Lifecycle, cfg config.Config, h *hello.Handler, tracer *spanz.Tracer,
	gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           newMux(h, tracer, gatherer, logger, clockz.RealClock),
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			logger.Info("listening", zap.String("address", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	return srv
}
