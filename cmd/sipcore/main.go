// Command sipcore runs a SIP user agent on top of the transaction and dialog engine.
// It answers OPTIONS and MESSAGE, accepts INVITE sessions and exposes Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/log"
	"github.com/ghettovoice/sipcore/sip"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "sipcore:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	logger, err := cfg.logger()
	if err != nil {
		return err
	}
	log.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := cfg.Stack.options()
	opts.Log = logger
	opts.MetricsRegisterer = reg
	stack := sip.NewStack(opts)
	stack.SetListener(newUserAgent(stack, logger))

	grp, ctx := errgroup.WithContext(ctx)

	if cfg.UDPAddr != "" {
		udp, err := sip.ListenUDP(ctx, cfg.UDPAddr, &sip.UDPTransportOptions{Readers: cfg.UDPReaders, Log: logger})
		if err != nil {
			return fmt.Errorf("listen UDP: %w", err)
		}
		if err := stack.AddTransport(udp); err != nil {
			return err
		}
		grp.Go(func() error { return udp.Serve(ctx, stack) })
		logger.LogAttrs(ctx, slog.LevelInfo, "UDP transport started", slog.Any("transport", udp))
	}

	if cfg.TCPAddr != "" {
		tcp, err := sip.ListenTCP(ctx, cfg.TCPAddr, &sip.TCPTransportOptions{Log: logger})
		if err != nil {
			return fmt.Errorf("listen TCP: %w", err)
		}
		if err := stack.AddTransport(tcp); err != nil {
			return err
		}
		grp.Go(func() error { return tcp.Serve(ctx, stack) })
		logger.LogAttrs(ctx, slog.LevelInfo, "TCP transport started", slog.Any("transport", tcp))
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: cfg.Shutdown,
		}
		grp.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		grp.Go(func() error {
			<-ctx.Done()
			shCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
			defer cancel()
			return srv.Shutdown(shCtx)
		})
		logger.LogAttrs(ctx, slog.LevelInfo, "metrics endpoint started", slog.String("addr", cfg.MetricsAddr))
	}

	<-ctx.Done()
	logger.LogAttrs(context.Background(), slog.LevelInfo, "shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
	defer cancel()

	var errs []error
	if err := stack.Close(shCtx); err != nil {
		errs = append(errs, err)
	}
	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	return errorutil.Join(errs...)
}
