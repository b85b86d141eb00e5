package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"petoiwire/pkg/bridge/monitor"
	"petoiwire/pkg/config"
	"petoiwire/pkg/engine"
	"petoiwire/pkg/logger"
	"petoiwire/pkg/metrics"
	"petoiwire/pkg/protocol"
	"petoiwire/pkg/transport"
)

// session owns everything a program run needs: the device link, the record
// hub and its sinks.
type session struct {
	driver  *engine.Driver
	link    *transport.Link
	closers []io.Closer
	cancel  context.CancelFunc
}

func openSession(ctx context.Context, cfg config.Config, log *zap.Logger) (*session, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &session{cancel: cancel}

	hub := engine.NewHub()
	go hub.Run(ctx)

	stream := engine.NewStreamBuffer(cfg.Timing.StreamBuffer)
	go stream.Consume(ctx, hub.SubscribeLossless(0))

	if path := cfg.Log.Transcript; path != "" {
		file := logger.OpenTranscript(path, cfg.RotateOptions())
		s.closers = append(s.closers, file)
		go logger.NewJSONLWriter(file).Consume(ctx, hub.Subscribe())
		log.Info("writing transcript", zap.String("path", path))
	}

	if addr := cfg.Metrics.Addr; addr != "" {
		go serveMetrics(ctx, addr, log)
	}

	if addr := cfg.Monitor.Addr; addr != "" {
		mon := monitor.NewServer(monitor.Config{Addr: addr, SendBuf: cfg.Monitor.SendBuf}, hub, log.Named("monitor"))
		go func() {
			if err := mon.Run(ctx); err != nil {
				log.Warn("monitor stopped", zap.Error(err))
			}
		}()
	}

	link, err := dialDevice(ctx, cfg, log, hub.Publish)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.link = link

	s.driver = engine.NewDriver(link,
		engine.WithLogger(log.Named("driver")),
		engine.WithStream(stream),
		engine.WithPublisher(hub),
		engine.WithTimings(cfg.Timings()),
	)
	log.Info("device connected", zap.String("kind", cfg.Device.Kind), zap.String("addr", cfg.Device.Addr))
	return s, nil
}

func dialDevice(ctx context.Context, cfg config.Config, log *zap.Logger, publish func(protocol.Record)) (*transport.Link, error) {
	opts := []transport.Option{
		transport.WithLogger(log.Named("link")),
		transport.WithPublisher(publish),
		transport.WithBufferSize(cfg.Device.ReaderBuf),
		transport.WithDialTimeout(cfg.DialTimeout()),
		transport.WithErrorHandler(func(err error) {
			log.Error("device link failed", zap.Error(err))
		}),
	}

	switch cfg.Device.Kind {
	case config.DeviceSerial:
		return transport.OpenSerial(cfg.Device.Addr, cfg.Device.Baud, opts...)
	case config.DeviceTCP:
		return transport.DialTCP(ctx, cfg.Device.Addr, opts...)
	case config.DeviceWebSocket:
		return transport.DialWebSocket(ctx, cfg.Device.Addr, opts...)
	case config.DeviceMock:
		dev := transport.NewDevice(transport.WithDeviceLogger(log.Named("mock")))
		return transport.NewMockLink(dev, opts...), nil
	default:
		return nil, fmt.Errorf("device kind %q: %w", cfg.Device.Kind, errors.ErrUnsupported)
	}
}

func serveMetrics(ctx context.Context, addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("metrics server stopped", zap.Error(err))
	}
}

func (s *session) Close() {
	if s.link != nil {
		_ = s.link.Close()
	}
	s.cancel()
	for _, c := range s.closers {
		_ = c.Close()
	}
}
