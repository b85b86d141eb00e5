package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"petoiwire/pkg/logger"
	"petoiwire/pkg/motion"
	"petoiwire/pkg/transport"
)

const defaultMockAddr = "127.0.0.1:19021"

// runMock serves a simulated robot until interrupted, so that `run` can be
// pointed at it with --device tcp.
func runMock(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("mock", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := fs.String("addr", defaultMockAddr, "TCP listen address")
	joints := fs.String("joints", "", "initial joint angles, comma separated")
	distance := fs.Int("distance", 42, "ultrasonic distance reported in cm")
	logLevel := fs.String("log-level", "info", "log level")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	angles, err := parseAngles(*joints)
	if err != nil {
		fmt.Fprintln(stderr, "invalid --joints:", err)
		return 2
	}

	log, err := logger.New(*logLevel, false)
	if err != nil {
		fmt.Fprintln(stderr, "failed to build logger:", err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := []transport.DeviceOption{
		transport.WithDeviceLogger(log),
		transport.WithDistance(*distance),
	}
	if len(angles) > 0 {
		opts = append(opts, transport.WithJoints(angles))
	}
	dev := transport.NewDevice(opts...)
	if err := dev.ListenAndServe(ctx, *addr); err != nil {
		log.Error("mock device failed", zap.Error(err))
		return 1
	}
	return 0
}

// parseAngles reads "0,30,-45". Angles are clamped to the servo range.
func parseAngles(value string) ([]int, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, max(motion.MinAngle, min(n, motion.MaxAngle)))
	}
	return out, nil
}
