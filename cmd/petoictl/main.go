package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"petoiwire/pkg/config"
	"petoiwire/pkg/engine"
	"petoiwire/pkg/logger"
	"petoiwire/pkg/program"
	"petoiwire/pkg/protocol"
	"petoiwire/pkg/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}

	switch args[0] {
	case "run":
		return runProgram(args[1:], stdin, stdout, stderr)
	case "encode":
		return runEncode(args[1:], stdout, stderr)
	case "decode":
		return runDecode(args[1:], stdout, stderr)
	case "parse":
		return runParse(args[1:], stdin, stdout, stderr)
	case "mock":
		return runMock(args[1:], stderr)
	case "ports":
		return runPorts(stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage(stderr)
		return 2
	}
}

func runProgram(args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", config.DefaultConfigPath, "config file path")
	device := fs.String("device", "", "device kind: serial, tcp, websocket or mock")
	addr := fs.String("addr", "", "device address (port, host:port or ws:// URL)")
	debug := fs.Bool("debug", false, "print sensor readings")
	logLevel := fs.String("log-level", "", "log level")
	transcript := fs.String("transcript", "", "JSONL transcript path")
	metricsAddr := fs.String("metrics-addr", "", "serve /metrics on this address")
	monitorAddr := fs.String("monitor-addr", "", "serve the WebSocket monitor on this address")
	skillsDir := fs.String("skills", "", "skill file directory")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "run needs exactly one program file")
		return 2
	}

	cfg, _, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, "failed to load config:", err)
		return 1
	}
	applyOverrides(&cfg, map[string]string{
		"device.kind":    *device,
		"device.addr":    *addr,
		"log.level":      *logLevel,
		"log.transcript": *transcript,
		"metrics.addr":   *metricsAddr,
		"monitor.addr":   *monitorAddr,
	})
	if *debug {
		cfg.Program.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, "invalid settings:", err)
		return 2
	}

	prog, err := program.Load(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, "failed to load program:", err)
		return 1
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintln(stderr, "failed to build logger:", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sess, err := openSession(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open device", zap.Error(err))
		return 1
	}
	defer sess.Close()

	skills := program.NewSkillLibrary()
	if dir := skillsPath(cfg, *skillsDir); dir != "" {
		if skills, err = program.LoadSkills(dir); err != nil {
			log.Error("failed to load skills", zap.Error(err))
			return 1
		}
	}

	runner := program.NewRunner(sess.driver,
		program.WithSkills(skills),
		program.WithLogger(log),
		program.WithOutput(stdout),
		program.WithInput(stdin),
		program.WithDebug(cfg.Program.Debug),
	)
	if err := runner.Run(ctx, prog); err != nil {
		if engine.IsCancelled(err) {
			log.Info("stopped")
			return 0
		}
		fmt.Fprintln(stderr, "program failed:", err)
		return 1
	}
	return 0
}

// applyOverrides copies non-empty flag values over the loaded config.
func applyOverrides(cfg *config.Config, overrides map[string]string) {
	targets := map[string]*string{
		"device.kind":    &cfg.Device.Kind,
		"device.addr":    &cfg.Device.Addr,
		"log.level":      &cfg.Log.Level,
		"log.transcript": &cfg.Log.Transcript,
		"metrics.addr":   &cfg.Metrics.Addr,
		"monitor.addr":   &cfg.Monitor.Addr,
	}
	for key, value := range overrides {
		if dst, ok := targets[key]; ok && value != "" {
			*dst = value
		}
	}
	cfg.Device.Kind = strings.ToLower(strings.TrimSpace(cfg.Device.Kind))
}

func skillsPath(cfg config.Config, flagDir string) string {
	if flagDir != "" {
		return flagDir
	}
	return cfg.SkillsPath()
}

func runEncode(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "encode needs a token")
		return 2
	}
	params := make([]int32, 0, len(args)-1)
	for _, arg := range args[1:] {
		n, err := strconv.ParseInt(arg, 10, 32)
		if err != nil {
			fmt.Fprintf(stderr, "invalid parameter %q: %v\n", arg, protocol.ErrNonIntegerParam)
			return 2
		}
		params = append(params, int32(n))
	}
	wire, err := protocol.Encode(args[0], params)
	if err != nil {
		fmt.Fprintln(stderr, "encode failed:", err)
		return 1
	}
	fmt.Fprintln(stdout, wire.String())
	return 0
}

func runDecode(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "decode needs one argument")
		return 2
	}
	dec, err := protocol.Decode(args[0])
	if err != nil {
		fmt.Fprintln(stderr, "decode failed:", err)
		return 1
	}
	fmt.Fprintf(stdout, "token: %s\n", dec.Token)
	fmt.Fprintf(stdout, "params: %v\n", dec.Params)
	if len(dec.Invalid) > 0 {
		fmt.Fprintf(stdout, "invalid: %v\n", dec.Invalid)
	}
	return 0
}

// runParse reads a device response from a file or stdin and prints what
// the named parser extracts from it.
func runParse(args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(stderr, "usage: petoictl parse scalar|joints|camera [file]")
		return 2
	}
	in := stdin
	if len(args) == 2 && args[1] != "-" {
		f, err := os.Open(args[1])
		if err != nil {
			fmt.Fprintln(stderr, "failed to open input:", err)
			return 1
		}
		defer f.Close()
		in = f
	}
	data, err := io.ReadAll(bufio.NewReader(in))
	if err != nil {
		fmt.Fprintln(stderr, "failed to read input:", err)
		return 1
	}
	raw := string(data)

	switch args[0] {
	case "scalar":
		n, ok := protocol.ParseScalarOK(raw)
		if !ok {
			fmt.Fprintln(stdout, "no reading")
			return 0
		}
		fmt.Fprintln(stdout, n)
	case "joints":
		angles := protocol.ParseJointTable(raw)
		if len(angles) == 0 {
			fmt.Fprintln(stdout, "no data")
			return 0
		}
		fmt.Fprintln(stdout, angles)
	case "camera":
		c := protocol.ParseCameraCoordinate(raw, "")
		if !c.Found {
			fmt.Fprintln(stdout, "no target")
			return 0
		}
		fmt.Fprintf(stdout, "%g %g %g %g\n", c.X, c.Y, c.Width, c.Height)
	default:
		fmt.Fprintln(stderr, "unknown parser:", args[0])
		return 2
	}
	return 0
}

func runPorts(stdout io.Writer, stderr io.Writer) int {
	ports, err := transport.SerialPorts()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	for _, p := range ports {
		fmt.Fprintln(stdout, p)
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  petoictl run [--config petoiwire.toml] [--device kind] [--addr addr] [--debug] [--transcript file.jsonl] [--metrics-addr host:port] [--monitor-addr host:port] [--skills dir] program.yaml")
	fmt.Fprintln(w, "  petoictl encode TOKEN [PARAM...]")
	fmt.Fprintln(w, "  petoictl decode CONTENT")
	fmt.Fprintln(w, "  petoictl parse scalar|joints|camera [file]")
	fmt.Fprintln(w, "  petoictl mock [--addr host:port]")
	fmt.Fprintln(w, "  petoictl ports")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run      execute a program file against a robot")
	fmt.Fprintln(w, "  encode   print the wire form of a command")
	fmt.Fprintln(w, "  decode   decode a text or b64: command")
	fmt.Fprintln(w, "  parse    parse a device response")
	fmt.Fprintln(w, "  mock     serve a simulated robot over TCP")
	fmt.Fprintln(w, "  ports    list serial ports")
}
