package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"petoiwire/pkg/engine"
	"petoiwire/pkg/logger"
)

const DefaultConfigPath = "petoiwire.toml"

// Device kinds.
const (
	DeviceSerial    = "serial"
	DeviceTCP       = "tcp"
	DeviceWebSocket = "websocket"
	DeviceMock      = "mock"
)

type Config struct {
	Device     DeviceConfig  `toml:"device"`
	Timing     TimingConfig  `toml:"timing"`
	Log        LogConfig     `toml:"log"`
	Metrics    MetricsConfig `toml:"metrics"`
	Monitor    MonitorConfig `toml:"monitor"`
	Program    ProgramConfig `toml:"program"`
	configPath string        `toml:"-"`
	skillsDir  string        `toml:"-"`
}

type DeviceConfig struct {
	Kind        string `toml:"kind"`
	Addr        string `toml:"addr"`
	Baud        int    `toml:"baud"`
	DialTimeout string `toml:"dial_timeout"`
	CommandGap  string `toml:"command_gap,omitempty"`
	ReaderBuf   int    `toml:"reader_buf"`
}

type TimingConfig struct {
	Timeouts     map[string]string `toml:"timeouts"`
	DelaySlice   string            `toml:"delay_slice"`
	FramePoll    string            `toml:"frame_poll"`
	AnyFramePoll string            `toml:"any_frame_poll"`
	NewFrameWait string            `toml:"new_frame_wait"`
	AnyFrameWait string            `toml:"any_frame_wait"`
	StreamTail   int               `toml:"stream_tail"`
	StreamBuffer int               `toml:"stream_buffer"`
}

type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
	Transcript  string `toml:"transcript,omitempty"`
	MaxSizeMB   int    `toml:"max_size_mb"`
	MaxBackups  int    `toml:"max_backups"`
	MaxAgeDays  int    `toml:"max_age_days"`
	Compress    bool   `toml:"compress"`
}

type MetricsConfig struct {
	Addr string `toml:"addr,omitempty"`
}

type MonitorConfig struct {
	Addr    string `toml:"addr,omitempty"`
	SendBuf int    `toml:"send_buf"`
}

type ProgramConfig struct {
	SkillsDir string `toml:"skills_dir,omitempty"`
	Debug     bool   `toml:"debug"`
}

func Default() Config {
	def := engine.DefaultTimings()
	timeouts := make(map[string]string, len(def.Timeouts))
	for class, d := range def.Timeouts {
		timeouts[string(class)] = d.String()
	}
	return Config{
		Device: DeviceConfig{
			Kind:        DeviceMock,
			Baud:        115200,
			DialTimeout: "5s",
			ReaderBuf:   64 * 1024,
		},
		Timing: TimingConfig{
			Timeouts:     timeouts,
			DelaySlice:   def.DelaySlice.String(),
			FramePoll:    def.FramePoll.String(),
			AnyFramePoll: def.AnyFramePoll.String(),
			NewFrameWait: def.NewFrameWait.String(),
			AnyFrameWait: def.AnyFrameWait.String(),
			StreamTail:   def.StreamTail,
			StreamBuffer: 64 * 1024,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  16,
			MaxBackups: 4,
			MaxAgeDays: 14,
		},
		Monitor: MonitorConfig{
			SendBuf: 256,
		},
	}
}

func Load(path string) (Config, error) {
	cfg, exists, err := LoadOrDefault(path)
	if err != nil {
		return Config{}, err
	}
	if !exists {
		return Config{}, os.ErrNotExist
	}
	return cfg, nil
}

func LoadOrDefault(path string) (Config, bool, error) {
	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.normalize(path)
			return cfg, false, nil
		}
		return Config{}, false, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, true, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize(path)

	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}

func (cfg *Config) Save(path string) error {
	cfg.normalize(path)
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (cfg *Config) ConfigPath() string {
	return cfg.configPath
}

// SkillsPath is the skills directory resolved against the config file.
func (cfg *Config) SkillsPath() string {
	return cfg.skillsDir
}

func (cfg *Config) Validate() error {
	switch cfg.Device.Kind {
	case DeviceSerial, DeviceTCP, DeviceWebSocket:
		if cfg.Device.Addr == "" {
			return fmt.Errorf("device.addr is required for %s devices", cfg.Device.Kind)
		}
	case DeviceMock:
	default:
		return fmt.Errorf("device.kind unknown: %q", cfg.Device.Kind)
	}
	if cfg.Device.Baud <= 0 {
		return fmt.Errorf("device.baud must be positive: %d", cfg.Device.Baud)
	}
	if _, err := parseDuration("device.dial_timeout", cfg.Device.DialTimeout); err != nil {
		return err
	}
	if _, err := parseDuration("device.command_gap", cfg.Device.CommandGap); err != nil {
		return err
	}

	known := engine.DefaultTimings().Timeouts
	for class, value := range cfg.Timing.Timeouts {
		if _, ok := known[engine.Class(class)]; !ok {
			return fmt.Errorf("timing.timeouts has unknown class %q", class)
		}
		d, err := parseDuration("timing.timeouts."+class, value)
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("timing.timeouts.%s must be positive", class)
		}
	}
	for name, value := range map[string]string{
		"timing.delay_slice":    cfg.Timing.DelaySlice,
		"timing.frame_poll":     cfg.Timing.FramePoll,
		"timing.any_frame_poll": cfg.Timing.AnyFramePoll,
		"timing.new_frame_wait": cfg.Timing.NewFrameWait,
		"timing.any_frame_wait": cfg.Timing.AnyFrameWait,
	} {
		if _, err := parseDuration(name, value); err != nil {
			return err
		}
	}

	if _, err := logger.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Timings converts the timing section for the driver.
func (cfg *Config) Timings() engine.Timings {
	t := engine.DefaultTimings()
	for class, value := range cfg.Timing.Timeouts {
		if d, err := parseDuration("", value); err == nil && d > 0 {
			t.Timeouts[engine.Class(class)] = d
		}
	}
	set := func(dst *time.Duration, value string) {
		if d, err := parseDuration("", value); err == nil && d > 0 {
			*dst = d
		}
	}
	set(&t.DelaySlice, cfg.Timing.DelaySlice)
	set(&t.FramePoll, cfg.Timing.FramePoll)
	set(&t.AnyFramePoll, cfg.Timing.AnyFramePoll)
	set(&t.NewFrameWait, cfg.Timing.NewFrameWait)
	set(&t.AnyFrameWait, cfg.Timing.AnyFrameWait)
	set(&t.MinCommandGap, cfg.Device.CommandGap)
	if cfg.Timing.StreamTail > 0 {
		t.StreamTail = cfg.Timing.StreamTail
	}
	return t
}

// DialTimeout returns the parsed device dial timeout.
func (cfg *Config) DialTimeout() time.Duration {
	d, err := parseDuration("", cfg.Device.DialTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

func (cfg *Config) RotateOptions() logger.RotateOptions {
	return logger.RotateOptions{
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
}

func (cfg *Config) normalize(path string) {
	def := Default()

	cfg.Device.Kind = strings.ToLower(strings.TrimSpace(cfg.Device.Kind))
	if cfg.Device.Kind == "" {
		cfg.Device.Kind = def.Device.Kind
	}
	if cfg.Device.Baud == 0 {
		cfg.Device.Baud = def.Device.Baud
	}
	if cfg.Device.DialTimeout == "" {
		cfg.Device.DialTimeout = def.Device.DialTimeout
	}
	if cfg.Device.ReaderBuf <= 0 {
		cfg.Device.ReaderBuf = def.Device.ReaderBuf
	}

	if cfg.Timing.Timeouts == nil {
		cfg.Timing.Timeouts = make(map[string]string, len(def.Timing.Timeouts))
	}
	for class, value := range def.Timing.Timeouts {
		if cfg.Timing.Timeouts[class] == "" {
			cfg.Timing.Timeouts[class] = value
		}
	}
	if cfg.Timing.DelaySlice == "" {
		cfg.Timing.DelaySlice = def.Timing.DelaySlice
	}
	if cfg.Timing.FramePoll == "" {
		cfg.Timing.FramePoll = def.Timing.FramePoll
	}
	if cfg.Timing.AnyFramePoll == "" {
		cfg.Timing.AnyFramePoll = def.Timing.AnyFramePoll
	}
	if cfg.Timing.NewFrameWait == "" {
		cfg.Timing.NewFrameWait = def.Timing.NewFrameWait
	}
	if cfg.Timing.AnyFrameWait == "" {
		cfg.Timing.AnyFrameWait = def.Timing.AnyFrameWait
	}
	if cfg.Timing.StreamTail <= 0 {
		cfg.Timing.StreamTail = def.Timing.StreamTail
	}
	if cfg.Timing.StreamBuffer <= 0 {
		cfg.Timing.StreamBuffer = def.Timing.StreamBuffer
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = def.Log.MaxSizeMB
	}
	if cfg.Monitor.SendBuf <= 0 {
		cfg.Monitor.SendBuf = def.Monitor.SendBuf
	}

	if path == "" {
		path = cfg.configPath
	}
	if path == "" {
		path = DefaultConfigPath
	}
	cfg.configPath = path

	cfg.skillsDir = ""
	if dir := strings.TrimSpace(cfg.Program.SkillsDir); dir != "" {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(filepath.Dir(path), dir)
		}
		dir = filepath.Clean(dir)
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
		cfg.skillsDir = dir
	}
}

func parseDuration(name, value string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", name, value)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", name, value)
	}
	return d, nil
}
