package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the top-level configuration file layout. The engine only reads
// the dpdce section; other sections may be present for the modulator and
// are ignored here.
type File struct {
	DPDCE Config `yaml:"dpdce"`
}

// Config carries the DPD computation engine settings.
type Config struct {
	// ControlPort is the UDP port the engine's own RPC socket binds to.
	ControlPort int `yaml:"control_port"`
	// DPDPort is the TCP port of the modulator's TX/RX sample tap.
	DPDPort int `yaml:"dpd_port"`
	// RCPort is the TCP port of the modulator's remote-control interface.
	RCPort int `yaml:"rc_port"`
	// Host is where the modulator runs. Defaults to localhost.
	Host string `yaml:"host"`

	SampleRate int `yaml:"samplerate"`
	// Samps is the number of TX/RX sample pairs requested per capture.
	Samps int `yaml:"samps"`

	// CoefFile is where the hardware adapter persists predistorter
	// coefficients on Dump.
	CoefFile string `yaml:"coef_file"`
	// LogFolder receives the engine log and timestamped coefficient
	// snapshots. Empty disables file logging.
	LogFolder string `yaml:"log_folder"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// NumIter bounds the adaptation cycle per trigger_run command.
	NumIter int `yaml:"num_iter"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg := f.DPDCE.withDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 8192000
	}
	if c.Samps == 0 {
		c.Samps = 81920
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.NumIter == 0 {
		c.NumIter = 1
	}
	return c
}

func (c Config) validate() error {
	if c.ControlPort <= 0 || c.ControlPort > 65535 {
		return fmt.Errorf("control_port %d out of range", c.ControlPort)
	}
	if c.DPDPort <= 0 || c.DPDPort > 65535 {
		return fmt.Errorf("dpd_port %d out of range", c.DPDPort)
	}
	if c.RCPort <= 0 || c.RCPort > 65535 {
		return fmt.Errorf("rc_port %d out of range", c.RCPort)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("samplerate must be positive, got %d", c.SampleRate)
	}
	if c.Samps <= 0 {
		return fmt.Errorf("samps must be positive, got %d", c.Samps)
	}
	if c.CoefFile == "" {
		return fmt.Errorf("coef_file must be set")
	}
	if c.NumIter < 0 {
		return fmt.Errorf("num_iter must not be negative, got %d", c.NumIter)
	}
	return nil
}
