package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// RadioEntry seeds the radio store on first start
type RadioEntry struct {
	Name        string `yaml:"name"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Password    string `yaml:"password"`
	Description string `yaml:"description"`
	Disabled    bool   `yaml:"disabled"`
}

// Config represents the k4d configuration
type Config struct {
	Radio struct {
		// Timeouts in milliseconds
		ConnectTimeout int `yaml:"connect_timeout"`
		AuthTimeout    int `yaml:"auth_timeout"`
		KeepAlive      int `yaml:"keepalive_interval"`
		IdleTimeout    int `yaml:"idle_timeout"`
		WriteTimeout   int `yaml:"write_timeout"`
		WriteQueue     int `yaml:"write_queue"`

		// Reconnect policy
		ReconnectInitial     int `yaml:"reconnect_initial"`
		ReconnectMaxInterval int `yaml:"reconnect_max_interval"`
		ReconnectAttempts    int `yaml:"reconnect_attempts"`

		// Radio to activate at startup, empty means the stored active id
		Autoconnect bool   `yaml:"autoconnect"`
		ActiveID    string `yaml:"active_id"`
	} `yaml:"radio"`

	Radios []RadioEntry `yaml:"radios"`

	Audio struct {
		EncodeMode      int    `yaml:"encode_mode"` // EM value, 0..3
		RXQueueDepth    int    `yaml:"rx_queue_depth"`
		MainVolume      int    `yaml:"main_volume"`
		SubVolume       int    `yaml:"sub_volume"`
		MasterVolume    int    `yaml:"master_volume"`
		SubEnabled      bool   `yaml:"sub_enabled"`
		Routing         string `yaml:"routing"`
		MicGain         int    `yaml:"mic_gain"`
		InputSampleRate int    `yaml:"input_sample_rate"`
		PTTTimeout      int    `yaml:"ptt_timeout"` // milliseconds
		OpusBitrate     int    `yaml:"opus_bitrate"`
		OpusComplexity  int    `yaml:"opus_complexity"`
		MonitorFFTSize  int    `yaml:"monitor_fft_size"`
	} `yaml:"audio"`

	Panadapter struct {
		WaterfallLines   int `yaml:"waterfall_lines"`
		WaterfallHistory int `yaml:"waterfall_history"`
		FrameRate        int `yaml:"frame_rate"`
		LocalAveraging   int `yaml:"local_averaging"`
		MinBins          int `yaml:"min_bins"`
	} `yaml:"panadapter"`

	Web struct {
		Port        int    `yaml:"port"`
		BindAddress string `yaml:"bind_address"`
		ClientQueue int    `yaml:"client_queue"`
	} `yaml:"web"`

	Storage struct {
		DatabasePath   string `yaml:"database_path"`
		CommandHistory int    `yaml:"command_history"`
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		Console    bool   `yaml:"console"`
		Structured bool   `yaml:"structured"`
		MaxSize    int    `yaml:"max_size"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`

	Trace []string `yaml:"trace"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var config Config
	config.applyDefaults()
	return &config
}

func (c *Config) applyDefaults() {
	if c.Radio.ConnectTimeout == 0 {
		c.Radio.ConnectTimeout = 5000
	}
	if c.Radio.AuthTimeout == 0 {
		c.Radio.AuthTimeout = 5000
	}
	if c.Radio.KeepAlive == 0 {
		c.Radio.KeepAlive = 2000
	}
	if c.Radio.IdleTimeout == 0 {
		c.Radio.IdleTimeout = 10000
	}
	if c.Radio.WriteTimeout == 0 {
		c.Radio.WriteTimeout = 2000
	}
	if c.Radio.WriteQueue == 0 {
		c.Radio.WriteQueue = 64
	}
	if c.Radio.ReconnectInitial == 0 {
		c.Radio.ReconnectInitial = 500
	}
	if c.Radio.ReconnectMaxInterval == 0 {
		c.Radio.ReconnectMaxInterval = 30000
	}
	if c.Radio.ReconnectAttempts == 0 {
		c.Radio.ReconnectAttempts = 10
	}
	if len(c.Radios) == 0 {
		c.Radios = []RadioEntry{{
			Name:     "Default K4",
			Host:     "192.168.1.10",
			Port:     9205,
			Password: "tester",
		}}
	}
	for i := range c.Radios {
		if c.Radios[i].Port == 0 {
			c.Radios[i].Port = 9205
		}
	}

	if c.Audio.EncodeMode == 0 {
		c.Audio.EncodeMode = 3
	}
	if c.Audio.RXQueueDepth == 0 {
		c.Audio.RXQueueDepth = 8
	}
	if c.Audio.MainVolume == 0 {
		c.Audio.MainVolume = 10
	}
	if c.Audio.SubVolume == 0 {
		c.Audio.SubVolume = 10
	}
	if c.Audio.MasterVolume == 0 {
		c.Audio.MasterVolume = 10
	}
	if c.Audio.Routing == "" {
		c.Audio.Routing = "a.b"
	}
	if c.Audio.MicGain == 0 {
		c.Audio.MicGain = 10
	}
	if c.Audio.InputSampleRate == 0 {
		c.Audio.InputSampleRate = 48000
	}
	if c.Audio.PTTTimeout == 0 {
		c.Audio.PTTTimeout = 10000
	}
	if c.Audio.OpusBitrate == 0 {
		c.Audio.OpusBitrate = 64000
	}
	if c.Audio.OpusComplexity == 0 {
		c.Audio.OpusComplexity = 5
	}
	if c.Audio.MonitorFFTSize == 0 {
		c.Audio.MonitorFFTSize = 256
	}

	if c.Panadapter.WaterfallLines == 0 {
		c.Panadapter.WaterfallLines = 200
	}
	if c.Panadapter.WaterfallHistory == 0 {
		c.Panadapter.WaterfallHistory = 50
	}
	if c.Panadapter.FrameRate == 0 {
		c.Panadapter.FrameRate = 30
	}
	if c.Panadapter.LocalAveraging == 0 {
		c.Panadapter.LocalAveraging = 1
	}
	if c.Panadapter.MinBins == 0 {
		c.Panadapter.MinBins = 50
	}

	if c.Web.Port == 0 {
		c.Web.Port = 8000
	}
	if c.Web.BindAddress == "" {
		c.Web.BindAddress = "0.0.0.0"
	}
	if c.Web.ClientQueue == 0 {
		c.Web.ClientQueue = 256
	}

	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./k4d.db"
	}
	if c.Storage.CommandHistory == 0 {
		c.Storage.CommandHistory = 1000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAge == 0 {
		c.Logging.MaxAge = 28
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

var validRoutings = map[string]bool{
	"a.b": true, "ab.ab": true, "a.-a": true, "a.ab": true, "ab.b": true,
	"ab.a": true, "b.ab": true, "b.b": true, "b.a": true, "a.a": true,
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Audio.EncodeMode < 0 || c.Audio.EncodeMode > 3 {
		return fmt.Errorf("audio encode_mode must be 0-3, got %d", c.Audio.EncodeMode)
	}
	if !validRoutings[c.Audio.Routing] {
		return fmt.Errorf("audio routing %q is not a known pattern", c.Audio.Routing)
	}
	for name, v := range map[string]int{
		"main_volume":   c.Audio.MainVolume,
		"sub_volume":    c.Audio.SubVolume,
		"master_volume": c.Audio.MasterVolume,
		"mic_gain":      c.Audio.MicGain,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("audio %s must be 0-100, got %d", name, v)
		}
	}
	if c.Audio.InputSampleRate%12000 != 0 {
		return fmt.Errorf("audio input_sample_rate must be a multiple of 12000, got %d", c.Audio.InputSampleRate)
	}
	if c.Panadapter.WaterfallHistory > c.Panadapter.WaterfallLines {
		return fmt.Errorf("panadapter waterfall_history (%d) exceeds waterfall_lines (%d)",
			c.Panadapter.WaterfallHistory, c.Panadapter.WaterfallLines)
	}
	if c.Panadapter.FrameRate < 1 || c.Panadapter.FrameRate > 120 {
		return fmt.Errorf("panadapter frame_rate must be 1-120, got %d", c.Panadapter.FrameRate)
	}
	if c.Panadapter.LocalAveraging < 1 || c.Panadapter.LocalAveraging > 20 {
		return fmt.Errorf("panadapter local_averaging must be 1-20, got %d", c.Panadapter.LocalAveraging)
	}
	for i, r := range c.Radios {
		if r.Name == "" {
			return fmt.Errorf("radios[%d] name is required", i)
		}
		if r.Host == "" {
			return fmt.Errorf("radios[%d] host is required", i)
		}
	}
	return nil
}

// ConnectTimeout returns the TCP dial timeout
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Radio.ConnectTimeout) * time.Millisecond
}

// AuthTimeout returns how long to wait for the first frame after the handshake
func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.Radio.AuthTimeout) * time.Millisecond
}

// KeepAliveInterval returns the PING interval
func (c *Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.Radio.KeepAlive) * time.Millisecond
}

// IdleTimeout returns the read idle warning threshold
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Radio.IdleTimeout) * time.Millisecond
}

// WriteTimeout returns the socket write deadline
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Radio.WriteTimeout) * time.Millisecond
}

// PTTTimeout returns the TX inactivity limit
func (c *Config) PTTTimeout() time.Duration {
	return time.Duration(c.Audio.PTTTimeout) * time.Millisecond
}
