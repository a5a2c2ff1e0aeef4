// Package streamd assembles the dmastream daemon: configuration, hardware
// mapping and the bridge session built on top of it.
package streamd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gobeyondidentity/dmastream/pkg/axidma"
	"github.com/gobeyondidentity/dmastream/pkg/bridge"
	"github.com/gobeyondidentity/dmastream/pkg/physmem"
	"gopkg.in/yaml.v3"
)

// ChannelConfig is the physical layout of one DMA direction.
type ChannelConfig struct {
	// RegBase is the physical address of the register window.
	RegBase uint64 `yaml:"reg_base"`

	// BufBase is the physical address of the data buffer.
	BufBase uint64 `yaml:"buf_base"`

	// BufSize is the data buffer size in bytes.
	BufSize int `yaml:"buf_size"`

	// Chunk is the transfer size per DMA cycle.
	Chunk int `yaml:"chunk"`
}

// Config holds daemon configuration.
type Config struct {
	// ListenAddr is the streaming TCP listen address (e.g., ":8000")
	ListenAddr string `yaml:"listen"`

	// HealthAddr is the gRPC health listen address. Empty disables it.
	HealthAddr string `yaml:"health_listen"`

	// Mode is the bridge mode: sequential, host-to-device, device-to-host, concurrent.
	Mode string `yaml:"mode"`

	// DevMem is the physical memory device.
	DevMem string `yaml:"devmem"`

	// Emulate replaces the hardware with the software DMA core.
	Emulate bool `yaml:"emulate"`

	// IOTimeout bounds each socket send and receive.
	IOTimeout time.Duration `yaml:"io_timeout"`

	// SendBuffer is the socket send buffer size in bytes.
	SendBuffer int `yaml:"send_buffer"`

	DeviceToHost ChannelConfig     `yaml:"device_to_host"`
	HostToDevice ChannelConfig     `yaml:"host_to_device"`
	Poll         axidma.PollConfig `yaml:"poll"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DefaultConfig returns the hardware layout and wire protocol defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: bridge.DefaultListenAddr,
		Mode:       string(bridge.ModeSequential),
		DevMem:     physmem.DefaultDevMemPath,
		IOTimeout:  bridge.DefaultIOTimeout,
		SendBuffer: bridge.DefaultSendBuffer,
		DeviceToHost: ChannelConfig{
			RegBase: axidma.S2MMRegBase,
			BufBase: axidma.S2MMBufBase,
			BufSize: axidma.BufSize,
			Chunk:   bridge.DeviceToHostChunk,
		},
		HostToDevice: ChannelConfig{
			RegBase: axidma.MM2SRegBase,
			BufBase: axidma.MM2SBufBase,
			BufSize: axidma.BufSize,
			Chunk:   bridge.HostToDeviceChunk,
		},
		Poll:      axidma.DefaultPollConfig(),
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadFile overlays the YAML file at path onto c. Keys missing from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv overlays DMASTREAM_* environment variables onto c.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("DMASTREAM_LISTEN"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("DMASTREAM_HEALTH_LISTEN"); v != "" {
		c.HealthAddr = v
	}
	if v := os.Getenv("DMASTREAM_MODE"); v != "" {
		c.Mode = v
	}
	if v := os.Getenv("DMASTREAM_DEVMEM"); v != "" {
		c.DevMem = v
	}
	if v := os.Getenv("DMASTREAM_EMULATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DMASTREAM_EMULATE: %w", err)
		}
		c.Emulate = b
	}
	if v := os.Getenv("DMASTREAM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, err := bridge.ParseMode(c.Mode); err != nil {
		return err
	}
	if !c.Emulate && c.DevMem == "" {
		return fmt.Errorf("devmem path is required unless emulating")
	}
	if c.IOTimeout < 0 {
		return fmt.Errorf("io_timeout must not be negative")
	}
	if c.SendBuffer < 0 {
		return fmt.Errorf("send_buffer must not be negative")
	}
	if err := c.Poll.Validate(); err != nil {
		return err
	}
	if err := c.DeviceToHost.validate("device_to_host"); err != nil {
		return err
	}
	if err := c.HostToDevice.validate("host_to_device"); err != nil {
		return err
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

func (cc ChannelConfig) validate(name string) error {
	page := uint64(physmem.PageSize())
	switch {
	case cc.RegBase%page != 0:
		return fmt.Errorf("%s.reg_base %#x is not page aligned", name, cc.RegBase)
	case cc.BufBase%page != 0:
		return fmt.Errorf("%s.buf_base %#x is not page aligned", name, cc.BufBase)
	case cc.BufBase > 0xffffffff:
		return fmt.Errorf("%s.buf_base %#x does not fit the 32-bit address register", name, cc.BufBase)
	case cc.BufSize <= 0 || cc.BufSize > axidma.MaxLength:
		return fmt.Errorf("%s.buf_size %d not in (0, %d]", name, cc.BufSize, axidma.MaxLength)
	case cc.Chunk < axidma.MinLength || cc.Chunk > cc.BufSize:
		return fmt.Errorf("%s.chunk %d not in [%d, %d]", name, cc.Chunk, axidma.MinLength, cc.BufSize)
	}
	return nil
}

// ServerConfig returns the bridge server settings.
func (c *Config) ServerConfig() bridge.ServerConfig {
	mode, _ := bridge.ParseMode(c.Mode)
	return bridge.ServerConfig{
		ListenAddr: c.ListenAddr,
		IOTimeout:  c.IOTimeout,
		SendBuffer: c.SendBuffer,
		Mode:       mode,
	}
}
