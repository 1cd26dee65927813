package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/womat/debug"
	"gopkg.in/yaml.v2"
)

// Config holds the application configuration, read from the yaml config
// file and overridden by command line flags.
type Config struct {
	// Device is the serial device of the sensor.
	Device string `yaml:"device"`

	// Humidity is the relative humidity in percent used to correct PM2.5
	// readings, 0 leaves the readings uncorrected.
	Humidity float64 `yaml:"humidity"`

	// IntervalInt is the sampling interval of the monitor in seconds.
	IntervalInt int           `yaml:"interval"`
	Interval    time.Duration `yaml:"-"`

	Flag      FlagConfig      `yaml:"-"`
	Log       LogConfig       `yaml:"log"`
	Webserver WebserverConfig `yaml:"webserver"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// FlagConfig carries the command line flags: which one shot commands to
// run, their parameters and the general options.
type FlagConfig struct {
	ConfigFile string
	LogLevel   string
	Device     string
	Humidity   float64

	// one shot reads
	Firmware      bool
	DeviceID      bool
	ReportingMode bool
	WorkMode      bool
	Period        bool

	// one shot writes
	SetReporting string
	SetWorkMode  string
	SetPeriod    int
	SetDeviceID  string

	// sampling
	Query   string
	Stream  bool
	Monitor bool
}

// WebserverConfig switches the web API of the monitor and its individual
// services on or off.
type WebserverConfig struct {
	URL         string          `yaml:"url"`
	Webservices map[string]bool `yaml:"webservices"`
}

// MQTTConfig defines where the monitor publishes measurements.
// A measurement is published when Interval has passed since the last
// published one, or earlier when PM2.5 or PM10 moved by at least DeltaPM
// µg/m³ since then.
type MQTTConfig struct {
	Connection  string        `yaml:"connection"`
	Topic       string        `yaml:"topic"`
	IntervalInt int           `yaml:"interval"`
	Interval    time.Duration `yaml:"-"`
	DeltaPM     float64       `yaml:"delta"`
}

// LogConfig defines the log destination and level.
type LogConfig struct {
	File       io.WriteCloser `yaml:"-"`
	Flag       int            `yaml:"-"`
	FlagString string         `yaml:"flag"`
	FileString string         `yaml:"file"`
}

func NewConfig() *Config {
	return &Config{
		Device:      "/dev/ttyUSB0",
		IntervalInt: 60,
		Flag: FlagConfig{
			SetPeriod: -1,
		},
		Log: LogConfig{
			FileString: "stderr",
			FlagString: "standard",
		},
		Webserver: WebserverConfig{
			URL: "http://0.0.0.0:4000",
			Webservices: map[string]bool{
				"version": true,
				"health":  true,
				"data":    true,
			},
		},
		MQTT: MQTTConfig{
			Connection:  "",
			Topic:       "aircheck/sds011",
			IntervalInt: 60,
			DeltaPM:     5,
		},
	}
}

// LoadConfig reads the config file and merges the command line flags over
// it. A missing config file is fine, the defaults plus flags carry a one
// shot run on their own.
func (c *Config) LoadConfig() error {
	if err := c.readConfigFile(); err != nil {
		return fmt.Errorf("error reading config file %q: %w", c.Flag.ConfigFile, err)
	}

	if c.Flag.LogLevel != "" {
		c.Log.FlagString = c.Flag.LogLevel
	}
	if err := c.setLogConfig(); err != nil {
		return fmt.Errorf("unable to open log file %q: %w", c.Log.FileString, err)
	}

	if c.Flag.Device != "" {
		c.Device = c.Flag.Device
	}
	if c.Flag.Humidity != 0 {
		c.Humidity = c.Flag.Humidity
	}

	c.Interval = time.Duration(c.IntervalInt) * time.Second
	c.MQTT.Interval = time.Duration(c.MQTT.IntervalInt) * time.Second

	return nil
}

func (c *Config) readConfigFile() error {
	file, err := os.Open(c.Flag.ConfigFile)
	if err != nil {
		// a missing config file is fine, defaults plus flags suffice
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = file.Close() }()

	decoder := yaml.NewDecoder(file)
	if err = decoder.Decode(c); err != nil {
		return err
	}

	return nil
}

func (c *Config) setLogConfig() (err error) {
	switch c.Log.FlagString {
	case "trace", "full":
		c.Log.Flag = debug.Full
	case "debug":
		c.Log.Flag = debug.Warning | debug.Info | debug.Error | debug.Fatal | debug.Debug
	default:
		c.Log.Flag = debug.Standard
	}

	switch c.Log.FileString {
	case "stderr":
		c.Log.File = os.Stderr
	case "stdout":
		c.Log.File = os.Stdout
	default:
		if c.Log.File, err = os.OpenFile(c.Log.FileString, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666); err != nil {
			return
		}
	}

	return
}
