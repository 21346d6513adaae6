package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. CHALLAWA_PLC_ADDRESS
const EnvPrefix = "CHALLAWA"

// Config represents the complete application configuration.
// The six top-level keys are the deployment contract of the monitor.
type Config struct {
	PLCAddress     string `mapstructure:"plc_address"`
	PLCRack        int    `mapstructure:"plc_rack"`
	PLCSlot        int    `mapstructure:"plc_slot"`
	DBNumber       int    `mapstructure:"db_number"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
	UnitCount      int    `mapstructure:"unit_count"`

	PLC       PLCConfig       `mapstructure:"plc"`
	UnitNames []string        `mapstructure:"unit_names"`
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Hub       HubConfig       `mapstructure:"hub"`
	Health    HealthConfig    `mapstructure:"health"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Log       LogConfig       `mapstructure:"log"`
}

// PLCConfig holds session and block settings for the S7 controller
type PLCConfig struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	BlockOffset     int           `mapstructure:"block_offset"`
	BlockLength     int           `mapstructure:"block_length"`
	ReconnectMin    time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax    time.Duration `mapstructure:"reconnect_max"`
	MaxDecodeErrors int           `mapstructure:"max_decode_errors"`
	Layout          LayoutConfig  `mapstructure:"layout"`
}

// LayoutConfig describes where each unit lives inside the data block
type LayoutConfig struct {
	Stride         int          `mapstructure:"stride"`
	StatusOffset   int          `mapstructure:"status_offset"`
	PressureOffset int          `mapstructure:"pressure_offset"`
	SetpointOffset int          `mapstructure:"setpoint_offset"`
	SpeedOffset    int          `mapstructure:"speed_offset"`
	AlarmByte      int          `mapstructure:"alarm_byte"`
	AlarmBit       uint8        `mapstructure:"alarm_bit"`
	Bits           []BitsConfig `mapstructure:"bits"`
}

// BitsConfig is the status bit map of one unit, index 0 being unit 1
type BitsConfig struct {
	Ready   uint8 `mapstructure:"ready"`
	Running uint8 `mapstructure:"running"`
	Trip    uint8 `mapstructure:"trip"`
}

// ServerConfig contains HTTP/WebSocket server settings
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig contains the event store settings
type StoreConfig struct {
	Path          string        `mapstructure:"path"`
	QueueSize     int           `mapstructure:"queue_size"`
	RetryBudget   time.Duration `mapstructure:"retry_budget"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// HubConfig contains the live broadcast settings
type HubConfig struct {
	QueueSize           int           `mapstructure:"queue_size"`
	MinSnapshotInterval time.Duration `mapstructure:"min_snapshot_interval"`
}

// HealthConfig contains the health scoring policy
type HealthConfig struct {
	Lookback          time.Duration `mapstructure:"lookback"`
	Curve             string        `mapstructure:"curve"`
	TripScale         float64       `mapstructure:"trip_scale"`
	DowntimeScale     time.Duration `mapstructure:"downtime_scale"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
}

// RedisConfig contains the live mirror settings
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	MaxTrips int64  `mapstructure:"max_trips"`
}

// MQTTConfig contains the trip event forwarding settings
type MQTTConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Broker      string        `mapstructure:"broker"`
	ClientID    string        `mapstructure:"client_id"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	QoS         byte          `mapstructure:"qos"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// DiscoveryConfig contains the mDNS advertisement settings
type DiscoveryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"`
}

// Load reads configuration from defaults, an optional file and the environment.
// An empty path searches for config.{yaml,json} in . and ./config.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return decode(v)
}

// Default returns the built-in configuration with environment overrides applied
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the monitor cannot run with
func (c *Config) Validate() error {
	if c.PLCAddress == "" {
		return errors.New("config: plc_address is required")
	}
	if c.UnitCount < 1 {
		return fmt.Errorf("config: unit_count must be at least 1, got %d", c.UnitCount)
	}
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("config: poll_interval_ms must be positive, got %d", c.PollIntervalMs)
	}
	if c.DBNumber < 1 {
		return fmt.Errorf("config: db_number must be positive, got %d", c.DBNumber)
	}

	l := c.PLC.Layout
	if l.Stride <= 0 {
		return fmt.Errorf("config: plc.layout.stride must be positive, got %d", l.Stride)
	}
	for _, f := range []struct {
		name   string
		offset int
		size   int
	}{
		{"status_offset", l.StatusOffset, 1},
		{"pressure_offset", l.PressureOffset, 4},
		{"setpoint_offset", l.SetpointOffset, 4},
		{"speed_offset", l.SpeedOffset, 4},
	} {
		if f.offset < 0 || f.offset+f.size > l.Stride {
			return fmt.Errorf("config: plc.layout.%s %d does not fit in stride %d", f.name, f.offset, l.Stride)
		}
	}
	if l.AlarmByte < 0 {
		return fmt.Errorf("config: plc.layout.alarm_byte must not be negative, got %d", l.AlarmByte)
	}
	if l.AlarmBit > 7 {
		return fmt.Errorf("config: plc.layout.alarm_bit out of range: %d", l.AlarmBit)
	}
	for i, b := range l.Bits {
		if b.Ready > 7 || b.Running > 7 || b.Trip > 7 {
			return fmt.Errorf("config: plc.layout.bits[%d] has a bit index above 7", i)
		}
	}

	if c.PLC.BlockOffset < 0 {
		return fmt.Errorf("config: plc.block_offset must not be negative, got %d", c.PLC.BlockOffset)
	}
	if c.PLC.BlockLength < 0 {
		return fmt.Errorf("config: plc.block_length must not be negative, got %d", c.PLC.BlockLength)
	}
	if need := c.RequiredBlockLength(); c.PLC.BlockLength != 0 && c.PLC.BlockLength < need {
		return fmt.Errorf("config: plc.block_length %d is smaller than the %d bytes needed for %d units",
			c.PLC.BlockLength, need, c.UnitCount)
	}
	if c.Hub.QueueSize < 1 {
		return fmt.Errorf("config: hub.queue_size must be at least 1, got %d", c.Hub.QueueSize)
	}
	return nil
}

// PollInterval returns poll_interval_ms as a duration
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// RequiredBlockLength is the smallest block holding every configured unit
func (c *Config) RequiredBlockLength() int {
	need := c.PLC.Layout.Stride * c.UnitCount
	if c.PLC.Layout.AlarmByte+1 > need {
		need = c.PLC.Layout.AlarmByte + 1
	}
	return need
}

// ReadLength is the number of bytes requested from the controller each cycle
func (c *Config) ReadLength() int {
	if c.PLC.BlockLength > 0 {
		return c.PLC.BlockLength
	}
	return c.RequiredBlockLength()
}

// UnitName returns the display name of a 1-based unit id
func (c *Config) UnitName(unitID int) string {
	if unitID >= 1 && unitID <= len(c.UnitNames) && c.UnitNames[unitID-1] != "" {
		return c.UnitNames[unitID-1]
	}
	return fmt.Sprintf("Pump %d", unitID)
}
