// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Logging  LoggingConfig   `mapstructure:"logging"`
	Device   DeviceConfig    `mapstructure:"device"`
	Throttle ThrottleConfig  `mapstructure:"throttle"`
	Profiles []DeviceProfile `mapstructure:"profiles"`
	App      AppConfig       `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// DeviceConfig covers device monitoring and driver timeouts
type DeviceConfig struct {
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CVTimeout       time.Duration `mapstructure:"cv_timeout"`
}

// ThrottleConfig covers throttle session multiplexing behavior
type ThrottleConfig struct {
	// SpeedCommandInterval bounds the rate of speed commands per throttle;
	// 0 sends every command synchronously with no coalescing.
	SpeedCommandInterval time.Duration `mapstructure:"speed_command_interval"`
	// LeaseTimeout is the idle window after which a speed/direction lease
	// can be reclaimed by another client.
	LeaseTimeout       time.Duration `mapstructure:"lease_timeout"`
	LeaseSweepInterval time.Duration `mapstructure:"lease_sweep_interval"`
}

// DeviceProfile maps a discoverable USB serial device to a system type.
// Profiles are matched in declaration order: exact vendor/product pair
// first, then case-insensitive substring of the port description.
type DeviceProfile struct {
	Name                string            `mapstructure:"name"`
	VendorID            string            `mapstructure:"vendor_id"`
	ProductID           string            `mapstructure:"product_id"`
	SystemType          string            `mapstructure:"system_type"`
	Options             map[string]string `mapstructure:"options"`
	DescriptionPatterns []string          `mapstructure:"description_patterns"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.dcc-io")

	// Environment variable support
	v.SetEnvPrefix("DCCIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Config file is optional; defaults plus env cover a stock setup
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "9000")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Device defaults
	v.SetDefault("device.monitor_interval", "5s")
	v.SetDefault("device.connect_timeout", "15s")
	v.SetDefault("device.shutdown_timeout", "2s")
	v.SetDefault("device.cv_timeout", "90s")

	// Throttle defaults
	v.SetDefault("throttle.speed_command_interval", "250ms")
	v.SetDefault("throttle.lease_timeout", "2s")
	v.SetDefault("throttle.lease_sweep_interval", "500ms")

	// Built-in device profiles; a config file can replace these entirely
	v.SetDefault("profiles", []map[string]any{
		{
			"name":        "Hornby Elite",
			"vendor_id":   "0x04d8",
			"product_id":  "0x000a",
			"system_type": "xnet-elite",
			"options":     map[string]string{"baudRate": "19200"},
			"description_patterns": []string{
				"hornby", "elite",
			},
		},
		{
			"name":        "NCE USB Interface",
			"vendor_id":   "0x0403",
			"product_id":  "0x6001",
			"system_type": "nce-usb",
			"options":     map[string]string{"baudRate": "9600"},
			"description_patterns": []string{
				"nce usb",
			},
		},
	})

	// App defaults
	v.SetDefault("app.name", "dcc-io-daemon")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	isValidLevel := false
	for _, level := range validLevels {
		if config.Logging.Level == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	if config.Device.MonitorInterval <= 0 {
		return fmt.Errorf("device.monitor_interval must be positive")
	}
	if config.Throttle.SpeedCommandInterval < 0 {
		return fmt.Errorf("throttle.speed_command_interval must not be negative")
	}
	if config.Throttle.LeaseTimeout <= 0 {
		return fmt.Errorf("throttle.lease_timeout must be positive")
	}

	for i, p := range config.Profiles {
		if p.SystemType == "" {
			return fmt.Errorf("profiles[%d]: system_type is required", i)
		}
		if p.VendorID == "" && p.ProductID == "" && len(p.DescriptionPatterns) == 0 {
			return fmt.Errorf("profiles[%d]: vendor/product ids or description_patterns required", i)
		}
	}

	return nil
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}
