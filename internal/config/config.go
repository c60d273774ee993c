// Package config loads runtime settings for the bridge from the
// environment, falling back to defaults that match a chip-tool SDK
// checkout living next to this repository.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime setting of the daemon. All fields are
// resolved once at startup; nothing re-reads the environment later.
type Config struct {
	ChipToolPath      string
	CommissioningDir  string
	PAACertDirPath    string
	ClusterXMLDir     string
	DeviceTypeXMLFile string
	DatabasePath      string

	MQTTBrokerURL  string
	MQTTBrokerPort int

	HTTPAddr string

	PollingInterval       time.Duration
	MaxConcurrentDevices  int
	CommandTimeout        time.Duration
	MaxConcurrentCommands int
	DeviceErrorStop       bool

	// AutoDiscoveryInterval is the period between registry rescans for
	// devices commissioned out of band. Zero disables the rescan job.
	AutoDiscoveryInterval time.Duration

	LogLevel          string
	EnableColoredLogs bool
}

// Load reads the environment and returns the resolved configuration.
// Interval variables are plain integers interpreted as seconds.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("CHIP_TOOL_PATH", "./chip-tool")
	v.SetDefault("COMMISSIONING_DIR", "./commissioning_dir")
	v.SetDefault("PAA_CERT_DIR_PATH", "../sdk/credentials/paa_root_cert")
	v.SetDefault("CLUSTER_XML_DIR", "../sdk/src/app/zap-templates/zcl/data-model/chip/")
	v.SetDefault("DEVICETYPE_XML_FILE", "../sdk/src/app/zap-templates/zcl/data-model/chip/matter-device-types.xml")
	v.SetDefault("DATABASE_PATH", "./db/matterverse.db")
	v.SetDefault("MQTT_BROKER_URL", "localhost")
	v.SetDefault("MQTT_BROKER_PORT", 9001)
	v.SetDefault("HTTP_ADDR", ":8000")
	v.SetDefault("POLLING_INTERVAL", 30)
	v.SetDefault("MAX_CONCURRENT_DEVICES", 5)
	v.SetDefault("COMMAND_TIMEOUT", 30)
	v.SetDefault("MAX_CONCURRENT_COMMANDS", 10)
	v.SetDefault("DEVICE_ERROR_STOP", true)
	v.SetDefault("AUTO_DISCOVERY_INTERVAL", 300)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ENABLE_COLORED_LOGS", true)

	cfg := &Config{
		ChipToolPath:          v.GetString("CHIP_TOOL_PATH"),
		CommissioningDir:      v.GetString("COMMISSIONING_DIR"),
		PAACertDirPath:        v.GetString("PAA_CERT_DIR_PATH"),
		ClusterXMLDir:         v.GetString("CLUSTER_XML_DIR"),
		DeviceTypeXMLFile:     v.GetString("DEVICETYPE_XML_FILE"),
		DatabasePath:          v.GetString("DATABASE_PATH"),
		MQTTBrokerURL:         v.GetString("MQTT_BROKER_URL"),
		MQTTBrokerPort:        v.GetInt("MQTT_BROKER_PORT"),
		HTTPAddr:              v.GetString("HTTP_ADDR"),
		PollingInterval:       time.Duration(v.GetInt("POLLING_INTERVAL")) * time.Second,
		MaxConcurrentDevices:  v.GetInt("MAX_CONCURRENT_DEVICES"),
		CommandTimeout:        time.Duration(v.GetInt("COMMAND_TIMEOUT")) * time.Second,
		MaxConcurrentCommands: v.GetInt("MAX_CONCURRENT_COMMANDS"),
		DeviceErrorStop:       v.GetBool("DEVICE_ERROR_STOP"),
		AutoDiscoveryInterval: time.Duration(v.GetInt("AUTO_DISCOVERY_INTERVAL")) * time.Second,
		LogLevel:              v.GetString("LOG_LEVEL"),
		EnableColoredLogs:     v.GetBool("ENABLE_COLORED_LOGS"),
	}

	if cfg.PollingInterval <= 0 {
		return nil, fmt.Errorf("POLLING_INTERVAL must be positive, got %v", cfg.PollingInterval)
	}
	if cfg.MaxConcurrentDevices <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT_DEVICES must be positive, got %d", cfg.MaxConcurrentDevices)
	}
	if cfg.CommandTimeout <= 0 {
		return nil, fmt.Errorf("COMMAND_TIMEOUT must be positive, got %v", cfg.CommandTimeout)
	}
	if cfg.MaxConcurrentCommands <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT_COMMANDS must be positive, got %d", cfg.MaxConcurrentCommands)
	}
	if cfg.AutoDiscoveryInterval < 0 {
		return nil, fmt.Errorf("AUTO_DISCOVERY_INTERVAL must not be negative, got %v", cfg.AutoDiscoveryInterval)
	}

	return cfg, nil
}

// BrokerAddr renders the MQTT broker address for the paho client. A
// bare hostname is combined with the configured port over websockets,
// matching the mosquitto listener the bridge is deployed against; a
// URL that already carries a scheme is passed through untouched.
func (c *Config) BrokerAddr() string {
	if strings.Contains(c.MQTTBrokerURL, "://") {
		return c.MQTTBrokerURL
	}
	return fmt.Sprintf("ws://%s:%d", c.MQTTBrokerURL, c.MQTTBrokerPort)
}
