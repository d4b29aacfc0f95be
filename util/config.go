package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const Name = "reelfed"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host        string `yaml:"host" validate:"required"`
		HttpPort    int    `yaml:"httpPort" validate:"min=1,max=65535"`
		InstanceUrl string `yaml:"instanceUrl" validate:"required,url"`
		DbPath      string `yaml:"dbPath" validate:"required"`
		MediaDir    string `yaml:"mediaDir" validate:"required"`
		AdminToken  string `yaml:"adminToken" json:"-"`
		LogLevel    string `yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`

		MaxVideoDurationSec int `yaml:"maxVideoDurationSec" validate:"min=1"`
		MaxDownloadMB       int `yaml:"maxDownloadMB" validate:"min=1"`
		DownloadTimeoutSec  int `yaml:"downloadTimeoutSec" validate:"min=1"`
		ActorFetchTimeout   int `yaml:"actorFetchTimeoutSec" validate:"min=1"`

		DeliveryTimeoutSec     int   `yaml:"deliveryTimeoutSec" validate:"min=1"`
		DeliveryIntervalSec    int   `yaml:"deliveryIntervalSec" validate:"min=1"`
		DeliveryBatchSize      int   `yaml:"deliveryBatchSize" validate:"min=1"`
		DeliveryConcurrency    int   `yaml:"deliveryConcurrency" validate:"min=1"`
		DeliveryMaxAttempts    int   `yaml:"deliveryMaxAttempts" validate:"min=1"`
		DeliveryRetryDelaysMin []int `yaml:"deliveryRetryDelaysMin" validate:"required,min=1,dive,min=1"`
		PermanentOn4xx         bool  `yaml:"permanentOn4xx"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	// Defaults first so a partial file only overrides what it names.
	if err = yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err = yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err = applyEnv(c); err != nil {
		return nil, err
	}

	c.Conf.InstanceUrl = strings.TrimRight(c.Conf.InstanceUrl, "/")

	if err = validator.New().Struct(c.Conf); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return c, nil
}

func applyEnv(c *AppConfig) error {
	envInt := func(name string, dst *int) error {
		v := os.Getenv(name)
		if v == "" {
			return nil
		}
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = i
		return nil
	}

	if v := os.Getenv("REELFED_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("REELFED_INSTANCE_URL"); v != "" {
		c.Conf.InstanceUrl = v
	}
	if v := os.Getenv("REELFED_DB_PATH"); v != "" {
		c.Conf.DbPath = v
	}
	if v := os.Getenv("REELFED_MEDIA_DIR"); v != "" {
		c.Conf.MediaDir = v
	}
	if v := os.Getenv("REELFED_ADMIN_TOKEN"); v != "" {
		c.Conf.AdminToken = v
	}
	if v := os.Getenv("REELFED_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}
	if v := os.Getenv("REELFED_PERMANENT_ON_4XX"); v != "" {
		c.Conf.PermanentOn4xx = v == "true"
	}

	for name, dst := range map[string]*int{
		"REELFED_HTTPPORT":              &c.Conf.HttpPort,
		"REELFED_MAX_VIDEO_DURATION":    &c.Conf.MaxVideoDurationSec,
		"REELFED_MAX_DOWNLOAD_MB":       &c.Conf.MaxDownloadMB,
		"REELFED_DELIVERY_TIMEOUT":      &c.Conf.DeliveryTimeoutSec,
		"REELFED_DELIVERY_MAX_ATTEMPTS": &c.Conf.DeliveryMaxAttempts,
	} {
		if err := envInt(name, dst); err != nil {
			return err
		}
	}

	return nil
}

// RetryDelays returns the delivery retry schedule as durations.
func (c *AppConfig) RetryDelays() []time.Duration {
	delays := make([]time.Duration, 0, len(c.Conf.DeliveryRetryDelaysMin))
	for _, m := range c.Conf.DeliveryRetryDelaysMin {
		delays = append(delays, time.Duration(m)*time.Minute)
	}
	return delays
}

func (c *AppConfig) MaxDownloadBytes() int64 {
	return int64(c.Conf.MaxDownloadMB) * 1024 * 1024
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c *AppConfig) DeliveryTimeout() time.Duration   { return seconds(c.Conf.DeliveryTimeoutSec) }
func (c *AppConfig) DeliveryInterval() time.Duration  { return seconds(c.Conf.DeliveryIntervalSec) }
func (c *AppConfig) DownloadTimeout() time.Duration   { return seconds(c.Conf.DownloadTimeoutSec) }
func (c *AppConfig) ActorFetchTimeout() time.Duration { return seconds(c.Conf.ActorFetchTimeout) }
