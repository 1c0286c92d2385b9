package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreDirName = "roost_data"
)

type Registry struct {
	DeviceURL  string `yaml:"deviceUrl"`
	AppKey     string `yaml:"appKey"`
	AppSecret  string `yaml:"appSecret"`
	SkipVerify bool   `yaml:"skipVerify"` // If true, the client will not verify the registry's TLS certificate
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type Channel struct {
	DeviceType             string        `yaml:"deviceType"`
	ReRegistrationInterval time.Duration `yaml:"reRegistrationInterval"`
}

type App struct {
	Registry       Registry          `yaml:"registry"`
	DataDir        string            `yaml:"dataDir"`
	RequestTimeout time.Duration     `yaml:"requestTimeout"`
	RateLimiter    RateLimiterConfig `yaml:"rateLimiter"`
	Channel        Channel           `yaml:"channel"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrDeviceURLMissing         = errors.New("registry.deviceUrl is missing in config")
	ErrAppKeyMissing            = errors.New("registry.appKey is missing in config")
	ErrAppSecretMissing         = errors.New("registry.appSecret is missing in config")
	ErrDataDirMissing           = errors.New("dataDir is missing in config and is required for the local store")
	ErrDeviceTypeMissing        = errors.New("channel.deviceType is missing in config")
)

func LoadConfig(configFile string) (*App, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg App
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	// Basic validation
	if cfg.Registry.DeviceURL == "" {
		return nil, ErrDeviceURLMissing
	}
	if cfg.Registry.AppKey == "" {
		return nil, ErrAppKeyMissing
	}
	if cfg.Registry.AppSecret == "" {
		return nil, ErrAppSecretMissing
	}
	if cfg.DataDir == "" {
		return nil, ErrDataDirMissing
	}
	if cfg.Channel.DeviceType == "" {
		return nil, ErrDeviceTypeMissing
	}

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.Channel.ReRegistrationInterval == 0 {
		cfg.Channel.ReRegistrationInterval = 24 * time.Hour
	}

	return &cfg, nil
}

func GenerateConfig(configFile string) (*App, error) {
	cfg := App{
		Registry: Registry{
			DeviceURL:  "https://device.example.com",
			AppKey:     "please_set_your_app_key",
			AppSecret:  "please_set_your_app_secret",
			SkipVerify: false,
		},
		DataDir:        "data/roost", // Relative path for easier default setup
		RequestTimeout: 60 * time.Second,
		RateLimiter:    RateLimiterConfig{Limit: 10.0, Burst: 20},
		Channel: Channel{
			DeviceType:             "terminal",
			ReRegistrationInterval: 24 * time.Hour,
		},
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(configFile, data, 0644); err != nil {
		return nil, err
	}

	return &cfg, nil
}
