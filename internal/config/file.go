package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig represents the structure of the configuration file
type FileConfig struct {
	Server struct {
		Port    int    `yaml:"port"`
		RootDir string `yaml:"root_dir"`
		Persist bool   `yaml:"persist"`
	} `yaml:"server"`

	Client struct {
		URL                string   `yaml:"url"`
		Records            []string `yaml:"records"`
		BufferSize         int      `yaml:"buffer_size"`
		ReconnectTimeout   string   `yaml:"reconnect_timeout"`
		WriteTimeout       string   `yaml:"write_timeout"`
		ReadTimeout        string   `yaml:"read_timeout"`
		InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	} `yaml:"client"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`

	TLS struct {
		Enabled      bool   `yaml:"enabled"`
		CertFile     string `yaml:"cert_file"`
		KeyFile      string `yaml:"key_file"`
		GenerateCert bool   `yaml:"generate_cert"`
	} `yaml:"tls"`

	CORS struct {
		Enabled          bool   `yaml:"enabled"`
		AllowOrigins     string `yaml:"allow_origins"`
		AllowMethods     string `yaml:"allow_methods"`
		AllowHeaders     string `yaml:"allow_headers"`
		AllowCredentials bool   `yaml:"allow_credentials"`
		MaxAge           int    `yaml:"max_age"`
	} `yaml:"cors"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    3000,
			RootDir: ".",
		},
		Client: ClientConfig{
			URL:              "ws://localhost:3000/records",
			BufferSize:       1024,
			ReconnectTimeout: 5 * time.Second,
			WriteTimeout:     5 * time.Second,
			ReadTimeout:      15 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		TLS: TLSConfig{
			CertFile: "cert/cert.pem",
			KeyFile:  "cert/key.pem",
		},
		CORS: CORSConfig{
			AllowOrigins: "*",
			AllowMethods: "GET, OPTIONS",
			AllowHeaders: "Content-Type, Authorization, Version",
			MaxAge:       86400,
		},
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filePath string) (*Config, error) {
	config := Default()

	// If no config file specified, return default config
	if filePath == "" {
		return config, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := yaml.Unmarshal(data, &fileConfig); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Server settings
	if fileConfig.Server.Port != 0 {
		config.Server.Port = fileConfig.Server.Port
	}
	if fileConfig.Server.RootDir != "" {
		config.Server.RootDir = fileConfig.Server.RootDir
	}
	config.Server.Persist = fileConfig.Server.Persist

	// Client settings
	if fileConfig.Client.URL != "" {
		config.Client.URL = fileConfig.Client.URL
	}
	if len(fileConfig.Client.Records) > 0 {
		config.Client.Records = fileConfig.Client.Records
	}
	if fileConfig.Client.BufferSize != 0 {
		config.Client.BufferSize = fileConfig.Client.BufferSize
	}
	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"reconnect_timeout", fileConfig.Client.ReconnectTimeout, &config.Client.ReconnectTimeout},
		{"write_timeout", fileConfig.Client.WriteTimeout, &config.Client.WriteTimeout},
		{"read_timeout", fileConfig.Client.ReadTimeout, &config.Client.ReadTimeout},
	} {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid client %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	config.Client.InsecureSkipVerify = fileConfig.Client.InsecureSkipVerify

	// Log and metrics settings
	if fileConfig.Log.Level != "" {
		config.Log.Level = fileConfig.Log.Level
	}
	config.Metrics.Enabled = fileConfig.Metrics.Enabled
	if fileConfig.Metrics.Path != "" {
		config.Metrics.Path = fileConfig.Metrics.Path
	}

	// TLS settings
	config.TLS.Enabled = fileConfig.TLS.Enabled
	if fileConfig.TLS.CertFile != "" {
		config.TLS.CertFile = fileConfig.TLS.CertFile
	}
	if fileConfig.TLS.KeyFile != "" {
		config.TLS.KeyFile = fileConfig.TLS.KeyFile
	}
	config.TLS.GenerateCert = fileConfig.TLS.GenerateCert

	// CORS settings
	config.CORS.Enabled = fileConfig.CORS.Enabled
	if fileConfig.CORS.AllowOrigins != "" {
		config.CORS.AllowOrigins = fileConfig.CORS.AllowOrigins
	}
	if fileConfig.CORS.AllowMethods != "" {
		config.CORS.AllowMethods = fileConfig.CORS.AllowMethods
	}
	if fileConfig.CORS.AllowHeaders != "" {
		config.CORS.AllowHeaders = fileConfig.CORS.AllowHeaders
	}
	config.CORS.AllowCredentials = fileConfig.CORS.AllowCredentials
	if fileConfig.CORS.MaxAge != 0 {
		config.CORS.MaxAge = fileConfig.CORS.MaxAge
	}

	return config, nil
}

// SaveDefaultConfig saves a default configuration file
func SaveDefaultConfig(filePath string) error {
	def := Default()
	var fileConfig FileConfig

	fileConfig.Server.Port = def.Server.Port
	fileConfig.Server.RootDir = def.Server.RootDir
	fileConfig.Server.Persist = def.Server.Persist

	fileConfig.Client.URL = def.Client.URL
	fileConfig.Client.Records = []string{}
	fileConfig.Client.BufferSize = def.Client.BufferSize
	fileConfig.Client.ReconnectTimeout = def.Client.ReconnectTimeout.String()
	fileConfig.Client.WriteTimeout = def.Client.WriteTimeout.String()
	fileConfig.Client.ReadTimeout = def.Client.ReadTimeout.String()

	fileConfig.Log.Level = def.Log.Level
	fileConfig.Metrics.Enabled = def.Metrics.Enabled
	fileConfig.Metrics.Path = def.Metrics.Path

	fileConfig.TLS.Enabled = def.TLS.Enabled
	fileConfig.TLS.CertFile = def.TLS.CertFile
	fileConfig.TLS.KeyFile = def.TLS.KeyFile
	fileConfig.TLS.GenerateCert = def.TLS.GenerateCert

	fileConfig.CORS.Enabled = def.CORS.Enabled
	fileConfig.CORS.AllowOrigins = def.CORS.AllowOrigins
	fileConfig.CORS.AllowMethods = def.CORS.AllowMethods
	fileConfig.CORS.AllowHeaders = def.CORS.AllowHeaders
	fileConfig.CORS.AllowCredentials = def.CORS.AllowCredentials
	fileConfig.CORS.MaxAge = def.CORS.MaxAge

	data, err := yaml.Marshal(fileConfig)
	if err != nil {
		return fmt.Errorf("error creating default config: %w", err)
	}

	yamlWithComments := "# Record Sync Configuration\n" +
		"# Settings for the record server (server) and the record client (client)\n\n" +
		string(data)

	if err := os.WriteFile(filePath, []byte(yamlWithComments), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
