package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TLSConfig holds TLS configuration options
type TLSConfig struct {
	Enabled      bool
	CertFile     string
	KeyFile      string
	GenerateCert bool
}

// CORSConfig holds CORS configuration options
type CORSConfig struct {
	Enabled          bool
	AllowOrigins     string
	AllowMethods     string
	AllowHeaders     string
	AllowCredentials bool
	MaxAge           int
}

// ServerConfig holds the record authority options
type ServerConfig struct {
	Port    int
	RootDir string
	// Persist writes accepted client writes back to the record files.
	Persist bool
}

// ClientConfig holds the options of the record client binary
type ClientConfig struct {
	URL                string
	Records            []string
	BufferSize         int
	ReconnectTimeout   time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	InsecureSkipVerify bool
}

type LogConfig struct {
	Level string
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

// Config holds the application configuration
type Config struct {
	Server  ServerConfig
	Client  ClientConfig
	Log     LogConfig
	Metrics MetricsConfig
	TLS     TLSConfig
	CORS    CORSConfig
}

// ParseFlags parses command line flags and merges with config file
func ParseFlags(fs *flag.FlagSet, args []string) (*Config, error) {
	configFlag := fs.String("config", "config.yml", "Path to configuration file")
	generateConfigFlag := fs.Bool("generate-config", false, "Generate a default configuration file")
	configFilePathFlag := fs.String("config-path", "config.yml", "Path where config file should be generated")

	// Simple flags for overriding config file
	dirFlag := fs.String("d", "", "Directory containing .json record files (overrides config)")
	portFlag := fs.Int("p", 0, "Port to listen on (overrides config)")
	urlFlag := fs.String("url", "", "Websocket URL of the record server (overrides config)")
	recordsFlag := fs.String("records", "", "Comma separated record names to subscribe (overrides config)")
	levelFlag := fs.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *generateConfigFlag {
		if err := SaveDefaultConfig(*configFilePathFlag); err != nil {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "Configuration file generated at %s\n", *configFilePathFlag)
	}

	config, err := LoadConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not load config file, using defaults: %v\n", err)
		config, _ = LoadConfig("")
	}

	if *dirFlag != "" {
		config.Server.RootDir = *dirFlag
	}
	if *portFlag != 0 {
		config.Server.Port = *portFlag
	}
	if *urlFlag != "" {
		config.Client.URL = *urlFlag
	}
	if *recordsFlag != "" {
		config.Client.Records = strings.Split(*recordsFlag, ",")
	}
	if *levelFlag != "" {
		config.Log.Level = *levelFlag
	}

	return config, nil
}

// NewLogger builds the process logger for the given level name.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
