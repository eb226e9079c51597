package main

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents all configuration options that can be set via config file
type Config struct {
	// Core parameters
	InputFile          string
	Interface          string
	Filter             string
	OutputDir          string
	OutputFilename     string
	StatsFilename      string
	DropEventsFilename string
	LogDrops           bool
	DropLogRate        float64 // drop log lines per second, 0 = unlimited
	Debug              bool
	InstanceID         string // Instance identifier; defaults to hostname if empty
	RulesFile          string
	MetricsListen      string

	// Default scrub rule, used when no rule in RulesFile matches
	FragmentPolicy string
	MinTTL         int
	MaxMSS         int
	NoDF           bool
	RandomID       bool
	TCPState       bool

	// Fragment store parameters
	FragmentTimeout  time.Duration
	BufferMaxSets    int
	BufferMaxEntries int
	CacheMaxSets     int
	CacheMaxRanges   int

	// TCP connection tracking parameters
	ConnTimeout   time.Duration
	MaxConns      int
	SweepInterval time.Duration
	TSFudge       time.Duration
	TSMaxFreq     int
	TSMaxIdle     time.Duration
	TSMaxConn     time.Duration

	// S3 upload parameters
	AutoUploadToS3 bool
	S3URI          string
	S3Region       string

	// Live capture parameters (only applicable for interface mode)
	SnapshotLength int  // Snapshot length in bytes (0=262144, max=262144)
	BufferSize     int  // OS capture buffer size in KiB (default: 0 = system default)
	CaptureStats   bool // Report pcap receive/drop counters at exit

	// Mirror decapsulation parameters
	DecapERSPAN   bool
	ERSPANSpanIDs []uint16 // empty accepts every session

	// Database parameters
	DatabaseHost         string
	DatabasePort         int
	DatabaseUser         string
	DatabasePassword     string
	DatabaseName         string
	DatabaseSSLMode      string
	DatabaseMaxOpenConns int
	DatabaseMaxIdleConns int
	DatabaseConnLifetime time.Duration
}

// DefaultConfig returns a Config struct with default values
func DefaultConfig() *Config {
	paws := DefaultPAWSConfig()
	return &Config{
		// Core defaults
		InputFile:          "",
		Interface:          "",
		Filter:             "ip",
		OutputDir:          ".",
		OutputFilename:     "scrubbed.pcap",
		StatsFilename:      "scrub_statistics.csv",
		DropEventsFilename: "drop_events.csv",
		LogDrops:           false,
		DropLogRate:        10,
		Debug:              false,
		InstanceID:         "",
		RulesFile:          "",
		MetricsListen:      "",

		// Default scrub rule
		FragmentPolicy: "reassemble",
		MinTTL:         0,
		MaxMSS:         0,
		NoDF:           false,
		RandomID:       false,
		TCPState:       false,

		// Fragment store defaults
		FragmentTimeout:  30 * time.Second,
		BufferMaxSets:    1000,
		BufferMaxEntries: 5000,
		CacheMaxSets:     10000,
		CacheMaxRanges:   50000,

		// Connection tracking defaults
		ConnTimeout:   24 * time.Hour,
		MaxConns:      10000,
		SweepInterval: 10 * time.Second,
		TSFudge:       paws.Fudge,
		TSMaxFreq:     int(paws.MaxFreq),
		TSMaxIdle:     paws.MaxIdle,
		TSMaxConn:     paws.MaxConn,

		// S3 upload defaults
		AutoUploadToS3: false,
		S3URI:          "",
		S3Region:       "",

		// Live capture defaults
		SnapshotLength: 0, // 0 means 262144, fragments must not be cut
		BufferSize:     0, // 0 means use system default
		CaptureStats:   false,

		// Mirror decapsulation defaults
		DecapERSPAN:   false,
		ERSPANSpanIDs: nil,

		// Database defaults
		DatabaseHost:         "",
		DatabasePort:         5432,
		DatabaseUser:         "",
		DatabasePassword:     "",
		DatabaseName:         "",
		DatabaseSSLMode:      "require",
		DatabaseMaxOpenConns: 25,
		DatabaseMaxIdleConns: 10,
		DatabaseConnLifetime: 1 * time.Hour,
	}
}

// LoadConfig loads configuration from the specified file paths in order of priority:
// 1. configPath (if provided via --config)
// 2. $XDG_CONFIG_HOME/pktscrub/pktscrub.conf
// 3. /etc/pktscrub/pktscrub.conf
// Returns the loaded config or default config if no files are found
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	var configPaths []string
	if configPath != "" {
		configPaths = append(configPaths, configPath)
	} else {
		if xdgPath := getXDGConfigPath(); xdgPath != "" {
			configPaths = append(configPaths, xdgPath)
		}
		configPaths = append(configPaths, "/etc/pktscrub/pktscrub.conf")
	}

	var loadedFrom string
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			if err := loadConfigFromFile(config, path); err != nil {
				return nil, fmt.Errorf("error loading config from %s: %w", path, err)
			}
			loadedFrom = path
			break
		} else if configPath != "" {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if loadedFrom != "" {
		fmt.Fprintf(os.Stderr, "INFO: Loaded configuration from: %s\n", loadedFrom)
	}

	// Apply environment variable fallbacks for database configuration
	applyDatabaseEnvVars(config)

	return config, nil
}

// applyDatabaseEnvVars applies environment variable overrides for database configuration
// Environment variables take precedence over config file values
func applyDatabaseEnvVars(config *Config) {
	if envHost := os.Getenv("DB_HOST"); envHost != "" {
		config.DatabaseHost = envHost
	}
	if envName := os.Getenv("DB_NAME"); envName != "" {
		config.DatabaseName = envName
	}
	if envUser := os.Getenv("DB_USER"); envUser != "" {
		config.DatabaseUser = envUser
	}
	if envPassword := os.Getenv("DB_PASSWORD"); envPassword != "" {
		config.DatabasePassword = envPassword
	}
	if envSSLMode := os.Getenv("DB_SSL_MODE"); envSSLMode != "" {
		config.DatabaseSSLMode = envSSLMode
	}
	if envPort := os.Getenv("DB_PORT"); envPort != "" {
		if port, err := strconv.Atoi(envPort); err == nil && port > 0 && port <= 65535 {
			config.DatabasePort = port
		} else {
			fmt.Fprintf(os.Stderr, "WARNING: Invalid DB_PORT environment variable: %s\n", envPort)
		}
	}
}

// getXDGConfigPath returns the XDG config directory path for pktscrub
func getXDGConfigPath() string {
	xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfigHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		xdgConfigHome = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(xdgConfigHome, "pktscrub", "pktscrub.conf")
}

// loadConfigFromFile loads configuration from an INI-style file
func loadConfigFromFile(config *Config, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		// Skip section headers [section]
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid line %d: %s", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := setConfigValue(config, key, value); err != nil {
			return fmt.Errorf("error on line %d: %w", lineNum, err)
		}
	}

	return scanner.Err()
}

func parseBoolValue(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	return b, nil
}

func parseDurationValue(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}

// parseIntValue parses an integer and checks it against [lo, hi].
func parseIntValue(key, value string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%s must be between %d and %d", key, lo, hi)
	}
	return n, nil
}

// setConfigValue sets a configuration value based on the key
func setConfigValue(config *Config, key, value string) error {
	var err error
	switch key {
	// Core parameters
	case "input-file":
		config.InputFile = value
	case "interface":
		config.Interface = value
	case "filter":
		config.Filter = value
	case "output-dir":
		config.OutputDir = value
	case "output-file":
		config.OutputFilename = value
	case "stats-filename":
		config.StatsFilename = value
	case "drop-events-filename":
		config.DropEventsFilename = value
	case "log-drops":
		config.LogDrops, err = parseBoolValue(key, value)
	case "drop-log-rate":
		rate, perr := strconv.ParseFloat(value, 64)
		if perr != nil {
			return fmt.Errorf("invalid number for drop-log-rate: %w", perr)
		}
		if rate < 0 {
			return fmt.Errorf("drop-log-rate cannot be negative")
		}
		config.DropLogRate = rate
	case "debug":
		config.Debug, err = parseBoolValue(key, value)
	case "instance-id":
		config.InstanceID = value
	case "rules-file":
		config.RulesFile = value
	case "metrics-listen":
		config.MetricsListen = value

	// Default scrub rule
	case "fragment":
		if _, perr := parseFragmentPolicy(value); perr != nil {
			return perr
		}
		config.FragmentPolicy = value
	case "min-ttl":
		config.MinTTL, err = parseIntValue(key, value, 0, 255)
	case "max-mss":
		config.MaxMSS, err = parseIntValue(key, value, 0, 65535)
	case "no-df":
		config.NoDF, err = parseBoolValue(key, value)
	case "random-id":
		config.RandomID, err = parseBoolValue(key, value)
	case "tcp-state":
		config.TCPState, err = parseBoolValue(key, value)

	// Fragment store parameters
	case "fragment-timeout":
		config.FragmentTimeout, err = parseDurationValue(key, value)
	case "buffer-max-sets":
		config.BufferMaxSets, err = parseIntValue(key, value, 0, 1<<24)
	case "buffer-max-entries":
		config.BufferMaxEntries, err = parseIntValue(key, value, 0, 1<<24)
	case "cache-max-sets":
		config.CacheMaxSets, err = parseIntValue(key, value, 0, 1<<24)
	case "cache-max-ranges":
		config.CacheMaxRanges, err = parseIntValue(key, value, 0, 1<<24)

	// Connection tracking parameters
	case "conn-timeout":
		config.ConnTimeout, err = parseDurationValue(key, value)
	case "max-conns":
		config.MaxConns, err = parseIntValue(key, value, 0, 1<<24)
	case "sweep-interval":
		config.SweepInterval, err = parseDurationValue(key, value)
	case "ts-fudge":
		config.TSFudge, err = parseDurationValue(key, value)
	case "ts-max-freq":
		config.TSMaxFreq, err = parseIntValue(key, value, 1, 1000000)
	case "ts-max-idle":
		config.TSMaxIdle, err = parseDurationValue(key, value)
	case "ts-max-conn":
		config.TSMaxConn, err = parseDurationValue(key, value)

	// S3 upload parameters
	case "auto-upload-to-s3":
		config.AutoUploadToS3, err = parseBoolValue(key, value)
	case "s3-uri":
		expandedURI, xerr := expandHostnameMacros(value)
		if xerr != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to expand hostname macro in s3-uri: %v\n", xerr)
			config.S3URI = value
		} else {
			config.S3URI = expandedURI
		}
	case "s3-region":
		config.S3Region = value

	// Live capture parameters
	case "snapshot-length":
		config.SnapshotLength, err = parseIntValue(key, value, 0, 262144)
	case "buffer-size":
		config.BufferSize, err = parseIntValue(key, value, 0, 1<<30)
	case "capture-stats":
		config.CaptureStats, err = parseBoolValue(key, value)

	// Mirror decapsulation parameters
	case "decap-erspan":
		config.DecapERSPAN, err = parseBoolValue(key, value)
	case "erspan-span-ids":
		config.ERSPANSpanIDs, err = parseSpanIDs(value)

	// Database parameters
	case "database-host":
		config.DatabaseHost = value
	case "database-port":
		config.DatabasePort, err = parseIntValue(key, value, 1, 65535)
	case "database-user":
		config.DatabaseUser = value
	case "database-password":
		config.DatabasePassword = value
	case "database-name":
		config.DatabaseName = value
	case "database-ssl-mode":
		config.DatabaseSSLMode = value
	case "database-max-open-conns":
		config.DatabaseMaxOpenConns, err = parseIntValue(key, value, 1, 10000)
	case "database-max-idle-conns":
		config.DatabaseMaxIdleConns, err = parseIntValue(key, value, 1, 10000)
	case "database-conn-lifetime":
		config.DatabaseConnLifetime, err = parseDurationValue(key, value)

	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	return err
}

// DefaultRule builds the scrub rule applied when no rules file entry matches.
func (c *Config) DefaultRule() (*ScrubRule, error) {
	policy, err := parseFragmentPolicy(c.FragmentPolicy)
	if err != nil {
		return nil, err
	}
	return &ScrubRule{
		Name:     "default",
		Fragment: policy,
		MinTTL:   uint8(c.MinTTL),
		MaxMSS:   uint16(c.MaxMSS),
		NoDF:     c.NoDF,
		RandomID: c.RandomID,
		TCPState: c.TCPState,
	}, nil
}

// NormalizerConfig derives the engine sizing from the configuration.
func (c *Config) NormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		FragmentTimeout:  c.FragmentTimeout,
		BufferMaxSets:    c.BufferMaxSets,
		BufferMaxEntries: c.BufferMaxEntries,
		CacheMaxSets:     c.CacheMaxSets,
		CacheMaxRanges:   c.CacheMaxRanges,
		Conn: ConnTrackerConfig{
			IdleTimeout: c.ConnTimeout,
			MaxConns:    c.MaxConns,
			PAWS: PAWSConfig{
				MaxFreq: uint32(c.TSMaxFreq),
				Fudge:   c.TSFudge,
				MaxIdle: c.TSMaxIdle,
				MaxConn: c.TSMaxConn,
			},
		},
	}
}

// getHostnameShort executes 'hostname -s' and returns the short hostname
func getHostnameShort() (string, error) {
	cmd := exec.Command("hostname", "-s")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to execute 'hostname -s': %w", err)
	}

	hostname := strings.TrimSpace(string(output))
	if hostname == "" {
		return "", fmt.Errorf("hostname command returned empty string")
	}

	return hostname, nil
}

// expandHostnameMacros replaces {hostname} macro with actual hostname in the input string
func expandHostnameMacros(input string) (string, error) {
	if !strings.Contains(input, "{hostname}") {
		return input, nil
	}

	hostname, err := getHostnameShort()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname for macro expansion: %w", err)
	}

	return strings.ReplaceAll(input, "{hostname}", hostname), nil
}
