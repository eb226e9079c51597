package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

// CLI arguments. Any flag given explicitly overrides the config file.
var (
	configFile      *string
	inputFile       *string
	ifaceName       *string
	bpfFilter       *string
	outputDir       *string
	outputFile      *string
	rulesFile       *string
	metricsListen   *string
	fragmentPolicy  *string
	minTTL          *int
	maxMSS          *int
	noDF            *bool
	randomID        *bool
	tcpState        *bool
	logDrops        *bool
	fragmentTimeout *time.Duration
	autoUploadToS3  *bool
	s3URI           *string
	decapERSPAN     *bool
	debug           *bool
)

func initFlags() {
	configFile = pflag.String("config", "", "Path to the configuration file")
	inputFile = pflag.StringP("input-file", "r", "", "Path to the source PCAP file (alternative to live capture)")
	ifaceName = pflag.StringP("interface", "i", "", "Network interface name for live capture (e.g., \"eth0\")")
	bpfFilter = pflag.String("filter", "ip", "BPF filter string for live capture")
	outputDir = pflag.String("output-dir", ".", "Directory for the scrubbed PCAP and CSV files")
	outputFile = pflag.StringP("output-file", "w", "scrubbed.pcap", "Filename of the scrubbed PCAP")
	rulesFile = pflag.String("rules-file", "", "YAML file with per-network scrub rules")
	metricsListen = pflag.String("metrics-listen", "", "Address to serve Prometheus metrics on (e.g., \":9108\")")
	fragmentPolicy = pflag.String("fragment", "reassemble", "Default fragment policy: reassemble, crop or drop-ovl")
	minTTL = pflag.Int("min-ttl", 0, "Default minimum TTL (0 disables)")
	maxMSS = pflag.Int("max-mss", 0, "Default maximum TCP MSS (0 disables)")
	noDF = pflag.Bool("no-df", false, "Clear the don't-fragment bit by default")
	randomID = pflag.Bool("random-id", false, "Randomize the IP ID of unfragmented packets by default")
	tcpState = pflag.Bool("tcp-state", false, "Track TCP connections and enforce timestamp (PAWS) checks by default")
	logDrops = pflag.Bool("log-drops", false, "Log every dropped packet and write the drop events CSV")
	fragmentTimeout = pflag.Duration("fragment-timeout", 30*time.Second, "Idle timeout of incomplete datagrams")
	autoUploadToS3 = pflag.Bool("auto-upload-to-s3", false, "Upload the scrubbed PCAP to S3 at exit")
	s3URI = pflag.String("s3-uri", "", "S3 URI prefix for uploads (e.g., \"s3://bucket/prefix\")")
	decapERSPAN = pflag.Bool("decap-erspan", false, "Scrub the frames mirrored inside ERSPAN instead of the captured frames")
	debug = pflag.BoolP("debug", "d", false, "Enable debug logging")

	pflag.Parse()
}

// applyFlagOverrides copies every explicitly set flag into cfg.
func applyFlagOverrides(cfg *Config, flags *pflag.FlagSet) {
	changed := flags.Changed
	if changed("input-file") {
		cfg.InputFile = *inputFile
	}
	if changed("interface") {
		cfg.Interface = *ifaceName
	}
	if changed("filter") {
		cfg.Filter = *bpfFilter
	}
	if changed("output-dir") {
		cfg.OutputDir = *outputDir
	}
	if changed("output-file") {
		cfg.OutputFilename = *outputFile
	}
	if changed("rules-file") {
		cfg.RulesFile = *rulesFile
	}
	if changed("metrics-listen") {
		cfg.MetricsListen = *metricsListen
	}
	if changed("fragment") {
		cfg.FragmentPolicy = *fragmentPolicy
	}
	if changed("min-ttl") {
		cfg.MinTTL = *minTTL
	}
	if changed("max-mss") {
		cfg.MaxMSS = *maxMSS
	}
	if changed("no-df") {
		cfg.NoDF = *noDF
	}
	if changed("random-id") {
		cfg.RandomID = *randomID
	}
	if changed("tcp-state") {
		cfg.TCPState = *tcpState
	}
	if changed("log-drops") {
		cfg.LogDrops = *logDrops
	}
	if changed("fragment-timeout") {
		cfg.FragmentTimeout = *fragmentTimeout
	}
	if changed("auto-upload-to-s3") {
		cfg.AutoUploadToS3 = *autoUploadToS3
	}
	if changed("s3-uri") {
		cfg.S3URI = *s3URI
	}
	if changed("decap-erspan") {
		cfg.DecapERSPAN = *decapERSPAN
	}
	if changed("debug") {
		cfg.Debug = *debug
	}
	*debug = cfg.Debug
}

// validateConfig checks the merged configuration before anything is opened.
func validateConfig(cfg *Config) error {
	if cfg.InputFile != "" && cfg.Interface != "" {
		return fmt.Errorf("--input-file and --interface are mutually exclusive. Provide one or the other")
	}
	if cfg.InputFile == "" && cfg.Interface == "" {
		return fmt.Errorf("either --input-file or --interface must be provided")
	}
	if _, err := parseFragmentPolicy(cfg.FragmentPolicy); err != nil {
		return err
	}
	if cfg.MinTTL < 0 || cfg.MinTTL > 255 {
		return fmt.Errorf("min-ttl must be between 0 and 255")
	}
	if cfg.MaxMSS < 0 || cfg.MaxMSS > 65535 {
		return fmt.Errorf("max-mss must be between 0 and 65535")
	}
	if cfg.FragmentTimeout <= 0 {
		return fmt.Errorf("fragment-timeout must be positive")
	}
	if cfg.AutoUploadToS3 && cfg.S3URI == "" {
		return fmt.Errorf("auto-upload-to-s3 requires s3-uri")
	}
	return nil
}

// loadSettings parses flags, loads the config file and merges the two.
// Errors here are fatal; the logger is not set up yet.
func loadSettings() *Config {
	initFlags()

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, pflag.CommandLine)

	if err := validateConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		pflag.Usage()
		os.Exit(1)
	}
	return cfg
}
