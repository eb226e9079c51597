package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/sirupsen/logrus"
)

var (
	loggerInfo  *logrus.Logger
	loggerDebug *logrus.Logger
)

func setupLogging() {
	formatter := &logrus.TextFormatter{FullTimestamp: true}

	loggerInfo = logrus.New()
	loggerInfo.SetOutput(os.Stderr)
	loggerInfo.SetFormatter(formatter)
	loggerInfo.SetLevel(logrus.InfoLevel)

	// In test environments, *debug might not be initialized by flag parsing.
	// Default to false (discard debug logs) if debug pointer is nil.
	enableDebugLogs := debug != nil && *debug

	loggerDebug = logrus.New()
	loggerDebug.SetFormatter(formatter)
	loggerDebug.SetLevel(logrus.DebugLevel)
	if enableDebugLogs {
		loggerDebug.SetOutput(os.Stderr)
	} else {
		loggerDebug.SetOutput(io.Discard)
	}
}

// openCapture opens the pcap file or live interface named in cfg.
func openCapture(cfg *Config) (*pcap.Handle, error) {
	if cfg.InputFile != "" {
		loggerInfo.Printf("Opening PCAP file: %s", cfg.InputFile)
		return pcap.OpenOffline(cfg.InputFile)
	}

	loggerInfo.Printf("Starting live capture on interface: %s with filter: %s", cfg.Interface, cfg.Filter)
	inactive, err := pcap.NewInactiveHandle(cfg.Interface)
	if err != nil {
		return nil, err
	}
	defer inactive.CleanUp()

	snaplen := cfg.SnapshotLength
	if snaplen == 0 {
		snaplen = 262144
	}
	if err := inactive.SetSnapLen(snaplen); err != nil {
		return nil, err
	}
	if err := inactive.SetPromisc(true); err != nil {
		return nil, err
	}
	if err := inactive.SetTimeout(pcap.BlockForever); err != nil {
		return nil, err
	}
	if cfg.BufferSize > 0 {
		if err := inactive.SetBufferSize(cfg.BufferSize * 1024); err != nil {
			return nil, err
		}
	}
	handle, err := inactive.Activate()
	if err != nil {
		return nil, err
	}
	if cfg.Filter != "" {
		if err := handle.SetBPFFilter(cfg.Filter); err != nil {
			handle.Close()
			return nil, err
		}
	}
	return handle, nil
}

func main() {
	cfg := loadSettings() // From cli.go
	setupLogging()

	loggerInfo.Println("Packet Scrubber - Go Version - Starting...")
	if *debug {
		loggerDebug.Println("Debug logging enabled.")
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		if host, err := os.Hostname(); err == nil {
			instanceID = host
		}
	}

	loggerInfo.Printf("Input File: %s", cfg.InputFile)
	loggerInfo.Printf("Interface: %s", cfg.Interface)
	loggerInfo.Printf("Output: %s/%s", cfg.OutputDir, cfg.OutputFilename)
	loggerInfo.Printf("Default rule: fragment=%s min-ttl=%d max-mss=%d no-df=%t random-id=%t tcp-state=%t",
		cfg.FragmentPolicy, cfg.MinTTL, cfg.MaxMSS, cfg.NoDF, cfg.RandomID, cfg.TCPState)
	loggerInfo.Printf("Fragment timeout: %s, buffer %d sets/%d entries, cache %d sets/%d ranges",
		cfg.FragmentTimeout, cfg.BufferMaxSets, cfg.BufferMaxEntries, cfg.CacheMaxSets, cfg.CacheMaxRanges)

	fallback, err := cfg.DefaultRule()
	if err != nil {
		loggerInfo.Fatalf("Invalid default rule: %v", err)
	}
	rules := NewRuleSet(fallback)
	if cfg.RulesFile != "" {
		rules, err = LoadRules(cfg.RulesFile, fallback)
		if err != nil {
			loggerInfo.Fatalf("Failed to load rules: %v", err)
		}
		loggerInfo.Printf("Loaded %d scrub rules from %s", rules.Len(), cfg.RulesFile)
	}

	normalizer := NewNormalizer(cfg.NormalizerConfig())

	var metrics *scrubMetrics
	var metricsServer *http.Server
	if cfg.MetricsListen != "" {
		metrics = newScrubMetrics(normalizer)
		metricsServer = serveMetrics(cfg.MetricsListen, metrics)
	}

	if err := initializeCSVs(cfg); err != nil { // From csv_handler.go
		loggerInfo.Fatalf("Failed to initialize CSV files: %v", err)
	}

	if dbConfig := databaseConfigFrom(cfg, instanceID); dbConfig != nil {
		if err := InitializeDatabase(dbConfig); err != nil {
			loggerInfo.Printf("Database disabled: %v", err)
		}
	}

	handle, err := openCapture(cfg)
	if err != nil {
		loggerInfo.Fatalf("Error opening capture: %v", err)
	}
	defer handle.Close()
	linkType := handle.LinkType()
	packetSource := gopacket.NewPacketSource(handle, linkType)
	loggerInfo.Printf("Capture opened with LinkType: %s", linkType.String())

	outLinkType := linkType
	if cfg.DecapERSPAN {
		outLinkType = layers.LinkTypeEthernet
		loggerInfo.Printf("Decapsulating ERSPAN mirrors (sessions: %v)", cfg.ERSPANSpanIDs)
	}
	out, err := createPacketOutput(cfg.OutputDir, cfg.OutputFilename, outLinkType)
	if err != nil {
		loggerInfo.Fatalf("Failed to create output: %v", err)
	}

	scrubber := &packetScrubber{
		normalizer:    normalizer,
		rules:         rules,
		out:           out,
		stats:         NewScrubStats(),
		metrics:       metrics,
		decapERSPAN:   cfg.DecapERSPAN,
		spanIDs:       cfg.ERSPANSpanIDs,
		sweepInterval: cfg.SweepInterval,
	}
	if cfg.LogDrops {
		scrubber.drops = newDropLogger(cfg.DropLogRate)
	}

	done := make(chan struct{})
	if cfg.Interface != "" {
		// capture time only advances with traffic; keep expiring when idle
		go monitorScrubState(normalizer, cfg.SweepInterval, done)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	loggerInfo.Println("Starting packet processing...")
	runCapture(scrubber, packetSource.Packets(), sigs)
	close(done)

	shutdown(cfg, scrubber, handle, linkType, metricsServer)
}

// runCapture feeds packets to the scrubber until the source is exhausted or
// a signal arrives.
func runCapture(scrubber *packetScrubber, packets <-chan gopacket.Packet, sigs <-chan os.Signal) {
	packetCount := 0
	for {
		select {
		case sig := <-sigs:
			loggerInfo.Printf("Received signal: %s. Shutting down gracefully...", sig)
			return
		case packet, ok := <-packets:
			if !ok {
				loggerInfo.Printf("Finished processing. Total packets processed: %d", packetCount)
				return
			}
			packetCount++
			scrubber.handlePacket(packet)
			if packetCount%1000 == 0 {
				if *debug {
					loggerDebug.Printf("Processed %d packets...", packetCount)
				} else if packetCount%10000 == 0 {
					loggerInfo.Printf("Processed %d packets...", packetCount)
				}
			}
		}
	}
}

func shutdown(cfg *Config, scrubber *packetScrubber, handle *pcap.Handle, linkType layers.LinkType, metricsServer *http.Server) {
	if cfg.CaptureStats && cfg.Interface != "" {
		if st, err := handle.Stats(); err == nil {
			loggerInfo.Printf("Capture stats: received %d, dropped by kernel %d, dropped by interface %d",
				st.PacketsReceived, st.PacketsDropped, st.PacketsIfDropped)
		}
	}

	stats := scrubber.stats
	loggerInfo.WithFields(logrus.Fields{
		"frames":      stats.Frames,
		"passed":      stats.Passed,
		"held":        stats.Held,
		"dropped":     stats.TotalDropped(),
		"reassembled": stats.Reassembled,
		"link":        linkType.String(),
	}).Info("Scrubbing finished")

	writeStatistics(statisticsRows(stats, scrubber.normalizer))
	closeCSVs()

	if err := scrubber.out.Close(); err != nil {
		loggerInfo.Printf("Error closing output pcap: %v", err)
	}
	processS3UploadAndCleanup(cfg, cfg.OutputFilename)

	FlushDatabaseOperations()
	CloseDatabase()

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(ctx); err != nil {
			loggerInfo.Printf("Error stopping metrics server: %v", err)
		}
	}
	loggerInfo.Println("Cleanup complete. Exiting.")
}
