package main

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Event kinds stored in scrub_events.kind
const (
	EventKindDrop        = "drop"
	EventKindReassembled = "reassembled"
)

// DatabaseConfig holds database connection parameters
type DatabaseConfig struct {
	Host               string
	Port               int
	User               string
	Password           string
	Database           string
	SSLMode            string
	MaxOpenConnections int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	InstanceID         string
}

// databaseConfigFrom returns nil when no database is configured.
func databaseConfigFrom(cfg *Config, instanceID string) *DatabaseConfig {
	if cfg.DatabaseHost == "" || cfg.DatabaseName == "" {
		return nil
	}
	return &DatabaseConfig{
		Host:               cfg.DatabaseHost,
		Port:               cfg.DatabasePort,
		User:               cfg.DatabaseUser,
		Password:           cfg.DatabasePassword,
		Database:           cfg.DatabaseName,
		SSLMode:            cfg.DatabaseSSLMode,
		MaxOpenConnections: cfg.DatabaseMaxOpenConns,
		MaxIdleConnections: cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime:    cfg.DatabaseConnLifetime,
		InstanceID:         instanceID,
	}
}

// Event batching. Drop floods arrive in bursts, so events are written in
// one transaction per batch instead of one round trip each.
const (
	eventQueueSize     = 4096
	eventBatchSize     = 256
	eventFlushInterval = 2 * time.Second
	reconnectInterval  = 10 * time.Second
)

// DatabaseHandler owns the connection pool and the single writer goroutine.
type DatabaseHandler struct {
	mu      sync.RWMutex
	db      *sql.DB
	healthy bool

	config  *DatabaseConfig
	events  chan ScrubEvent
	flushes chan chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	// written and discarded are only touched by the writer goroutine
	written   uint64
	discarded uint64
}

var (
	dbHandler *DatabaseHandler
	dbMutex   sync.RWMutex
)

func newDatabaseHandler(db *sql.DB, config *DatabaseConfig) *DatabaseHandler {
	return &DatabaseHandler{
		db:      db,
		healthy: db != nil,
		config:  config,
		events:  make(chan ScrubEvent, eventQueueSize),
		flushes: make(chan chan struct{}),
		done:    make(chan struct{}),
	}
}

func connectionString(c *DatabaseConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// openDatabase opens, configures and pings a connection pool.
func openDatabase(c *DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", connectionString(c))
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(c.MaxOpenConnections)
	db.SetMaxIdleConns(c.MaxIdleConnections)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := createTable(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return db, nil
}

// InitializeDatabase connects to PostgreSQL, creates the events table and
// starts the writer. A nil config leaves the database sink off.
func InitializeDatabase(config *DatabaseConfig) error {
	if config == nil {
		loggerInfo.Println("No database configuration provided, events go to CSV only")
		return nil
	}

	db, err := openDatabase(config)
	if err != nil {
		return err
	}

	h := newDatabaseHandler(db, config)
	h.wg.Add(2)
	go h.writer()
	go h.healthMonitor()

	dbMutex.Lock()
	dbHandler = h
	dbMutex.Unlock()

	loggerInfo.WithFields(logrus.Fields{
		"host":     config.Host,
		"database": config.Database,
		"instance": config.InstanceID,
	}).Info("Database event sink connected")
	return nil
}

// createTable creates the scrub_events table with proper schema
func createTable(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS scrub_events (
		id BIGSERIAL PRIMARY KEY,
		instance_id TEXT NOT NULL,
		event_timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('drop', 'reassembled')),
		src TEXT,
		dst TEXT,
		protocol SMALLINT,
		ip_id INTEGER,
		reason TEXT,
		length INTEGER,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_scrub_events_timestamp ON scrub_events(event_timestamp);
	CREATE INDEX IF NOT EXISTS idx_scrub_events_kind_instance ON scrub_events(kind, instance_id);
	CREATE INDEX IF NOT EXISTS idx_scrub_events_reason ON scrub_events(reason);
	CREATE INDEX IF NOT EXISTS idx_scrub_events_src ON scrub_events(src);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := db.ExecContext(ctx, query)
	return err
}

// WriteEventToDatabase queues an event for the writer. It never blocks the
// capture loop; events are lost when the queue is full.
func WriteEventToDatabase(ev ScrubEvent) {
	dbMutex.RLock()
	h := dbHandler
	dbMutex.RUnlock()
	if h == nil {
		return
	}

	select {
	case h.events <- ev:
	default:
		if *debug {
			loggerDebug.Printf("Database queue full, losing %s event %s -> %s", ev.Kind, ev.Src, ev.Dst)
		}
	}
}

// writer batches queued events and writes them on size, on a timer, on a
// flush request and once more at shutdown.
func (dh *DatabaseHandler) writer() {
	defer dh.wg.Done()

	ticker := time.NewTicker(eventFlushInterval)
	defer ticker.Stop()

	batch := make([]ScrubEvent, 0, eventBatchSize)
	for {
		select {
		case ev := <-dh.events:
			batch = append(batch, ev)
			if len(batch) >= eventBatchSize {
				batch = dh.writeBatch(batch)
			}
		case <-ticker.C:
			batch = dh.writeBatch(batch)
		case reply := <-dh.flushes:
			batch = dh.drain(batch)
			batch = dh.writeBatch(batch)
			close(reply)
		case <-dh.done:
			batch = dh.drain(batch)
			dh.writeBatch(batch)
			return
		}
	}
}

// drain moves every queued event into batch, writing full batches on the way.
func (dh *DatabaseHandler) drain(batch []ScrubEvent) []ScrubEvent {
	for {
		select {
		case ev := <-dh.events:
			batch = append(batch, ev)
			if len(batch) >= eventBatchSize {
				batch = dh.writeBatch(batch)
			}
		default:
			return batch
		}
	}
}

const insertEventSQL = `
	INSERT INTO scrub_events (instance_id, event_timestamp, kind, src, dst, protocol, ip_id, reason, length)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// writeBatch inserts batch in one transaction and returns it emptied. A
// failed batch is discarded; the health monitor takes care of the link.
func (dh *DatabaseHandler) writeBatch(batch []ScrubEvent) []ScrubEvent {
	if len(batch) == 0 {
		return batch
	}
	dh.mu.RLock()
	db, healthy := dh.db, dh.healthy
	dh.mu.RUnlock()

	if !healthy || db == nil {
		dh.discarded += uint64(len(batch))
		if *debug {
			loggerDebug.Printf("Database unavailable, discarded %d events", len(batch))
		}
		return batch[:0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := insertEvents(ctx, db, dh.config.InstanceID, batch); err != nil {
		dh.discarded += uint64(len(batch))
		loggerInfo.WithError(err).WithField("events", len(batch)).Warn("Failed to write scrub events")
		dh.mu.Lock()
		dh.healthy = false
		dh.mu.Unlock()
		return batch[:0]
	}
	dh.written += uint64(len(batch))
	return batch[:0]
}

func insertEvents(ctx context.Context, db *sql.DB, instanceID string, batch []ScrubEvent) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range batch {
		if _, err := stmt.ExecContext(ctx, instanceID, ev.Timestamp, ev.Kind, ev.Src, ev.Dst,
			int(ev.Protocol), int(ev.IPID), ev.Reason, ev.Length); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s event: %w", ev.Kind, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// healthMonitor pings the database and reopens the pool after a failure.
func (dh *DatabaseHandler) healthMonitor() {
	defer dh.wg.Done()

	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-dh.done:
			return
		case <-ticker.C:
			if !dh.ping() {
				dh.reconnect()
			}
		}
	}
}

func (dh *DatabaseHandler) ping() bool {
	dh.mu.RLock()
	db, healthy := dh.db, dh.healthy
	dh.mu.RUnlock()
	if db == nil || !healthy {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		loggerInfo.WithError(err).Warn("Database connection lost")
		return false
	}
	return true
}

func (dh *DatabaseHandler) reconnect() {
	db, err := openDatabase(dh.config)
	if err != nil {
		loggerInfo.WithError(err).Warn("Database reconnection failed")
		return
	}

	dh.mu.Lock()
	old := dh.db
	dh.db = db
	dh.healthy = true
	dh.mu.Unlock()

	if old != nil {
		old.Close()
	}
	loggerInfo.Println("Database reconnected")
}

// FlushDatabaseOperations blocks until every queued event has been handed
// to the database, or for at most 30 seconds.
func FlushDatabaseOperations() {
	dbMutex.RLock()
	h := dbHandler
	dbMutex.RUnlock()
	if h == nil {
		return
	}
	h.flush(30 * time.Second)
}

func (dh *DatabaseHandler) flush(timeout time.Duration) bool {
	reply := make(chan struct{})
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case dh.flushes <- reply:
	case <-timer.C:
		loggerInfo.Println("Database flush timed out waiting for the writer")
		return false
	}
	select {
	case <-reply:
		return true
	case <-timer.C:
		loggerInfo.Println("Database flush timed out")
		return false
	}
}

// CloseDatabase stops the writer after a final write and closes the pool.
func CloseDatabase() {
	dbMutex.Lock()
	h := dbHandler
	dbHandler = nil
	dbMutex.Unlock()
	if h == nil {
		return
	}

	close(h.done)
	h.wg.Wait()

	h.mu.Lock()
	if h.db != nil {
		if err := h.db.Close(); err != nil {
			loggerInfo.WithError(err).Warn("Error closing database connection")
		}
		h.db = nil
	}
	h.mu.Unlock()

	loggerInfo.WithFields(logrus.Fields{
		"written":   h.written,
		"discarded": h.discarded,
	}).Info("Database event sink closed")
}
