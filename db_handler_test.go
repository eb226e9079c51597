package main

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDatabaseConfigFrom(t *testing.T) {
	cfg := DefaultConfig()
	if got := databaseConfigFrom(cfg, "probe-1"); got != nil {
		t.Fatalf("Expected no database without host and name, got %+v", got)
	}

	cfg.DatabaseHost = "db.internal"
	if got := databaseConfigFrom(cfg, "probe-1"); got != nil {
		t.Fatalf("Expected no database without a name, got %+v", got)
	}

	cfg.DatabaseName = "scrub"
	cfg.DatabaseUser = "scrubber"
	cfg.DatabasePassword = "secret"
	want := &DatabaseConfig{
		Host:               "db.internal",
		Port:               5432,
		User:               "scrubber",
		Password:           "secret",
		Database:           "scrub",
		SSLMode:            "require",
		MaxOpenConnections: 25,
		MaxIdleConnections: 10,
		ConnMaxLifetime:    time.Hour,
		InstanceID:         "probe-1",
	}
	got := databaseConfigFrom(cfg, "probe-1")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DatabaseConfig mismatch (-want +got):\n%s", diff)
	}

	wantConn := "host=db.internal port=5432 user=scrubber password=secret dbname=scrub sslmode=require"
	if conn := connectionString(got); conn != wantConn {
		t.Errorf("connectionString() = %q, want %q", conn, wantConn)
	}
}

func TestDatabaseDisabledIsNoop(t *testing.T) {
	if err := InitializeDatabase(nil); err != nil {
		t.Fatalf("InitializeDatabase(nil) error = %v", err)
	}
	if dbHandler != nil {
		t.Errorf("Expected the database sink to stay off")
	}
	WriteEventToDatabase(ScrubEvent{Kind: EventKindDrop})
	FlushDatabaseOperations()
	CloseDatabase()
}

func TestDatabaseWriterDiscardsWithoutConnection(t *testing.T) {
	h := newDatabaseHandler(nil, &DatabaseConfig{InstanceID: "probe-1"})
	h.wg.Add(1)
	go h.writer()

	for i := 0; i < eventBatchSize+44; i++ {
		h.events <- ScrubEvent{Kind: EventKindDrop, IPID: uint16(i)}
	}
	if !h.flush(5 * time.Second) {
		t.Fatalf("Flush did not complete")
	}
	h.events <- ScrubEvent{Kind: EventKindReassembled}
	close(h.done)
	h.wg.Wait()

	if h.discarded != eventBatchSize+45 || h.written != 0 {
		t.Errorf("Expected every event discarded, written %d discarded %d", h.written, h.discarded)
	}
	if len(h.events) != 0 {
		t.Errorf("Expected the queue drained at shutdown, %d left", len(h.events))
	}
}
