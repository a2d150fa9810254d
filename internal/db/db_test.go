package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := InitSchema(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInitSchema(t *testing.T) {
	db := testDB(t)

	// Verify all three tables exist by querying sqlite_master.
	tables := map[string]bool{}
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name IN ('messages','events','cursor')`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatal(err)
		}
		tables[name] = true
	}

	for _, want := range []string{"messages", "events", "cursor"} {
		if !tables[want] {
			t.Errorf("table %q not created", want)
		}
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := testDB(t)
	if err := InitSchema(db); err != nil {
		t.Fatalf("second InitSchema failed: %v", err)
	}
}

func TestInitSchema_KeepsLegacyMessages(t *testing.T) {
	db, err := OpenDB(t.TempDir() + "/legacy.db")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	// Layout written by the first release of the bot.
	_, err = db.Exec(`CREATE TABLE messages (user_id INTEGER, message TEXT, response TEXT, timestamp DATETIME)`)
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(`INSERT INTO messages VALUES (7, 'hi', 'hello', '2024-03-01 10:00:00.000001')`)
	if err != nil {
		t.Fatal(err)
	}

	if err := InitSchema(db); err != nil {
		t.Fatal(err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE user_id = 7`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected legacy row to survive, got %d rows", count)
	}
}

func TestLogEvent_Basic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id1, err := LogEvent(ctx, db, nil, EventProcessStarted, map[string]any{"role": "gateway", "pid": 123})
	if err != nil {
		t.Fatal(err)
	}
	if id1 <= 0 {
		t.Errorf("expected positive id, got %d", id1)
	}

	id2, err := LogEvent(ctx, db, nil, EventTurnCompleted, map[string]any{"user_id": 456})
	if err != nil {
		t.Fatal(err)
	}
	if id2 <= id1 {
		t.Errorf("expected id2 > id1, got %d <= %d", id2, id1)
	}

	var payloadStr string
	err = db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id1).Scan(&payloadStr)
	if err != nil {
		t.Fatal(err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
		t.Fatalf("invalid payload JSON: %v", err)
	}
	if payload["role"] != "gateway" {
		t.Errorf("expected role=gateway, got %v", payload["role"])
	}
}

func TestLogEvent_NilPayload(t *testing.T) {
	db := testDB(t)

	id, err := LogEvent(context.Background(), db, nil, EventTransportRecovered, nil)
	if err != nil {
		t.Fatal(err)
	}

	var payload sql.NullString
	err = db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		t.Fatal(err)
	}
	if payload.Valid {
		t.Errorf("expected NULL payload, got %q", payload.String)
	}
}

func TestJournal_RecordsUnderRoot(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	j := NewJournal(ctx, db, nil, map[string]any{"role": "gateway"})
	if j.Parent == nil {
		t.Fatal("expected root event id")
	}
	j.Record(ctx, EventTransportFault, map[string]any{"error": "boom"})

	var parent int64
	err := db.QueryRow(`SELECT parent_id FROM events WHERE event_type = ?`, EventTransportFault).Scan(&parent)
	if err != nil {
		t.Fatal(err)
	}
	if parent != *j.Parent {
		t.Errorf("expected parent_id=%d, got %d", *j.Parent, parent)
	}
}

func TestJournal_NilIsNoop(t *testing.T) {
	var j *Journal
	j.Record(context.Background(), EventTurnFailed, nil)
}

func TestOffsets(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	o := &Offsets{DB: db}

	offset, err := o.LoadOffset(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if offset != 0 {
		t.Errorf("expected 0, got %d", offset)
	}

	if err := o.SaveOffset(ctx, 101); err != nil {
		t.Fatal(err)
	}
	if err := o.SaveOffset(ctx, 201); err != nil {
		t.Fatal(err)
	}
	offset, err = o.LoadOffset(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if offset != 201 {
		t.Errorf("expected 201, got %d", offset)
	}
}

func TestOffsets_TransportsDoNotShareCursor(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	tg := &Offsets{DB: db, Cursor: OffsetCursor("telegram")}
	console := &Offsets{DB: db, Cursor: OffsetCursor("console")}

	if err := tg.SaveOffset(ctx, 900); err != nil {
		t.Fatal(err)
	}
	if err := console.SaveOffset(ctx, 3); err != nil {
		t.Fatal(err)
	}

	got, err := tg.LoadOffset(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != 900 {
		t.Errorf("console run moved the telegram offset to %d", got)
	}
	legacy, err := (&Offsets{DB: db}).LoadOffset(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if legacy != 900 {
		t.Errorf("telegram must keep the %s cursor, got %d", CursorUpdateOffset, legacy)
	}
	if OffsetCursor("console") == OffsetCursor("dummy") {
		t.Error("console and dummy share a cursor")
	}
}
