package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	logx "remibot/pkg/logx"
)

func validRecord(msg string) Record {
	return Record{
		FireTime:  time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		AuthorID:  100,
		TargetIDs: []int64{100},
		Message:   msg,
		ChatID:    -500,
		Timezone:  "UTC",
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "reminders.json")
	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	daily := "daily"
	want := []Record{validRecord("one"), validRecord("two")}
	want[1].Recurring = &daily
	want[1].ThreadID = 7

	if err := s.Save(context.Background(), want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	// No temp file is left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file still present: %v", err)
	}
}

func TestFileStoreLoadMissingFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "missing.json")
	s, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d records from a missing file", len(got))
	}
}

func TestFileStoreSaveRejectsInvalidRecord(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "reminders.json")
	s, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	good := []Record{validRecord("keep me")}
	if err := s.Save(context.Background(), good); err != nil {
		t.Fatalf("Save: %v", err)
	}

	bad := validRecord("")
	if err := s.Save(context.Background(), []Record{bad}); err == nil {
		t.Fatal("expected validation error")
	}

	// The failed save left the previous snapshot intact.
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0].Message != "keep me" {
		t.Fatalf("previous snapshot lost: %v", got)
	}
}

func TestFileStoreLoadSkipsInvalidRecords(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "reminders.json")

	doc := `[
  {"fire_time":"2026-03-02T09:00:00Z","author_id":100,"target_ids":[100],"message":"good","chat_id":-500,"recurring":null,"timezone":"UTC"},
  {"fire_time":"2026-03-02T09:00:00Z","author_id":100,"target_ids":[],"message":"no targets","chat_id":-500,"recurring":null,"timezone":"UTC"},
  {"fire_time":"2026-03-02T09:00:00Z","author_id":100,"target_ids":[100],"message":"bad kind","chat_id":-500,"recurring":"hourly","timezone":"UTC"}
]`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	s, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0].Message != "good" {
		t.Fatalf("got %v, want only the valid record", got)
	}
}

func TestFileStoreLoadCorruptDocument(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "reminders.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	s, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Load(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestRecordValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Record)
		ok     bool
	}{
		{name: "valid", mutate: func(r *Record) {}, ok: true},
		{name: "zero fire time", mutate: func(r *Record) { r.FireTime = time.Time{} }},
		{name: "no author", mutate: func(r *Record) { r.AuthorID = 0 }},
		{name: "no targets", mutate: func(r *Record) { r.TargetIDs = nil }},
		{name: "empty message", mutate: func(r *Record) { r.Message = "" }},
		{name: "no chat", mutate: func(r *Record) { r.ChatID = 0 }},
		{name: "bad recurring", mutate: func(r *Record) { v := "hourly"; r.Recurring = &v }},
		{name: "empty timezone", mutate: func(r *Record) { r.Timezone = "" }},
		{name: "unknown timezone", mutate: func(r *Record) { r.Timezone = "Mars/Olympus" }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := validRecord("m")
			tt.mutate(&r)
			if err := r.Validate(); (err == nil) != tt.ok {
				t.Fatalf("err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
