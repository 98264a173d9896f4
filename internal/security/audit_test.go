package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"parley/internal/domain"
)

func readEvents(t *testing.T, path string) []domain.AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var out []domain.AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e domain.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("Unmarshal %q: %v", scanner.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestFileAuditLogger_WriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewFileAuditLogger(path, RetentionPolicy{})
	if err != nil {
		t.Fatalf("NewFileAuditLogger: %v", err)
	}

	event := domain.AuditEvent{
		Type:     domain.AuditToolExec,
		Actor:    "a1",
		Resource: "buy",
		Outcome:  "success",
		Detail:   map[string]string{"args": "quantity"},
	}
	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events := readEvents(t, path)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	got := events[0]
	if got.Type != domain.AuditToolExec || got.Actor != "a1" || got.Resource != "buy" {
		t.Errorf("event = %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp not filled in")
	}
	if got.Detail["args"] != "quantity" {
		t.Errorf("Detail[args] = %q", got.Detail["args"])
	}
}

func TestFileAuditLogger_FilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewFileAuditLogger(path, RetentionPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}
}

func TestFileAuditLogger_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewFileAuditLogger(path, RetentionPolicy{})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = logger.Log(context.Background(), domain.AuditEvent{
				Type:     domain.AuditToolExec,
				Resource: fmt.Sprintf("tool-%d", i),
			})
		}(i)
	}
	wg.Wait()
	logger.Close()

	if n := len(readEvents(t, path)); n != 50 {
		t.Errorf("got %d events, want 50", n)
	}
}

func TestFileAuditLogger_SpanEvent(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger, err := NewFileAuditLogger(filepath.Join(t.TempDir(), "audit.jsonl"), RetentionPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	if err := logger.Log(ctx, domain.AuditEvent{Type: domain.AuditToolExec, Detail: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("Log with active span: %v", err)
	}
}

func TestEnforceRetention_MaxAge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewFileAuditLogger(path, RetentionPolicy{MaxAge: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)
	for _, e := range []domain.AuditEvent{
		{Timestamp: old, Type: domain.AuditToolExec, Resource: "old-1"},
		{Timestamp: old, Type: domain.AuditToolExec, Resource: "old-2"},
		{Type: domain.AuditToolExec, Resource: "fresh"},
	} {
		if err := logger.Log(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := logger.EnforceRetention(ctx)
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	// Still writable after the rewrite.
	if err := logger.Log(ctx, domain.AuditEvent{Type: domain.AuditToolExec, Resource: "after"}); err != nil {
		t.Fatalf("Log after retention: %v", err)
	}
	logger.Close()

	events := readEvents(t, path)
	if len(events) != 2 || events[0].Resource != "fresh" || events[1].Resource != "after" {
		t.Errorf("events = %+v", events)
	}
}

func TestEnforceRetention_MaxSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewFileAuditLogger(path, RetentionPolicy{MaxSize: 400})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if err := logger.Log(ctx, domain.AuditEvent{Type: domain.AuditToolExec, Resource: fmt.Sprintf("tool-%02d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := logger.EnforceRetention(ctx)
	if err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if removed == 0 {
		t.Fatal("expected entries to be trimmed")
	}
	logger.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() > 400 {
		t.Errorf("size = %d, want <= 400", info.Size())
	}
	events := readEvents(t, path)
	if events[len(events)-1].Resource != "tool-19" {
		t.Errorf("newest entry dropped: %+v", events[len(events)-1])
	}
}

func TestEnforceRetention_NoPolicy(t *testing.T) {
	logger, err := NewFileAuditLogger(filepath.Join(t.TempDir(), "audit.jsonl"), RetentionPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()
	removed, err := logger.EnforceRetention(context.Background())
	if err != nil || removed != 0 {
		t.Errorf("EnforceRetention = %d, %v", removed, err)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"2048", 2048, false},
		{"512KB", 512 << 10, false},
		{"100mb", 100 << 20, false},
		{"1GB", 1 << 30, false},
		{"10B", 10, false},
		{"lots", 0, true},
		{"-5MB", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSize(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
