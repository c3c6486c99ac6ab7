package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line is not json: %v: %s", err, sc.Text())
		}
		out = append(out, m)
	}
	return out
}

func TestJSONLSink_AppendsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "requests.jsonl")
	s, err := NewJSONLSink(path, 0)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	for _, kind := range []string{KindRequest, KindAIRequest} {
		if err := s.Emit(context.Background(), Record{TaskID: "t1", Kind: kind, Data: map[string]any{"n": 1}}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0]["taskId"] != "t1" || lines[0]["kind"] != KindRequest || lines[0]["ts"] == "" {
		t.Fatalf("unexpected first record %+v", lines[0])
	}
	if err := s.Emit(context.Background(), Record{Kind: KindRequest}); err == nil {
		t.Fatalf("expected emit after close to fail")
	}
}

func TestJSONLSink_Rotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "requests.jsonl")
	s, err := NewJSONLSink(path, 64)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	defer s.Close()
	for i := 0; i < 3; i++ {
		if err := s.Emit(context.Background(), Record{Kind: KindAIPoll, Data: strings.Repeat("x", 40)}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected rotated files, got %d entries", len(entries))
	}
}

func TestRedactor(t *testing.T) {
	r := NewRedactor()
	payload := "data:image/png;base64," + strings.Repeat("QUJD", 40)
	got := r.RedactString(`{"auth":"Bearer sk-abcdefghijklmnop","image":"` + payload + `"}`)
	if strings.Contains(got, "sk-abcdefghijklmnop") {
		t.Fatalf("token leaked: %s", got)
	}
	if strings.Contains(got, "QUJDQUJD") || !strings.Contains(got, "data:image/png;base64,[") {
		t.Fatalf("data uri not shortened: %s", got)
	}
	if short := "data:image/png;base64,QUJD"; r.RedactString(short) != short {
		t.Fatalf("short data uri should pass through")
	}
}
