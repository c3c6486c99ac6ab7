package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

const samplePayload = `{
  "base_image": "http://x/a.png",
  "prompt": "put @hat on him @rect(10,10,100,200) add clouds",
  "reference_assets": [{"id": "hat", "url": "http://x/hat.png"}],
  "global_params": {"output_resolution": "1920x1080"}
}`

func runCompile(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"compile"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCompileText(t *testing.T) {
	out, err := runCompile(t, samplePayload)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for _, want := range []string{
		"Compiled prompt (16:9, 2K)",
		"put Image 2 on him",
		"- Region 1: rectangle @ 10,10;110,10;110,210;10,210 -> add clouds",
		"Regions (1)",
		"1. rectangle 10,10;110,10;110,210;10,210",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("non-terminal output must not be coloured:\n%s", out)
	}
}

func TestCompileJSONFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(path, []byte(samplePayload), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	out, err := runCompile(t, "", "--payload", path, "--format", "json")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var r compileReport
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if r.Size != "16:9" || r.Resolution != "2K" || len(r.Regions) != 1 || r.Regions[0].Instruction != "add clouds" {
		t.Fatalf("unexpected report %+v", r)
	}
	if len(r.Replacements) == 0 {
		t.Fatalf("expected replacement log, got none")
	}
}

func TestCompileYAML(t *testing.T) {
	out, err := runCompile(t, samplePayload, "-f", "yaml")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var r compileReport
	if err := yaml.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if r.Size != "16:9" || len(r.Regions) != 1 || r.Regions[0].Kind != "rectangle" {
		t.Fatalf("unexpected report %+v", r)
	}
}

func TestCompileRejectsInvalidPayload(t *testing.T) {
	if _, err := runCompile(t, `{"prompt":"x"}`); err == nil || !strings.Contains(err.Error(), "invalid payload") {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := runCompile(t, samplePayload, "--format", "xml"); err == nil {
		t.Fatalf("expected unknown format error")
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "warn", "json")
	log.Info("hidden")
	log.Warn("shown", "task_id", "t1")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one json record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "shown" || rec["task_id"] != "t1" {
		t.Fatalf("unexpected record %v", rec)
	}
}
