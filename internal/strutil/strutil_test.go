package strutil

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateUTF8_Empty(t *testing.T) {
	if got := TruncateUTF8("", 10); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestTruncateUTF8_ZeroMax(t *testing.T) {
	if got := TruncateUTF8("hello", 0); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestTruncateUTF8_ASCII(t *testing.T) {
	if got := TruncateUTF8("hello world", 5); got != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}

func TestTruncateUTF8_CJKLabels(t *testing.T) {
	s := "矩形一圆形二" // 6 runes, 18 bytes
	got := TruncateUTF8(s, 7)
	if got != "矩形" {
		t.Fatalf("expected %q, got %q", "矩形", got)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("result is not valid UTF-8: %q", got)
	}
}

func TestTruncateUTF8_Arrow(t *testing.T) {
	s := "1,2→3,4" // the arrow is 3 bytes
	if got := TruncateUTF8(s, 5); got != "1,2" {
		t.Fatalf("expected %q, got %q", "1,2", got)
	}
}

func TestTruncateUTF8_AlwaysValidUTF8(t *testing.T) {
	s := strings.Repeat("区域🎉ab", 200)
	for limit := 1; limit <= len(s); limit += 7 {
		got := TruncateUTF8(s, limit)
		if !utf8.ValidString(got) {
			t.Fatalf("invalid UTF-8 at limit=%d: %q", limit, got)
		}
		if len(got) > limit {
			t.Fatalf("too long at limit=%d: len=%d", limit, len(got))
		}
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("  make it\n\tbright  ", 64); got != "make it bright" {
		t.Fatalf("unexpected preview %q", got)
	}
	if got := Preview("abcdef", 3); got != "abc…" {
		t.Fatalf("unexpected preview %q", got)
	}
	if got := Preview("区域区域", 4); got != "区…" {
		t.Fatalf("unexpected preview %q", got)
	}
}
