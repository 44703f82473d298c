package transport

import (
	"strings"
	"testing"
)

func TestSplitMessageSingleUnit(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"short", "hello"},
		{"exactly at limit", strings.Repeat("a", 160)},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parts := SplitMessage(tc.body)
			if len(parts) != 1 {
				t.Fatalf("got %d parts, want 1", len(parts))
			}
			if parts[0] != tc.body {
				t.Errorf("part differs from body")
			}
		})
	}
}

func TestSplitMessageMultipart(t *testing.T) {
	body := strings.Repeat("a", 161)
	parts := SplitMessage(body)
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	if len(parts[0]) != 153 || len(parts[1]) != 8 {
		t.Errorf("part lengths = %d, %d; want 153, 8", len(parts[0]), len(parts[1]))
	}
	if strings.Join(parts, "") != body {
		t.Error("parts do not reassemble the body")
	}
}

func TestSplitMessageExactSegmentMultiple(t *testing.T) {
	body := strings.Repeat("b", 153*3)
	parts := SplitMessage(body)
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(parts))
	}
	for i, p := range parts {
		if len(p) != 153 {
			t.Errorf("part %d length = %d, want 153", i, len(p))
		}
	}
}

func TestSplitMessageCountsRunesNotBytes(t *testing.T) {
	// 160 multi-byte runes fit in a single unit even though the byte length
	// exceeds the limit.
	body := strings.Repeat("é", 160)
	parts := SplitMessage(body)
	if len(parts) != 1 {
		t.Fatalf("got %d parts, want 1", len(parts))
	}

	long := strings.Repeat("é", 200)
	parts = SplitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	if strings.Join(parts, "") != long {
		t.Error("parts do not reassemble the body")
	}
}
