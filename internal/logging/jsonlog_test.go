package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
)

func TestInfoWritesJSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	Configure("info")

	Info("collect_done", map[string]any{"platform": "twitter", "posts": 3})
	Debug("hidden", nil)

	var e map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &e); err != nil {
		t.Fatalf("expected single json line, got %q: %v", buf.String(), err)
	}
	if e["msg"] != "collect_done" || e["platform"] != "twitter" {
		t.Fatalf("unexpected entry: %v", e)
	}
	if e["level"] != "info" {
		t.Fatalf("unexpected level: %v", e["level"])
	}
}
