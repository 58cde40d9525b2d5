package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriterLevels(t *testing.T) {
	tests := []struct {
		level     string
		debugSeen bool
		infoSeen  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"bogus", false, true},
		{"", false, true},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		log := NewWithWriter(&buf, tt.level, false)

		log.Debug().Msg("d")
		if got := buf.Len() > 0; got != tt.debugSeen {
			t.Errorf("level %q: debug written = %v, want %v", tt.level, got, tt.debugSeen)
		}

		buf.Reset()
		log.Info().Msg("i")
		if got := buf.Len() > 0; got != tt.infoSeen {
			t.Errorf("level %q: info written = %v, want %v", tt.level, got, tt.infoSeen)
		}
	}
}

func TestNewWithWriterJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", false)
	logger.Info().Str("document_id", "d1").Msg("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if line["service"] != "collabsync" || line["document_id"] != "d1" || line["message"] != "hello" {
		t.Errorf("unexpected fields: %v", line)
	}
}
