package protocol

import (
	"bytes"
	"strings"
	"testing"

	"collabsync/internal/clock"
)

func TestEncodeDecodeUpdate(t *testing.T) {
	frame, err := Encode(TypeDocumentUpdate, DocumentUpdate{
		DocumentID:        "doc",
		Update:            []byte{0x85, 0x6f, 0x4a},
		VectorClock:       clock.VectorClock{"alice": 1},
		ClientOperationID: 7,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(frame), `"type":"document-update"`) {
		t.Errorf("frame missing type: %s", frame)
	}
	if !strings.Contains(string(frame), `"update":"hW9K"`) {
		t.Errorf("update bytes not base64 encoded: %s", frame)
	}

	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var got DocumentUpdate
	if err := env.DecodePayload(&got); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !bytes.Equal(got.Update, []byte{0x85, 0x6f, 0x4a}) || got.ClientOperationID != 7 || got.VectorClock.Get("alice") != 1 {
		t.Errorf("round trip = %+v", got)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `hello`},
		{"missing type", `{"payload":{}}`},
		{"empty object", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.frame)); err == nil {
				t.Errorf("Decode(%s) succeeded", tt.frame)
			}
		})
	}
}

func TestDecodePayloadMissing(t *testing.T) {
	env, err := Decode([]byte(`{"type":"join-document"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var join JoinDocument
	if err := env.DecodePayload(&join); err == nil {
		t.Error("expected missing payload error")
	}
}

func TestErrorCodeTerminal(t *testing.T) {
	terminal := map[ErrorCode]bool{
		CodeAccessDenied: true,
		CodeNotFound:     true,
		CodeNotInRoom:    false,
		CodeMergeFailed:  false,
		CodeReadOnly:     false,
		CodeBadRequest:   false,
		CodeInternal:     false,

		CodeMissingDependencies: false,
	}
	for code, want := range terminal {
		if got := code.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", code, got, want)
		}
	}
}
