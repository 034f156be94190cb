package sink

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestEncode_Original(t *testing.T) {
	e := Event{Payload: []byte(`{"msg":"hi"}`)}
	out, err := Encode(FormatOriginal, e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(out, e.Payload) {
		t.Errorf("got %s, want payload verbatim", out)
	}
}

func TestEncode_JSONLines(t *testing.T) {
	e := Event{
		Timestamp:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Seq:        4,
		TemplateID: "login",
		Payload:    []byte(`{"msg":"hi"}`),
	}
	out, err := Encode(FormatJSONLines, e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if bytes.ContainsRune(out, '\n') {
		t.Error("encoded event must be a single line")
	}

	var env map[string]any
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env["template"] != "login" || env["seq"] != float64(4) {
		t.Errorf("envelope = %v", env)
	}
	inner, ok := env["event"].(map[string]any)
	if !ok || inner["msg"] != "hi" {
		t.Errorf("payload = %v", env["event"])
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(""); err != nil || f != FormatJSONLines {
		t.Errorf("empty format: %v, %v", f, err)
	}
	if _, err := ParseFormat("original"); err != nil {
		t.Errorf("original: %v", err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("xml should fail")
	}
}
