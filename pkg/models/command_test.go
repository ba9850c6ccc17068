package models

import (
	"encoding/json"
	"testing"
)

func TestCommandJSON(t *testing.T) {
	data, err := json.Marshal(Prompt("hello", NewImage("aGk=", "image/png")))
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	want := `{"type":"prompt","message":"hello","images":[{"type":"image","data":"aGk=","mimeType":"image/png"}]}`
	if string(data) != want {
		t.Errorf("Expected %s, got %s", want, data)
	}

	data, _ = json.Marshal(Abort())
	if string(data) != `{"type":"abort"}` {
		t.Errorf("Expected bare abort command, got %s", data)
	}
}

func TestEnvelopeJSON(t *testing.T) {
	data, err := json.Marshal(Envelope{ID: "id-1", Type: CommandGetState, Command: GetState()})
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	want := `{"id":"id-1","type":"get_state","command":{"type":"get_state"}}`
	if string(data) != want {
		t.Errorf("Expected %s, got %s", want, data)
	}
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"type":"steer","message":"stop that"}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cmd.Type != CommandSteer || cmd.Message != "stop that" {
		t.Errorf("Unexpected command: %+v", cmd)
	}

	if _, err := ParseCommand([]byte(`{"type":"format_disk"}`)); err == nil {
		t.Error("Expected error for unknown command type")
	}
	if _, err := ParseCommand([]byte(`not json`)); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}
