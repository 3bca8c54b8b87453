// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSchemaFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}
	return path
}

func TestValidateWithSchema_ValidYAML(t *testing.T) {
	path := writeSchemaFixture(t, "config.yaml", `database:
  path: /var/lib/switchmeter/switches.db
  busy_timeout: 5s
  wal: true
mqtt:
  broker_url: mqtts://broker.example.com:8883
  username: meter
  password: secret
  namespace: switch
  verb: control
  qos: 1
  publish_timeout: 5s
  connect_timeout: 10s
  reconnect_interval: 5s
  discovery:
    enabled: false
    service: _mqtt._tcp
    domain: local.
    timeout: 3s
transition:
  max_retries: 3
propagation:
  workers: 4
  queue_size: 256
  timeout: 1500ms
mirror:
  default_state: "OFF"
http:
  listen_addr: localhost:8080
logging:
  level: info
  format: console
notifications:
  slack_webhook_url: https://hooks.slack.com/services/TEST/WEBHOOK/URL
`)

	if err := ValidateWithSchema(path); err != nil {
		t.Errorf("ValidateWithSchema() with valid config failed: %v", err)
	}
}

func TestValidateWithSchema_ValidJSON(t *testing.T) {
	path := writeSchemaFixture(t, "config.json", `{
  "mqtt": {"broker_url": "tcp://localhost:1883", "qos": 2},
  "logging": {"level": "debug", "format": "json"}
}`)

	if err := ValidateWithSchema(path); err != nil {
		t.Errorf("ValidateWithSchema() with valid JSON failed: %v", err)
	}
}

func TestValidateWithSchema_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing mqtt section", "logging:\n  level: info\n"},
		{"empty file", ""},
		{"unknown top-level key", "mqtt:\n  broker_url: tcp://localhost:1883\nmetrics:\n  port: 9090\n"},
		{"bad broker scheme", "mqtt:\n  broker_url: http://localhost:1883\n"},
		{"qos zero", "mqtt:\n  qos: 0\n"},
		{"bad duration", "mqtt:\n  publish_timeout: soon\n"},
		{"numeric duration", "mqtt:\n  publish_timeout: 5\n"},
		{"wildcard verb", "mqtt:\n  verb: \"+\"\n"},
		{"retries above bound", "mqtt: {}\ntransition:\n  max_retries: 11\n"},
		{"zero workers", "mqtt: {}\npropagation:\n  workers: 0\n"},
		{"mirror default", "mqtt: {}\nmirror:\n  default_state: DIM\n"},
		{"log level", "mqtt: {}\nlogging:\n  level: loud\n"},
		{"log format", "mqtt: {}\nlogging:\n  format: xml\n"},
		{"webhook host", "mqtt: {}\nnotifications:\n  slack_webhook_url: https://example.com/hook\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSchemaFixture(t, "config.yaml", tt.content)
			if err := ValidateWithSchema(path); err == nil {
				t.Errorf("ValidateWithSchema() = nil, want error for %s", tt.name)
			}
		})
	}
}

func TestValidateWithSchema_ErrorListsFields(t *testing.T) {
	path := writeSchemaFixture(t, "config.yaml", "mqtt:\n  qos: 3\nlogging:\n  level: loud\n")

	err := ValidateWithSchema(path)
	if err == nil {
		t.Fatal("ValidateWithSchema() = nil, want error")
	}
	msg := err.Error()
	for _, field := range []string{"mqtt.qos", "logging.level"} {
		if !strings.Contains(msg, field) {
			t.Errorf("error %q does not mention %s", msg, field)
		}
	}
}

func TestValidateWithSchema_FileNotFound(t *testing.T) {
	err := ValidateWithSchema("nonexistent-file.json")
	if err == nil {
		t.Error("ValidateWithSchema() should fail with nonexistent file")
	}
}

func TestValidateWithSchema_InvalidJSON(t *testing.T) {
	path := writeSchemaFixture(t, "config.json", `{
  "mqtt": {
    "broker_url": "tcp://localhost:1883"
`)

	if err := ValidateWithSchema(path); err == nil {
		t.Error("ValidateWithSchema() should fail with invalid JSON")
	}
}

func TestGetSchemaJSON(t *testing.T) {
	var schema map[string]interface{}
	if err := json.Unmarshal([]byte(GetSchemaJSON()), &schema); err != nil {
		t.Fatalf("embedded schema is not valid JSON: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("schema type = %v, want object", schema["type"])
	}
}
