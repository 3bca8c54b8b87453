// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected zerolog.Level
	}{
		{"debug", "debug", zerolog.DebugLevel},
		{"info", "info", zerolog.InfoLevel},
		{"warn", "warn", zerolog.WarnLevel},
		{"warning", "warning", zerolog.WarnLevel},
		{"error", "error", zerolog.ErrorLevel},
		{"fatal", "fatal", zerolog.FatalLevel},
		{"panic", "panic", zerolog.PanicLevel},
		{"invalid defaults to info", "invalid", zerolog.InfoLevel},
		{"empty defaults to info", "", zerolog.InfoLevel},
		{"uppercase", "DEBUG", zerolog.DebugLevel},
		{"mixed case", "WaRn", zerolog.WarnLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, _ := parseLogLevel(tt.level)
			if level != tt.expected {
				t.Errorf("parseLogLevel(%s) = %v, want %v", tt.level, level, tt.expected)
			}
		})
	}
}

func TestLogFunctions(t *testing.T) {
	var buf bytes.Buffer
	Initialize("debug", FormatConsole)
	SetOutput(&buf)

	tests := []struct {
		name    string
		logFunc func() *zerolog.Event
		message string
	}{
		{"debug", Debug, "debug message"},
		{"info", Info, "info message"},
		{"warn", Warn, "warn message"},
		{"error", Error, "error message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFunc().Msg(tt.message)

			if !strings.Contains(buf.String(), tt.message) {
				t.Errorf("%s() output should contain message %q, got %q", tt.name, tt.message, buf.String())
			}
		})
	}
}

func TestLogLevelFiltering(t *testing.T) {
	tests := []struct {
		name        string
		configLevel string
		logLevel    string
		shouldLog   bool
	}{
		{"info logs at info level", "info", "info", true},
		{"debug filtered at info level", "info", "debug", false},
		{"error logs at info level", "info", "error", true},
		{"warn logs at info level", "info", "warn", true},
		{"debug logs at debug level", "debug", "debug", true},
		{"info filtered at error level", "error", "info", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			Initialize(tt.configLevel, FormatConsole)
			SetOutput(&buf)

			message := "test message for filtering"
			switch tt.logLevel {
			case "debug":
				Debug().Msg(message)
			case "info":
				Info().Msg(message)
			case "warn":
				Warn().Msg(message)
			case "error":
				Error().Msg(message)
			}

			hasMessage := strings.Contains(buf.String(), message)
			if tt.shouldLog != hasMessage {
				t.Errorf("logged = %v at %s level with config %s, want %v", hasMessage, tt.logLevel, tt.configLevel, tt.shouldLog)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	Initialize("info", FormatConsole)
	SetOutput(&buf)

	Debug().Msg("hidden")
	SetLevel("debug")
	Debug().Msg("visible")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Error("debug message logged before SetLevel(debug)")
	}
	if !strings.Contains(output, "visible") {
		t.Error("debug message missing after SetLevel(debug)")
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	Initialize("info", FormatJSON)
	SetOutput(&buf)

	log := Component("dispatch")
	log.Info().Str("device_id", "SW01").Msg("published")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["component"] != "dispatch" {
		t.Errorf("component = %v, want dispatch", entry["component"])
	}
	if entry["device_id"] != "SW01" {
		t.Errorf("device_id = %v, want SW01", entry["device_id"])
	}
}

func TestWith(t *testing.T) {
	Initialize("info", FormatConsole)

	var buf bytes.Buffer
	logger := With().Str("test_field", "test_value").Logger().Output(&buf)
	logger.Info().Msg("test message")

	if !strings.Contains(buf.String(), "test_value") {
		t.Error("Context-created logger should carry added fields")
	}
}

func TestGet(t *testing.T) {
	Initialize("info", FormatConsole)
	if Get() == nil {
		t.Error("Get() returned nil logger")
	}
}
