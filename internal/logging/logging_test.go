package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "pipeline").Msg("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("warn 级别应过滤 info 日志, 实际 %d 行", len(lines))
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("应输出 JSON: %v", err)
	}
	if entry["component"] != "pipeline" || entry["message"] != "visible" || entry["time"] == nil {
		t.Fatalf("字段不完整: %v", entry)
	}
}

func TestConsoleFormatAndDefaultLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "console"}, &buf)

	logger.Debug().Msg("debug line")
	logger.Info().Msg("info line")

	out := buf.String()
	if strings.Contains(out, "debug line") {
		t.Fatal("默认级别应为 info")
	}
	if !strings.Contains(out, "info line") || strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("console 格式应输出可读文本: %q", out)
	}
}
