package logger

import (
	"log/slog"
	"testing"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg := parseConfig("", "")

	if cfg.defaultLevel != slog.LevelInfo {
		t.Fatalf("defaultLevel = %v, want info", cfg.defaultLevel)
	}
	if cfg.jsonFormat {
		t.Fatal("jsonFormat should default to false")
	}
	if cfg.levelFor("relay.server") != slog.LevelInfo {
		t.Fatal("unknown subsystem should use default level")
	}
}

func TestParseConfig_SubsystemLevels(t *testing.T) {
	cfg := parseConfig("relay.server=debug, wire.stream=warn ,error", "")

	if cfg.levelFor("relay.server") != slog.LevelDebug {
		t.Fatalf("relay.server = %v, want debug", cfg.levelFor("relay.server"))
	}
	if cfg.levelFor("wire.stream") != slog.LevelWarn {
		t.Fatalf("wire.stream = %v, want warn", cfg.levelFor("wire.stream"))
	}
	// 不带子系统名的条目设置默认级别
	if cfg.levelFor("relay.client") != slog.LevelError {
		t.Fatalf("default = %v, want error", cfg.levelFor("relay.client"))
	}
}

func TestParseConfig_IgnoresGarbage(t *testing.T) {
	cfg := parseConfig("relay.server=verbose,,=debug,bogus", "")

	if cfg.levelFor("relay.server") != slog.LevelInfo {
		t.Fatal("unknown level name should be ignored")
	}
	if cfg.defaultLevel != slog.LevelInfo {
		t.Fatal("garbage entries should not change default level")
	}
}

func TestParseConfig_Format(t *testing.T) {
	if !parseConfig("", "json").jsonFormat {
		t.Fatal("json format not recognized")
	}
	if !parseConfig("", "JSON").jsonFormat {
		t.Fatal("format match should be case-insensitive")
	}
	if parseConfig("", "text").jsonFormat {
		t.Fatal("text format should not enable JSON")
	}
}

func TestParseLevel_Aliases(t *testing.T) {
	level, ok := parseLevel("WARNING")
	if !ok || level != slog.LevelWarn {
		t.Fatalf("parseLevel(WARNING) = %v, %v", level, ok)
	}
	if _, ok := parseLevel("trace"); ok {
		t.Fatal("unknown level should not parse")
	}
}
