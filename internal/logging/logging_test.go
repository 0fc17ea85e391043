package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevel(t *testing.T) {
	logger := NewLogger(Config{Level: "warn"})
	if logger.GetLevel() != zerolog.WarnLevel {
		t.Fatalf("日志级别应为 warn, 实际 %s", logger.GetLevel())
	}
	logger = NewLogger(Config{Level: "nonsense"})
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("非法级别应回退 info, 实际 %s", logger.GetLevel())
	}
}

func TestNewLoggerFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "navfund.log")
	logger := NewLogger(Config{Level: "info", File: File{Path: path, MaxSizeMB: 1}})
	logger.Info().Str("component", "test").Msg("hello file")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取日志文件失败: %v", err)
	}
	if !strings.Contains(string(raw), `"msg":"hello file"`) && !strings.Contains(string(raw), `"message":"hello file"`) {
		t.Fatalf("日志文件应包含 JSON 消息: %s", raw)
	}
}
