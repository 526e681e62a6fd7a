package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chainwatch.log")
	logger := NewLogger(Config{Level: "debug", File: path, MaxSizeMB: 1})

	if logger.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("日志级别错误: %s", logger.GetLevel())
	}

	logger.Info().Str("component", "test").Msg("hello file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取日志文件失败: %v", err)
	}
	if !strings.Contains(string(data), `"message":"hello file"`) {
		t.Fatalf("日志文件内容不符合预期: %s", data)
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger := NewLogger(Config{Level: "verbose"})
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("无效级别应回退到 info, got %s", logger.GetLevel())
	}
}
