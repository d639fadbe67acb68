package logging

import (
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{
			name:   "JSON stdout",
			config: Config{Level: "info", Format: "json", Output: "stdout"},
		},
		{
			name:   "Console stderr",
			config: Config{Level: "debug", Format: "console", Output: "stderr"},
		},
		{
			name:   "Invalid level falls back to info",
			config: Config{Level: "nope", Format: "json", Output: "stdout"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if err != nil {
				t.Fatalf("NewLogger failed: %v", err)
			}
			if logger == nil {
				t.Fatal("Logger should not be nil")
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	logger, err := NewDefaultLogger()
	if err != nil {
		t.Fatalf("NewDefaultLogger failed: %v", err)
	}

	// Field helpers should return new loggers, not mutate the receiver
	withJob := logger.WithJobID("job-1")
	if withJob == logger {
		t.Error("WithJobID should return a new logger")
	}

	withAccount := logger.WithAccountID("acct-1")
	if withAccount == nil {
		t.Error("WithAccountID returned nil")
	}

	withSession := logger.WithSessionID("sess-1")
	if withSession == nil {
		t.Error("WithSessionID returned nil")
	}
}
