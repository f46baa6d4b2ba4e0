package obslog

import (
	"bytes"
	"strings"
	"testing"
)

func TestForIsSilentByDefault(t *testing.T) {
	SetOutput(nil)
	var buf bytes.Buffer
	// Even with a logger captured by value, disabled logging must produce
	// nothing, so redirect stderr's would-be destination isn't observable
	// here; assert instead that For returns a no-op logger that doesn't
	// panic when used.
	log := For("pager")
	log.Info().Msg("should not appear anywhere")
	_ = buf
}

func TestSetOutputEnablesStructuredLogging(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	For("wal").Info().Str("k", "v").Msg("checkpoint complete")
	out := buf.String()
	if !strings.Contains(out, "wal") || !strings.Contains(out, "checkpoint complete") {
		t.Fatalf("log output missing expected fields: %q", out)
	}
}

func TestSetOutputNilDisablesLogging(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetOutput(nil)

	For("catalog").Info().Msg("should not be written")
	if buf.Len() != 0 {
		t.Fatalf("expected no output after disabling, got %q", buf.String())
	}
}
