package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("multiplexer")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("connected", "channel", "AgentRdp::Automation")

	out := buf.String()
	if strings.Contains(out, `msg="INFO connected`) {
		t.Fatalf("unexpected nested severity prefix in message: %s", out)
	}
	if !strings.Contains(out, "msg=connected") {
		t.Fatalf("expected plain connected message, got: %s", out)
	}
	if !strings.Contains(out, "component=multiplexer") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "channel=AgentRdp::Automation") {
		t.Fatalf("expected channel field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("dispatcher")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestWithRequestAttachesCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "debug", &buf)

	logger := WithRequest(L("dispatcher"), "req-1", "snapshot")
	logger.Info("handled")

	out := buf.String()
	if !strings.Contains(out, "requestId=req-1") {
		t.Fatalf("expected requestId field, got: %s", out)
	}
	if !strings.Contains(out, "command=snapshot") {
		t.Fatalf("expected command field, got: %s", out)
	}
}
