package errors

import (
	stderrors "errors"
	"encoding/json"
	"strings"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	err := ErrStepFailed("build", "npm run build", 2)
	msg := err.Error()

	if !strings.Contains(msg, "exit code 2") {
		t.Errorf("expected exit code in message, got: %s", msg)
	}
	if !strings.Contains(msg, "npm run build") {
		t.Errorf("expected command in message, got: %s", msg)
	}
}

func TestErrorWithCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := ErrRollbackFailed("deploy-production", "myapp", "production", cause)

	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("expected cause in message, got: %s", err.Error())
	}
	if stderrors.Unwrap(err) != cause {
		t.Error("Unwrap should return the cause")
	}
}

func TestIs(t *testing.T) {
	err := ErrDeployFailed("deploy-production", "myapp", "production")

	if !stderrors.Is(err, &PipeError{Code: CodeDeployFailed}) {
		t.Error("Is should match on code")
	}
	if stderrors.Is(err, &PipeError{Code: CodeRollbackFailed}) {
		t.Error("Is should not match a different code")
	}
}

func TestWithStageFirstTagWins(t *testing.T) {
	err := ErrGateRejected("quality-gate", "unsuccessful")

	// Re-raising through an ancestor must not overwrite the failing stage.
	tagged := err.WithStage("verify")
	if tagged.Stage != "quality-gate" {
		t.Errorf("expected stage quality-gate, got %s", tagged.Stage)
	}

	bare := ErrRunAborted("deadline exceeded")
	tagged = bare.WithStage("deploy-canary")
	if tagged.Stage != "deploy-canary" {
		t.Errorf("expected stage deploy-canary, got %s", tagged.Stage)
	}
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		err  *PipeError
		want Severity
	}{
		{ErrStepTolerated("scan", "audit", 1), SeverityTolerated},
		{ErrStepFailed("build", "make", 1), SeverityStage},
		{ErrGateRejected("quality-gate", "unsuccessful"), SeverityRun},
		{ErrRollbackFailed("deploy", "app", "prod", nil), SeverityFatal},
	}

	for _, tt := range tests {
		if got := tt.err.Severity(); got != tt.want {
			t.Errorf("%s: severity %d, want %d", tt.err.Code, got, tt.want)
		}
	}
}

func TestAsPipeError(t *testing.T) {
	inner := ErrApprovalTimeout("promote", "30m")
	wrapped := Wrap(inner, "run failed")

	perr := AsPipeError(wrapped)
	if perr == nil {
		t.Fatal("AsPipeError returned nil for wrapped PipeError")
	}
	// Outermost error wins.
	if perr.Code != Code("UNKNOWN") {
		t.Errorf("expected outer code, got %s", perr.Code)
	}

	if AsPipeError(stderrors.New("plain")) != nil {
		t.Error("AsPipeError should return nil for non-PipeError")
	}
}

func TestMarshalJSON(t *testing.T) {
	err := ErrDeployFailed("deploy-production", "myapp", "production").
		WithCause(stderrors.New("progress deadline exceeded"))

	data, merr := json.Marshal(err)
	if merr != nil {
		t.Fatalf("marshal: %v", merr)
	}

	var got map[string]any
	if uerr := json.Unmarshal(data, &got); uerr != nil {
		t.Fatalf("unmarshal: %v", uerr)
	}
	if got["code"] != string(CodeDeployFailed) {
		t.Errorf("expected code %s, got %v", CodeDeployFailed, got["code"])
	}
	if got["cause"] != "progress deadline exceeded" {
		t.Errorf("expected cause in JSON, got %v", got["cause"])
	}
}
