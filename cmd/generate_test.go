package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/config"
	"github.com/ashfaqmehmood/ref-tools-keygen/internal/service"
)

// -- Stub Implementations --

// stubFactory satisfies service.ComponentFactory without building any real
// component, and records the config the command handed it.
type stubFactory struct {
	created *config.Config
	err     error
}

func (f *stubFactory) Create(_ context.Context, cfg *config.Config, _ *zap.Logger) (*service.Components, error) {
	f.created = cfg
	if f.err != nil {
		return nil, f.err
	}
	return &service.Components{}, nil
}

// stubRun installs a canned workflow outcome and a factory stub.
func stubRun(t *testing.T, result schemas.Result, err error) *stubFactory {
	t.Helper()

	factory := &stubFactory{}
	componentFactory = factory
	runWorkflow = func(context.Context, *service.Components) (schemas.Result, error) {
		return result, err
	}
	return factory
}

func successResult() schemas.Result {
	return schemas.Result{
		Email:    "abc123@example.test",
		Password: "S3cureP@ss",
		APIKey:   "ref-deadbeef",
		Stage:    schemas.StageDone,
	}
}

// -- Test Suite --

func TestGenerateCmd_PrintsResult(t *testing.T) {
	resetForTest(t)
	stubRun(t, successResult(), nil)

	out, err := executeCommand(t, "generate")
	require.NoError(t, err)
	assert.Contains(t, out, "Account confirmed.")
	assert.Contains(t, out, "abc123@example.test")
	assert.Contains(t, out, "ref-deadbeef")
}

func TestGenerateCmd_JSONResult(t *testing.T) {
	resetForTest(t)
	stubRun(t, successResult(), nil)

	out, err := executeCommand(t, "generate", "--json")
	require.NoError(t, err)

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "ref-deadbeef", report["api_key"])
	assert.Equal(t, "DONE", report["stage"])
	assert.NotContains(t, report, "failure")
}

func TestGenerateCmd_WritesOutputFile(t *testing.T) {
	resetForTest(t)
	stubRun(t, successResult(), nil)

	outputPath := filepath.Join(t.TempDir(), "result.json")
	_, err := executeCommand(t, "generate", "--output", outputPath)
	require.NoError(t, err)

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)

	var report map[string]any
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, "ref-deadbeef", report["api_key"])
}

func TestGenerateCmd_FailureReportsStageAndKind(t *testing.T) {
	resetForTest(t)

	failure := schemas.NewFailure(
		schemas.StageAwaitingVerification,
		schemas.KindVerificationTimeout,
		"verification message never arrived",
		errors.New("poll budget exhausted"),
	)
	stubRun(t, schemas.Result{
		Email:    "abc123@example.test",
		Password: "S3cureP@ss",
		Stage:    schemas.StageFailed,
	}, failure)

	out, err := executeCommand(t, "generate")
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.Err)

	assert.Contains(t, out, "Run failed at stage AWAITING_VERIFICATION")
	assert.Contains(t, out, "VERIFICATION_TIMEOUT")
	assert.Contains(t, out, "looks transient")
	// The abandoned identity is still reported for manual cleanup.
	assert.Contains(t, out, "abc123@example.test")
}

func TestGenerateCmd_FailureInJSON(t *testing.T) {
	resetForTest(t)

	failure := schemas.NewFailure(
		schemas.StageConfirmed,
		schemas.KindKeyNotFound,
		"no API key on the confirmed account",
		nil,
	)
	stubRun(t, schemas.Result{Stage: schemas.StageFailed}, failure)

	out, err := executeCommand(t, "generate", "--json")
	require.Error(t, err)

	var report struct {
		Stage   string `json:"stage"`
		Failure struct {
			Stage     string `json:"stage"`
			Kind      string `json:"kind"`
			Transient bool   `json:"transient"`
		} `json:"failure"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "FAILED", report.Stage)
	assert.Equal(t, "CONFIRMED", report.Failure.Stage)
	assert.Equal(t, "KEY_NOT_FOUND", report.Failure.Kind)
	assert.False(t, report.Failure.Transient)
}

func TestGenerateCmd_FlagOverridesReachComponents(t *testing.T) {
	resetForTest(t)
	factory := stubRun(t, successResult(), nil)

	_, err := executeCommand(t, "generate",
		"--use-proxy",
		"--signup-url", "https://staging.ref.tools/signup",
		"--poll-interval", "123ms",
		"--max-poll-attempts", "9",
		"--timeout", "90s",
	)
	require.NoError(t, err)

	require.NotNil(t, factory.created)
	assert.True(t, factory.created.Workflow.UseProxy)
	assert.Equal(t, "https://staging.ref.tools/signup", factory.created.Target.SignupURL)
	assert.Equal(t, 123*time.Millisecond, factory.created.Workflow.PollInterval)
	assert.Equal(t, 9, factory.created.Workflow.MaxPollAttempts)
	assert.Equal(t, 90*time.Second, factory.created.Workflow.OverallTimeout)
}

func TestGenerateCmd_ConfigFileOverrides(t *testing.T) {
	resetForTest(t)
	factory := stubRun(t, successResult(), nil)

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(
		"workflow:\n  poll_interval: 250ms\n  use_proxy: true\n",
	), 0o644))

	_, err := executeCommand(t, "generate", "--config", cfgPath)
	require.NoError(t, err)

	require.NotNil(t, factory.created)
	assert.Equal(t, 250*time.Millisecond, factory.created.Workflow.PollInterval)
	assert.True(t, factory.created.Workflow.UseProxy)
}

func TestGenerateCmd_EnvironmentOverrides(t *testing.T) {
	resetForTest(t)
	factory := stubRun(t, successResult(), nil)

	t.Setenv("REFKEYGEN_WORKFLOW_MAX_POLL_ATTEMPTS", "17")

	_, err := executeCommand(t, "generate")
	require.NoError(t, err)

	require.NotNil(t, factory.created)
	assert.Equal(t, 17, factory.created.Workflow.MaxPollAttempts)
}

func TestGenerateCmd_FactoryFailure(t *testing.T) {
	resetForTest(t)

	componentFactory = &stubFactory{err: errors.New("chrome not found")}

	_, err := executeCommand(t, "generate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize workflow components")
}

func TestGenerateCmd_RejectsPositionalArgs(t *testing.T) {
	resetForTest(t)
	stubRun(t, successResult(), nil)

	_, err := executeCommand(t, "generate", "extra")
	require.Error(t, err)
}
