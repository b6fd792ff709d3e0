// Package agent launches the agent subprocess for one stage (spec
// §4.4, §6.2), grounded on
// _examples/other_examples/re-cinq-detergent's PTY-backed invokeAgent
// (so the child line-buffers its NDJSON output) and on
// _examples/other_examples/dyluth-holt's cub-executor.go dual-timeout,
// exit-code-discriminating subprocess contract. The teacher's own
// cursor/client.go is an HTTP client for the same conceptual operation;
// this runner keeps none of its transport: it holds only the agent
// binary path, has no retry, options or logger layer, and always
// launches a local subprocess.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/pkg/errors"

	"github.com/golithk/kiln/internal/kerr"
	"github.com/golithk/kiln/internal/model"
)

// Result is what Run returns on success.
type Result struct {
	ResponseText string
	Metrics      model.UsageMetrics
	SessionID    string
}

// Request names one stage invocation.
type Request struct {
	Prompt           string
	Cwd              string
	Model            string
	ResumeSession    string
	PluginConfigPath string
	// TotalTimeout and InactivityTimeout are the two clocks described
	// in spec §4.4; whichever fires first kills the subprocess.
	TotalTimeout      time.Duration
	InactivityTimeout time.Duration
	TelemetryEnabled  bool
}

// Runner launches the configured agent binary for each stage.
type Runner struct {
	// BinaryPath is the agent executable Kiln shells out to.
	BinaryPath string
}

// NewRunner builds a Runner for the given agent binary.
func NewRunner(binaryPath string) *Runner {
	return &Runner{BinaryPath: binaryPath}
}

type event struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Message   string          `json:"message,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Result    string          `json:"result,omitempty"`
	Usage     json.RawMessage `json:"usage,omitempty"`
}

type usagePayload struct {
	DurationMS int64            `json:"duration_ms"`
	CostUSD    float64          `json:"cost_usd"`
	Turns      int              `json:"turns"`
	Tokens     map[string]int64 `json:"tokens"`
}

// Run spawns the subprocess, streams its NDJSON stdout, and returns the
// accumulated response once the process exits. A process that exits
// without having emitted a `result` event is an agent failure.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	args := []string{"run", "--cwd", req.Cwd}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeSession != "" {
		args = append(args, "--resume", req.ResumeSession)
	}
	if req.PluginConfigPath != "" {
		args = append(args, "--mcp-config", req.PluginConfigPath)
	}

	cmd := exec.CommandContext(ctx, r.BinaryPath, args...)
	cmd.Dir = req.Cwd
	telemetry := "0"
	if req.TelemetryEnabled {
		telemetry = "1"
	}
	cmd.Env = append(cmd.Environ(), "KILN_TELEMETRY="+telemetry)

	// Stdin stays a plain reader so the agent gets a proper EOF once the
	// prompt is consumed; only stdout/stderr go to the PTY slave, so the
	// child still line-buffers its NDJSON output.
	ptmx, pts, err := pty.Open()
	if err != nil {
		return Result{}, errors.Wrap(kerr.InternalError, err.Error())
	}
	defer ptmx.Close()

	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Stdout = pts
	cmd.Stderr = pts

	if err := cmd.Start(); err != nil {
		pts.Close()
		return Result{}, errors.Wrap(kerr.InternalError, err.Error())
	}
	pts.Close()

	var (
		mu           sync.Mutex
		textBuilder  strings.Builder
		rawOutput    strings.Builder
		finalResult  string
		finalSession string
		finalUsage   usagePayload
		gotResult    bool
		runnerErr    error
	)

	lines := make(chan string)
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(ptmx)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	totalTimer := time.NewTimer(orDefault(req.TotalTimeout, 30*time.Minute))
	defer totalTimer.Stop()
	inactivityTimer := time.NewTimer(orDefault(req.InactivityTimeout, 5*time.Minute))
	defer inactivityTimer.Stop()

	var timeoutErr error
loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if !inactivityTimer.Stop() {
				select {
				case <-inactivityTimer.C:
				default:
				}
			}
			inactivityTimer.Reset(orDefault(req.InactivityTimeout, 5*time.Minute))

			var ev event
			if jsonErr := json.Unmarshal([]byte(line), &ev); jsonErr != nil {
				// Non-JSON stdout is kept only to surface bootstrap
				// errors alongside stderr on failure (spec §4.4).
				rawOutput.WriteString(line)
				rawOutput.WriteByte('\n')
				continue
			}
			mu.Lock()
			switch ev.Type {
			case "assistant":
				textBuilder.WriteString(ev.Text)
			case "result":
				finalResult = ev.Result
				finalSession = ev.SessionID
				gotResult = true
				if len(ev.Usage) > 0 {
					_ = json.Unmarshal(ev.Usage, &finalUsage)
				}
			case "error":
				runnerErr = errors.Wrap(kerr.AgentFailure, ev.Message)
			case "system":
				// ignored, per spec §4.4
			}
			mu.Unlock()

		case <-scanDone:
			break loop

		case <-totalTimer.C:
			timeoutErr = kerr.AgentTimeoutTotal
			break loop

		case <-inactivityTimer.C:
			timeoutErr = kerr.AgentTimeoutInactivity
			break loop

		case <-ctx.Done():
			timeoutErr = ctx.Err()
			break loop
		}
	}

	if timeoutErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return Result{}, errors.Wrap(timeoutErr, "agent: timed out")
	}

	waitErr := cmd.Wait()
	<-scanDone

	if runnerErr != nil {
		return Result{}, runnerErr
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			_ = exitErr
			return Result{}, errors.Wrapf(kerr.AgentFailure, "agent exited non-zero: %s", rawOutput.String())
		}
		return Result{}, errors.Wrap(kerr.InternalError, waitErr.Error())
	}

	if !gotResult {
		return Result{}, errors.Wrap(kerr.AgentFailure, "agent: process exited without a result event")
	}

	responseText := textBuilder.String() + finalResult

	return Result{
		ResponseText: responseText,
		SessionID:    finalSession,
		Metrics: model.UsageMetrics{
			DurationMS: finalUsage.DurationMS,
			CostUSD:    finalUsage.CostUSD,
			Turns:      finalUsage.Turns,
			Tokens:     finalUsage.Tokens,
		},
	}, nil
}

// ValidateSessionExists implements the stale-session check named in
// spec §9: a cheap subcommand whose exit code signals whether the
// handle is still resumable.
func (r *Runner) ValidateSessionExists(ctx context.Context, handle string) (bool, error) {
	cmd := exec.CommandContext(ctx, r.BinaryPath, "session", "show", handle)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return false, nil
	}
	return false, errors.Wrap(kerr.InternalError, err.Error())
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
