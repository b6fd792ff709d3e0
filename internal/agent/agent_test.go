package agent

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMain re-execs this test binary as the fake agent subprocess when
// GO_WANT_HELPER_PROCESS is set, so Runner.Run can be driven against a
// real child process without depending on any agent binary being
// installed. This is the standard os/exec helper-process pattern.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		helperMain()
		return
	}
	os.Exit(m.Run())
}

func helperMain() {
	// Every behavior first drains stdin to EOF. If Run ever regresses to
	// wiring stdin through the same PTY fd as stdout/stderr (nothing
	// closes that fd until the parent is done reading), this blocks
	// forever and the test's context deadline catches it.
	_, _ = io.ReadAll(os.Stdin)

	switch os.Getenv("KILN_TEST_BEHAVIOR") {
	case "success":
		_, _ = io.WriteString(os.Stdout, `{"type":"assistant","text":"hello "}`+"\n")
		_, _ = io.WriteString(os.Stdout, `{"type":"assistant","text":"world"}`+"\n")
		_, _ = io.WriteString(os.Stdout, `{"type":"result","result":"done","session_id":"sess-1","usage":{"duration_ms":120,"cost_usd":0.5,"turns":2,"tokens":{"input":10,"output":20}}}`+"\n")
		os.Exit(0)

	case "error-event":
		_, _ = io.WriteString(os.Stdout, `{"type":"error","message":"boom"}`+"\n")
		os.Exit(1)

	case "missing-result":
		_, _ = io.WriteString(os.Stdout, `{"type":"assistant","text":"thinking"}`+"\n")
		os.Exit(0)

	case "nonzero-exit":
		_, _ = io.WriteString(os.Stderr, "agent crashed\n")
		os.Exit(7)

	case "inactivity-timeout":
		time.Sleep(2 * time.Second)
		os.Exit(0)

	case "total-timeout":
		for i := 0; i < 20; i++ {
			_, _ = io.WriteString(os.Stdout, `{"type":"assistant","text":"tick"}`+"\n")
			time.Sleep(100 * time.Millisecond)
		}
		os.Exit(0)

	default:
		os.Exit(1)
	}
}

func testRunner(t *testing.T) *Runner {
	t.Helper()
	return NewRunner(os.Args[0])
}

func baseRequest(t *testing.T) Request {
	t.Helper()
	return Request{
		Prompt:            "do the thing",
		Cwd:               t.TempDir(),
		TotalTimeout:      5 * time.Second,
		InactivityTimeout: 2 * time.Second,
	}
}

func TestRunParsesNDJSONResult(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("KILN_TEST_BEHAVIOR", "success")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := testRunner(t).Run(ctx, baseRequest(t))
	require.NoError(t, err)
	require.Equal(t, "hello world"+"done", res.ResponseText)
	require.Equal(t, "sess-1", res.SessionID)
	require.Equal(t, int64(120), res.Metrics.DurationMS)
	require.Equal(t, 0.5, res.Metrics.CostUSD)
	require.Equal(t, 2, res.Metrics.Turns)
	require.Equal(t, int64(10), res.Metrics.Tokens["input"])
}

func TestRunSurfacesErrorEvent(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("KILN_TEST_BEHAVIOR", "error-event")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := testRunner(t).Run(ctx, baseRequest(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestRunErrorsWhenResultEventNeverArrives(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("KILN_TEST_BEHAVIOR", "missing-result")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := testRunner(t).Run(ctx, baseRequest(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "without a result event")
}

func TestRunSurfacesNonZeroExit(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("KILN_TEST_BEHAVIOR", "nonzero-exit")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := testRunner(t).Run(ctx, baseRequest(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "exited non-zero")
}

func TestRunTimesOutOnInactivity(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("KILN_TEST_BEHAVIOR", "inactivity-timeout")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := baseRequest(t)
	req.InactivityTimeout = 100 * time.Millisecond
	req.TotalTimeout = 5 * time.Second

	start := time.Now()
	_, err := testRunner(t).Run(ctx, req)
	require.Error(t, err)
	require.Contains(t, err.Error(), "timed out")
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestRunTimesOutOnTotalDuration(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("KILN_TEST_BEHAVIOR", "total-timeout")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := baseRequest(t)
	// Heartbeats every 100ms keep the inactivity timer satisfied, so only
	// the total timeout can fire here.
	req.InactivityTimeout = 5 * time.Second
	req.TotalTimeout = 250 * time.Millisecond

	start := time.Now()
	_, err := testRunner(t).Run(ctx, req)
	require.Error(t, err)
	require.Contains(t, err.Error(), "timed out")
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestValidateSessionExists(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("KILN_TEST_BEHAVIOR", "success")

	ok, err := testRunner(t).ValidateSessionExists(context.Background(), "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestValidateSessionExistsFalseOnNonZeroExit(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("KILN_TEST_BEHAVIOR", "nonzero-exit")

	ok, err := testRunner(t).ValidateSessionExists(context.Background(), "sess-1")
	require.NoError(t, err)
	require.False(t, ok)
}
