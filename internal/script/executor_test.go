package script

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const payload = `[{"label":3,"x":1.0,"y":2.0,"width":3.0,"height":4.0,"score":0.9000}]`

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	e := NewExecutor(zap.NewNop())
	e.now = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 15, 0, time.UTC) }
	t.Cleanup(func() { e.Close() })
	return e
}

func finished(e *Executor) func() bool {
	return func() bool { return !e.Status().Running }
}

func TestRunCompletes(t *testing.T) {
	e := newTestExecutor(t)

	require.NoError(t, e.Run(`log("hello", 1 + 1); print("x"); console.log("y"); repeat(2, function(i) { log("i=" + i); });`))
	e.Wait()

	st := e.Status()
	assert.False(t, st.Running)
	assert.Empty(t, st.Error)
	assert.Equal(t, uint64(1), st.Runs)
	assert.Equal(t, strings.Join([]string{
		"[09:30:15] Starting script execution...",
		"[09:30:15] LOG: hello 2",
		"[09:30:15] LOG: x",
		"[09:30:15] LOG: y",
		"[09:30:15] LOG: i=0",
		"[09:30:15] LOG: i=1",
		"[09:30:15] Script completed successfully",
	}, "\n"), st.Output)
}

func TestRunRejectsEmpty(t *testing.T) {
	e := newTestExecutor(t)
	assert.ErrorIs(t, e.Run("  \n"), ErrEmptyScript)
	assert.Zero(t, e.Status().Runs)
}

func TestRunOneAtATime(t *testing.T) {
	e := newTestExecutor(t)

	require.NoError(t, e.Run(`while (true) { sleep(10); }`))
	assert.ErrorIs(t, e.Run(`log(1)`), ErrRunning)
	assert.True(t, e.Status().Running)

	assert.True(t, e.Stop())
	assert.Eventually(t, finished(e), time.Second, 5*time.Millisecond)
	assert.Contains(t, e.Status().Output, "Script stopped by user")
	assert.Empty(t, e.Status().Error)
	assert.False(t, e.Stop(), "nothing left to stop")

	// A new run starts with fresh output
	require.NoError(t, e.Run(`log("again")`))
	e.Wait()
	assert.NotContains(t, e.Status().Output, "stopped")
	assert.Equal(t, uint64(2), e.Status().Runs)
}

func TestStopInterruptsBusyLoop(t *testing.T) {
	e := newTestExecutor(t)

	require.NoError(t, e.Run(`var n = 0; while (true) { n++; }`))
	assert.True(t, e.Stop())
	assert.Eventually(t, finished(e), time.Second, 5*time.Millisecond)
}

func TestScriptError(t *testing.T) {
	e := newTestExecutor(t)

	require.NoError(t, e.Run(`throw new Error("bad input")`))
	e.Wait()

	st := e.Status()
	assert.Contains(t, st.Error, "bad input")
	assert.Contains(t, st.Output, "Script error: ")

	require.NoError(t, e.Run(`onDetection(42)`))
	e.Wait()
	assert.Contains(t, e.Status().Error, "onDetection expects a function")
}

func TestDetectionCallback(t *testing.T) {
	e := newTestExecutor(t)

	require.NoError(t, e.Run(`
		onDetection(function(d) { log("got " + d.length + " label " + d[0].label); });
		while (true) { sleep(20); }
	`))
	assert.Eventually(t, func() bool {
		_ = e.Publish(payload)
		return strings.Contains(e.Status().Output, "LOG: got 1 label 3")
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, e.Stop())
	assert.Eventually(t, finished(e), time.Second, 5*time.Millisecond)
}

func TestDetectionCallbackErrorsKeepScriptRunning(t *testing.T) {
	e := newTestExecutor(t)

	require.NoError(t, e.Run(`
		onDetection(function(d) { throw new Error("callback broke"); });
		while (true) { sleep(20); }
	`))
	assert.Eventually(t, func() bool {
		_ = e.Publish(payload)
		return strings.Contains(e.Status().Output, "Error calling detection callback")
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, e.Status().Running)

	assert.True(t, e.Stop())
	assert.Eventually(t, finished(e), time.Second, 5*time.Millisecond)
}

func TestGetLastDetections(t *testing.T) {
	e := newTestExecutor(t)

	require.NoError(t, e.Run(`log(getLastDetections().length)`))
	e.Wait()
	assert.Contains(t, e.Status().Output, "LOG: 0")

	require.NoError(t, e.Publish(payload))
	assert.Equal(t, payload, e.LastDetections())
	require.NoError(t, e.Run(`var d = getLastDetections(); log(d.length + ":" + d[0].score)`))
	e.Wait()
	assert.Contains(t, e.Status().Output, "LOG: 1:0.9")
}

func TestPublishKeepsNewest(t *testing.T) {
	e := newTestExecutor(t)

	for _, p := range []string{"[1]", "[2]", "[3]"} {
		require.NoError(t, e.Publish(p))
	}
	assert.Len(t, e.detections, 1)
	assert.Equal(t, "[3]", <-e.detections)
}

func TestClose(t *testing.T) {
	e := NewExecutor(zap.NewNop())
	assert.Equal(t, "script", e.Name())

	require.NoError(t, e.Run(`while (true) { sleep(10); }`))
	require.NoError(t, e.Close())
	assert.False(t, e.Status().Running)
	assert.ErrorIs(t, e.Run(`log(1)`), ErrClosed)
}

func TestOutputIsBounded(t *testing.T) {
	e := newTestExecutor(t)

	require.NoError(t, e.Run(`repeat(600, function(i) { log(i); })`))
	e.Wait()
	lines := strings.Split(e.Status().Output, "\n")
	assert.Len(t, lines, maxOutputLines)
	assert.Equal(t, "[09:30:15] Script completed successfully", lines[len(lines)-1])
}
