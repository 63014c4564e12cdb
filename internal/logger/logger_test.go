package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture redirects logger output to a buffer and restores the previous
// output on cleanup. Colors are disabled so assertions see plain text.
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)

	mu.Lock()
	prevOutput := output
	prevColor := useColor
	output = buf
	useColor = false
	mu.Unlock()
	reconfigure()

	t.Cleanup(func() {
		mu.Lock()
		output = prevOutput
		useColor = prevColor
		mu.Unlock()
		reconfigure()
	})
	return buf
}

// lastJSONLine decodes the final line of buf as a JSON log record.
func lastJSONLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugShowsEverything", func(t *testing.T) {
		buf := capture(t)
		SetLevel("DEBUG")

		Debug("splitting file")
		Info("archive sealed")
		Warn("orphan patchset discarded")
		Error("upload failed")

		out := buf.String()
		for _, want := range []string{"splitting file", "archive sealed", "orphan patchset discarded", "upload failed"} {
			assert.Contains(t, out, want)
		}
	})

	t.Run("WarnSuppressesDebugAndInfo", func(t *testing.T) {
		buf := capture(t)
		SetLevel("WARN")

		Debug("splitting file")
		Info("archive sealed")
		Warn("orphan patchset discarded")

		out := buf.String()
		assert.NotContains(t, out, "splitting file")
		assert.NotContains(t, out, "archive sealed")
		assert.Contains(t, out, "orphan patchset discarded")
	})

	t.Run("ErrorAlwaysLogged", func(t *testing.T) {
		buf := capture(t)
		SetLevel("ERROR")

		Info("archive sealed")
		Error("manifest commit failed")

		assert.NotContains(t, buf.String(), "archive sealed")
		assert.Contains(t, buf.String(), "manifest commit failed")
	})

	t.Run("InvalidLevelIgnored", func(t *testing.T) {
		buf := capture(t)
		SetLevel("INFO")
		SetLevel("VERBOSE") // no such level; INFO stays in effect

		Debug("splitting file")
		Info("archive sealed")

		assert.NotContains(t, buf.String(), "splitting file")
		assert.Contains(t, buf.String(), "archive sealed")
	})
}

func TestJSONFormatEmitsStructuredFields(t *testing.T) {
	buf := capture(t)
	SetLevel("INFO")
	SetFormat("json")
	t.Cleanup(func() { SetFormat("text") })

	Info("archive sealed",
		ArchiveID(42),
		BlockHash("c0ffee"),
		Size(1048576),
	)

	entry := lastJSONLine(t, buf)
	assert.Equal(t, "archive sealed", entry["msg"])
	assert.Equal(t, float64(42), entry["archive_id"])
	assert.Equal(t, "c0ffee", entry["block_hash"])
	assert.Equal(t, float64(1048576), entry["size"])
}

func TestContextFieldsInjectedByCtxVariants(t *testing.T) {
	buf := capture(t)
	SetLevel("INFO")
	SetFormat("json")
	t.Cleanup(func() { SetFormat("text") })

	lc := NewLogContext("run-7f3a")
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "snapshot committed", Component("snapshot"), PatchsetID(9))

	entry := lastJSONLine(t, buf)
	assert.Equal(t, "run-7f3a", entry["run_id"])
	assert.Equal(t, "snapshot", entry["component"])
	assert.Equal(t, float64(9), entry["patchset_id"])
}

func TestCtxVariantsTolerateMissingLogContext(t *testing.T) {
	buf := capture(t)
	SetLevel("INFO")

	InfoCtx(context.Background(), "no run context")
	assert.Contains(t, buf.String(), "no run context")
}

func TestLogContextCloneIsIndependent(t *testing.T) {
	lc := NewLogContext("run-1")
	lc.Component = "splitter"

	clone := lc.Clone()
	clone.Component = "manifest"

	assert.Equal(t, "splitter", lc.Component)
	assert.Equal(t, "manifest", clone.Component)

	withComp := lc.WithComponent("restore")
	assert.Equal(t, "restore", withComp.Component)
	assert.Equal(t, "splitter", lc.Component)

	var nilLC *LogContext
	assert.Nil(t, nilLC.Clone())
	assert.Nil(t, nilLC.WithComponent("compactor"))
	assert.Zero(t, nilLC.DurationMs())
}

func TestFromContextRoundTrip(t *testing.T) {
	lc := NewLogContext("run-2")
	ctx := WithContext(context.Background(), lc)
	assert.Same(t, lc, FromContext(ctx))

	assert.Nil(t, FromContext(context.Background()))
	assert.Nil(t, FromContext(nil)) //nolint:staticcheck
}

func TestErrFieldHandlesNil(t *testing.T) {
	attr := Err(nil)
	assert.True(t, attr.Equal(Err(nil)))

	buf := capture(t)
	SetLevel("WARN")
	SetFormat("json")
	t.Cleanup(func() { SetFormat("text") })

	Warn("block fetch retried", Err(assert.AnError), Attempt(2), MaxRetries(5))
	entry := lastJSONLine(t, buf)
	assert.Equal(t, assert.AnError.Error(), entry["error"])
	assert.Equal(t, float64(2), entry["attempt"])
	assert.Equal(t, float64(5), entry["max_retries"])
}

func TestPrintfVariants(t *testing.T) {
	buf := capture(t)
	SetLevel("DEBUG")

	Debugf("staged %d blocks", 12)
	Infof("sealed archive %d", 3)
	Warnf("cache over budget by %d bytes", 512)
	Errorf("restore of %s failed", "/d/a")

	out := buf.String()
	assert.Contains(t, out, "staged 12 blocks")
	assert.Contains(t, out, "sealed archive 3")
	assert.Contains(t, out, "cache over budget by 512 bytes")
	assert.Contains(t, out, "restore of /d/a failed")
}

func TestInitWithWriterRedirectsOutput(t *testing.T) {
	capture(t) // global state restored after the test

	buf := new(bytes.Buffer)
	InitWithWriter(buf, "INFO", "text", false)

	Info("manifest reconstructed")
	assert.Contains(t, buf.String(), "manifest reconstructed")
}

// TestConcurrentLoggingIsRaceFree exercises the logger from parallel
// goroutines the way snapshot's worker pool does; the assertion is simply
// that every line arrives intact (and the race detector stays quiet).
func TestConcurrentLoggingIsRaceFree(t *testing.T) {
	buf := capture(t)
	SetLevel("INFO")

	const workers = 8
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				Info("block staged", "worker", n, "seq", j)
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, workers*25)
	for _, line := range lines {
		assert.Contains(t, line, "block staged")
	}
}
