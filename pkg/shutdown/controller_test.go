package shutdown_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jihwankim/plant-datalogger/pkg/reporting"
	"github.com/jihwankim/plant-datalogger/pkg/shutdown"
)

func testLogger() *reporting.Logger {
	return reporting.NewLogger(reporting.LoggerConfig{Level: reporting.LogLevelError})
}

func TestStopTriggersCallbackOnce(t *testing.T) {
	c := shutdown.New(shutdown.Config{}, testLogger())

	calls := 0
	c.OnStop(func() { calls++ })

	c.Stop("test")
	c.Stop("test-again")

	require.Equal(t, 1, calls)
	require.True(t, c.IsStopped())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done() channel should be closed after Stop")
	}
}

func TestOnStopAfterTriggerRunsImmediately(t *testing.T) {
	c := shutdown.New(shutdown.Config{}, testLogger())
	c.Stop("already stopped")

	ran := false
	c.OnStop(func() { ran = true })
	require.True(t, ran)
}

func TestStopFilePollingTriggersStop(t *testing.T) {
	dir := t.TempDir()
	stopFile := filepath.Join(dir, "stop")

	c := shutdown.New(shutdown.Config{StopFile: stopFile, PollInterval: 10 * time.Millisecond}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	require.NoError(t, os.WriteFile(stopFile, []byte("stop"), 0644))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stop file was not detected in time")
	}
}
