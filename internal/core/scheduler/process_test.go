package scheduler

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecLauncher_EmptyArgv(t *testing.T) {
	_, err := ExecLauncher{}.Launch(context.Background(), nil)
	assert.Error(t, err)
}

func TestExecLauncher_ExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	proc, err := ExecLauncher{}.Launch(context.Background(), []string{"/bin/sh", "-c", "exit 3"})
	require.NoError(t, err)
	assert.Positive(t, proc.PID())

	code, err := proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestExecLauncher_Terminate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires SIGTERM")
	}

	proc, err := ExecLauncher{}.Launch(context.Background(), []string{"/bin/sh", "-c", "sleep 30"})
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() {
		code, _ := proc.Wait()
		done <- code
	}()

	require.NoError(t, proc.Terminate())
	select {
	case code := <-done:
		assert.NotZero(t, code, "a terminated child exits non-zero")
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit after terminate")
	}
}

func TestExecLauncher_SpawnFailure(t *testing.T) {
	_, err := ExecLauncher{}.Launch(context.Background(), []string{"/no/such/binary"})
	assert.Error(t, err)
}
