package sandbox

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsec-board/scoreboard/cmd/grader/internal/command"
)

type fakeCall struct {
	args   []string
	result command.Result
	err    error
}

// fakeExecutor pops queued results in order and records every invocation.
type fakeExecutor struct {
	queued   []fakeCall
	executed [][]string
}

func (f *fakeExecutor) Execute(_ context.Context, cmd *command.Command) (*command.Result, error) {
	args := append([]string{cmd.Program}, cmd.Args...)
	f.executed = append(f.executed, args)

	if len(f.queued) == 0 {
		return &command.Result{Cmd: args}, nil
	}
	call := f.queued[0]
	f.queued = f.queued[1:]
	if call.err != nil {
		return nil, call.err
	}
	result := call.result
	result.Cmd = args
	return &result, nil
}

func (f *fakeExecutor) queue(stdout, stderr string, exitCode int) {
	f.queued = append(f.queued, fakeCall{result: command.Result{
		Stdout:   []byte(stdout),
		Stderr:   []byte(stderr),
		ExitCode: exitCode,
	}})
}

func newTestRuntime(exec *fakeExecutor) *PodmanRuntime {
	rt := NewPodmanRuntime(exec, "podman")
	rt.interval = time.Millisecond
	return rt
}

func TestPodmanCreate(t *testing.T) {
	exec := &fakeExecutor{}
	exec.queue("abc123\n", "", 0)
	rt := newTestRuntime(exec)

	handle, err := rt.Create(context.Background(), Spec{
		Image:       "python:3.12-slim",
		Command:     []string{"/usr/bin/python3", "solution.py"},
		Name:        "grader-1-x",
		Labels:      map[string]string{"scoreboard.grader.instance": "grader-1"},
		Binds:       []string{"/tmp/stage:/sandbox"},
		User:        "1000:1000",
		WorkingDir:  "/sandbox",
		NetworkMode: "none",
	})
	require.NoError(t, err)
	assert.Equal(t, "abc123", handle, "handle is the trimmed container id")

	require.Len(t, exec.executed, 1)
	args := strings.Join(exec.executed[0], " ")
	assert.Contains(t, args, "podman run --detach")
	assert.Contains(t, args, "--name grader-1-x")
	assert.Contains(t, args, "--label scoreboard.grader.instance=grader-1")
	assert.Contains(t, args, "--volume /tmp/stage:/sandbox")
	assert.Contains(t, args, "--user 1000:1000")
	assert.Contains(t, args, "--network none")
	assert.NotContains(t, args, "--privileged")
	assert.True(t, strings.HasSuffix(args, "python:3.12-slim /usr/bin/python3 solution.py"))
}

func TestPodmanCreateFailure(t *testing.T) {
	exec := &fakeExecutor{}
	exec.queue("", "Error: no such image", 125)
	rt := newTestRuntime(exec)

	_, err := rt.Create(context.Background(), Spec{Image: "missing"})
	assert.ErrorContains(t, err, "no such image")
}

func TestPodmanWaitPollsUntilExit(t *testing.T) {
	exec := &fakeExecutor{}
	exec.queue("true\n", "", 0)
	exec.queue("true\n", "", 0)
	exec.queue("false\n", "", 0)
	rt := newTestRuntime(exec)

	outcome, err := rt.Wait(context.Background(), "abc123", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, WaitExited, outcome)
	assert.Len(t, exec.executed, 3, "must poll until the state flips")
}

func TestPodmanWaitTimesOut(t *testing.T) {
	exec := &fakeExecutor{}
	for i := 0; i < 64; i++ {
		exec.queue("true\n", "", 0)
	}
	rt := newTestRuntime(exec)

	outcome, err := rt.Wait(context.Background(), "abc123", 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, WaitTimedOut, outcome, "elapsed wall-clock beats the poll")
}

func TestPodmanWaitTreatsMissingAsExited(t *testing.T) {
	exec := &fakeExecutor{}
	exec.queue("", "Error: no such container", 125)
	rt := newTestRuntime(exec)

	outcome, err := rt.Wait(context.Background(), "gone", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, WaitExited, outcome)
}

func TestPodmanLogs(t *testing.T) {
	exec := &fakeExecutor{}
	exec.queue("out line\n", "err line\n", 0)
	rt := newTestRuntime(exec)

	stream, err := rt.Logs(context.Background(), "abc123")
	require.NoError(t, err)
	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	assert.Equal(t, "out line\nerr line\n", string(data))
}

func TestPodmanStopToleratesGone(t *testing.T) {
	exec := &fakeExecutor{}
	exec.queue("", "Error: no such container abc123", 125)
	rt := newTestRuntime(exec)

	assert.NoError(t, rt.Stop(context.Background(), "abc123", 5*time.Second))

	exec.queue("", "container abc123 is not running", 125)
	assert.NoError(t, rt.Stop(context.Background(), "abc123", 5*time.Second))
}

func TestPodmanRemoveForce(t *testing.T) {
	exec := &fakeExecutor{}
	exec.queue("abc123\n", "", 0)
	rt := newTestRuntime(exec)

	require.NoError(t, rt.Remove(context.Background(), "abc123", true))
	assert.Equal(t, []string{"podman", "rm", "--force", "abc123"}, exec.executed[0])
}

func TestPodmanListLabeled(t *testing.T) {
	exec := &fakeExecutor{}
	exec.queue("abc123\ndef456\n\n", "", 0)
	rt := newTestRuntime(exec)

	handles, err := rt.ListLabeled(context.Background(), "scoreboard.grader.instance", "grader-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc123", "def456"}, handles)

	args := strings.Join(exec.executed[0], " ")
	assert.Contains(t, args, "--filter label=scoreboard.grader.instance=grader-1")
	assert.Contains(t, args, "--all")
}
