package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsec-board/scoreboard/cmd/grader/internal/queueclient"
	"github.com/itsec-board/scoreboard/cmd/grader/internal/sandbox"
	"github.com/itsec-board/scoreboard/internal/config"
	"github.com/itsec-board/scoreboard/internal/types"
)

type fakeRuntime struct {
	mu sync.Mutex

	created     []sandbox.Spec
	stopped     []string
	removed     []string
	labeled     []string
	waitOutcome sandbox.WaitOutcome
	waitErr     error
	logs        string
	createErr   error
}

func (f *fakeRuntime) Create(_ context.Context, spec sandbox.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, spec)
	return fmt.Sprintf("container-%d", len(f.created)), nil
}

func (f *fakeRuntime) Wait(_ context.Context, _ string, _ time.Duration) (sandbox.WaitOutcome, error) {
	return f.waitOutcome, f.waitErr
}

func (f *fakeRuntime) Logs(_ context.Context, _ string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.logs)), nil
}

func (f *fakeRuntime) Stop(_ context.Context, handle string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, handle)
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, handle string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, handle)
	return nil
}

func (f *fakeRuntime) ListLabeled(_ context.Context, _, _ string) ([]string, error) {
	return f.labeled, nil
}

type uploadedResult struct {
	id        string
	output    string
	forceFail string
	startTime string
}

// fakeQueue is a minimal stand-in for the queue server's autograde surface.
type fakeQueue struct {
	mu      sync.Mutex
	payload string
	uploads []uploadedResult
	resets  int
}

func (q *fakeQueue) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /autograde/{id}/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(q.payload))
	})
	mux.HandleFunc("POST /autograde/{id}/", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		q.mu.Lock()
		q.uploads = append(q.uploads, uploadedResult{
			id:        r.PathValue("id"),
			output:    r.PostForm.Get("output"),
			forceFail: r.PostForm.Get("force_fail"),
			startTime: r.PostForm.Get("start_time"),
		})
		q.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"NO_FLAG"}`))
	})
	mux.HandleFunc("POST /reset", func(w http.ResponseWriter, r *http.Request) {
		q.mu.Lock()
		q.resets++
		q.mu.Unlock()
	})
	return mux
}

func testConfig(serverURL, stagingDir string) *config.GraderConfig {
	return &config.GraderConfig{
		ServerURL:        serverURL,
		InstanceID:       "test1",
		Runtime:          "docker",
		Image:            "python:3.12-slim",
		Entrypoint:       []string{"/usr/bin/python3"},
		Extensions:       []string{".py"},
		NetworkMode:      "none",
		StagingDir:       stagingDir,
		PollIntervalSecs: 1,
		TimeoutSecs:      2,
		StopGraceSecs:    1,
		LogMaxChunks:     64,
		LogMaxBytes:      1 << 20,
		LogTailBytes:     1 << 16,
		LogTailLines:     100,
	}
}

func testRunner(t *testing.T, rt *fakeRuntime, queue *fakeQueue) (*Runner, *config.GraderConfig) {
	t.Helper()

	srv := httptest.NewServer(queue.handler())
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL, t.TempDir())
	return New(rt, queueclient.New(srv.URL, "secret"), cfg), cfg
}

func stagingLeftovers(t *testing.T, cfg *config.GraderConfig) []string {
	t.Helper()

	leftovers, err := filepath.Glob(filepath.Join(cfg.StagingDir, "sandbox_test1_*"))
	require.NoError(t, err)
	return leftovers
}

func TestGradeHappyPath(t *testing.T) {
	rt := &fakeRuntime{logs: "solved: flag{abc}\n"}
	queue := &fakeQueue{payload: "print('hi')\n"}
	r, cfg := testRunner(t, rt, queue)

	err := r.Grade(context.Background(), types.QueueEntry{ID: 7, Filename: "sol.py"})
	require.NoError(t, err)

	require.Len(t, rt.created, 1)
	spec := rt.created[0]
	assert.Equal(t, []string{"/usr/bin/python3", "sol.py"}, spec.Command)
	assert.Equal(t, "test1", spec.Labels[InstanceLabel])
	assert.True(t, strings.HasPrefix(spec.Name, "grader-test1-"))
	assert.Equal(t, "none", spec.NetworkMode)
	assert.False(t, spec.Privileged)
	require.Len(t, spec.Binds, 1)
	assert.True(t, strings.HasSuffix(spec.Binds[0], ":"+"/sandbox"))

	require.Len(t, queue.uploads, 1)
	upload := queue.uploads[0]
	assert.Equal(t, "7", upload.id)
	assert.Equal(t, "solved: flag{abc}\n", upload.output)
	assert.Equal(t, "false", upload.forceFail)
	assert.NotEmpty(t, upload.startTime)

	assert.Len(t, rt.removed, 1, "container removal is unconditional")
	assert.Empty(t, rt.stopped, "nothing to stop on natural exit")
	assert.Empty(t, stagingLeftovers(t, cfg), "staging dir must be cleaned up")
}

func TestGradeCallsResetHookFirst(t *testing.T) {
	rt := &fakeRuntime{logs: "output\n"}
	queue := &fakeQueue{payload: "print('hi')\n"}
	r, _ := testRunner(t, rt, queue)

	entry := types.QueueEntry{ID: 7, Filename: "sol.py", ResetURL: r.Config.ServerURL + "/reset"}
	require.NoError(t, r.Grade(context.Background(), entry))

	assert.Equal(t, 1, queue.resets)
}

func TestGradeUnsupportedExtension(t *testing.T) {
	rt := &fakeRuntime{}
	queue := &fakeQueue{payload: "not python"}
	r, cfg := testRunner(t, rt, queue)

	err := r.Grade(context.Background(), types.QueueEntry{ID: 8, Filename: "notes.txt"})
	require.NoError(t, err)

	assert.Empty(t, rt.created, "no sandbox for unsupported files")
	require.Len(t, queue.uploads, 1)
	assert.Equal(t, "true", queue.uploads[0].forceFail)
	assert.Contains(t, queue.uploads[0].output, "Unsupported file type")
	assert.Empty(t, stagingLeftovers(t, cfg))
}

func TestGradeTimeout(t *testing.T) {
	rt := &fakeRuntime{waitOutcome: sandbox.WaitTimedOut, logs: "still running...\n"}
	queue := &fakeQueue{payload: "while True: pass"}
	r, _ := testRunner(t, rt, queue)

	err := r.Grade(context.Background(), types.QueueEntry{ID: 9, Filename: "loop.py"})
	require.NoError(t, err)

	assert.Len(t, rt.stopped, 1, "timed out container must be stopped")
	assert.Len(t, rt.removed, 1)

	require.Len(t, queue.uploads, 1)
	upload := queue.uploads[0]
	assert.Equal(t, "true", upload.forceFail)
	assert.Contains(t, upload.output, "exceeded the configured timeout of 2 seconds")
	assert.Contains(t, upload.output, "still running...")
}

func TestGradeBackendCrashUploadsNothing(t *testing.T) {
	rt := &fakeRuntime{waitErr: errors.New("daemon connection reset"), logs: "partial output\n"}
	queue := &fakeQueue{payload: "print('hi')\n"}
	r, cfg := testRunner(t, rt, queue)

	err := r.Grade(context.Background(), types.QueueEntry{ID: 10, Filename: "sol.py"})
	require.Error(t, err)

	// No verdict is recorded, so the next queue listing retries the entry.
	assert.Empty(t, queue.uploads, "crashed run must not upload a result")
	assert.Len(t, rt.removed, 1, "container removal is unconditional")
	assert.Empty(t, stagingLeftovers(t, cfg))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "..etcpasswd.py", sanitizeFilename("../etc\\passwd\x00.py"))
	assert.Equal(t, "plain.py", sanitizeFilename("plain.py"))
}

func TestCollectLogsTailLines(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	rt := &fakeRuntime{logs: sb.String()}
	r := New(rt, nil, testConfig("http://unused", ""))

	output, truncated := r.collectLogs(context.Background(), "c1")
	assert.True(t, truncated)

	lines := strings.Split(output, "\n")
	assert.LessOrEqual(t, len(lines), r.Config.LogTailLines)
	assert.Contains(t, output, "line 499")
	assert.NotContains(t, output, "line 0\n")
}

func TestCollectLogsByteCeiling(t *testing.T) {
	rt := &fakeRuntime{logs: strings.Repeat("x", 64*1024)}
	cfg := testConfig("http://unused", "")
	cfg.LogMaxBytes = 16 * 1024
	r := New(rt, nil, cfg)

	output, truncated := r.collectLogs(context.Background(), "c1")
	assert.True(t, truncated)
	assert.Contains(t, output, "giving up on log collection")
}

func TestSweep(t *testing.T) {
	rt := &fakeRuntime{labeled: []string{"old-1", "old-2"}}
	queue := &fakeQueue{}
	r, cfg := testRunner(t, rt, queue)

	leftover := filepath.Join(cfg.StagingDir, "sandbox_test1_dead")
	require.NoError(t, os.MkdirAll(leftover, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(leftover, "junk.py"), []byte("junk"), 0o600))
	unrelated := filepath.Join(cfg.StagingDir, "sandbox_other_alive")
	require.NoError(t, os.MkdirAll(unrelated, 0o755))

	require.NoError(t, r.Sweep(context.Background()))

	assert.Equal(t, []string{"old-1", "old-2"}, rt.removed)
	assert.NoDirExists(t, leftover)
	assert.DirExists(t, unrelated, "other instances' staging dirs are not touched")

	// Idempotent when there is nothing left.
	rt.labeled = nil
	require.NoError(t, r.Sweep(context.Background()))
}
