// Package runner drives one submission at a time through fetch, sandboxed
// execution, log collection, teardown and result upload. The loop is strictly
// sequential; deployments scale by running more worker instances, each with
// its own instance id, so staging directories and container names never
// collide across instances.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/itsec-board/scoreboard/cmd/grader/internal/queueclient"
	"github.com/itsec-board/scoreboard/cmd/grader/internal/sandbox"
	"github.com/itsec-board/scoreboard/internal/config"
	"github.com/itsec-board/scoreboard/internal/logger"
	"github.com/itsec-board/scoreboard/internal/types"
)

var tracer = otel.Tracer(
	"github.com/itsec-board/scoreboard/grader/internal/runner",
)

// InstanceLabel marks every container this worker creates, keyed by instance
// id, so a restarted worker can find and remove leftovers from a crashed run.
const InstanceLabel = "scoreboard.grader.instance"

const sandboxMount = "/sandbox"

type Runner struct {
	Runtime sandbox.Runtime
	Queue   *queueclient.Client
	Config  *config.GraderConfig
}

func New(runtime sandbox.Runtime, queue *queueclient.Client, cfg *config.GraderConfig) *Runner {
	return &Runner{
		Runtime: runtime,
		Queue:   queue,
		Config:  cfg,
	}
}

func (r *Runner) stagingParent() string {
	if r.Config.StagingDir != "" {
		return r.Config.StagingDir
	}
	return os.TempDir()
}

func (r *Runner) stagingPrefix() string {
	return "sandbox_" + r.Config.InstanceID + "_"
}

// sanitizeFilename strips NUL bytes and path separators so the stored name
// cannot escape the staging directory.
func sanitizeFilename(name string) string {
	return strings.Map(func(c rune) rune {
		switch c {
		case 0, '/', '\\':
			return -1
		}
		return c
	}, name)
}

func (r *Runner) supportedExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range r.Config.Extensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// Grade processes one queue entry end to end. Errors before the sandbox
// exists abort the entry; once a container has been created, log collection,
// forced removal and staging cleanup all still run no matter what failed
// before them. Only a completed or timed out run uploads a result; a crashed
// run leaves the entry pending.
func (r *Runner) Grade(ctx context.Context, entry types.QueueEntry) error {
	ctx, span := tracer.Start(ctx, "Runner.Grade", trace.WithAttributes(
		attribute.Int64("submission.id", entry.ID),
		attribute.String("submission.filename", entry.Filename),
	))
	defer span.End()

	startTime := float64(time.Now().UnixNano()) / 1e9

	// Give the task's service a clean slate before the submission runs
	// against it. Best effort, a failed reset never blocks grading.
	if entry.ResetURL != "" {
		if err := r.Queue.Reset(ctx, entry.ResetURL); err != nil {
			span.RecordError(err)
			logger.Logger.WarnContext(ctx, "reset hook failed",
				"submission", entry.ID, "url", entry.ResetURL, "error", err)
		}
	}

	stagingDir, err := os.MkdirTemp(r.stagingParent(), r.stagingPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create staging directory")
		return err
	}
	defer r.cleanupStaging(ctx, stagingDir)

	payload, err := r.Queue.FetchPayload(ctx, entry.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch payload")
		return err
	}

	filename := sanitizeFilename(entry.Filename)
	file, err := os.Create(filepath.Join(stagingDir, filename))
	if err != nil {
		payload.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create payload file")
		return err
	}
	_, err = io.Copy(file, payload)
	payload.Close()
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write payload file")
		return err
	}

	span.AddEvent("payload staged")

	if !r.supportedExtension(filename) {
		// Never worth spinning up a sandbox for, report straight away.
		span.AddEvent("unsupported extension, skipping sandbox")
		output := fmt.Sprintf("Unsupported file type %q, refusing to execute.", filepath.Ext(filename))
		return r.upload(ctx, span, entry, output, true, startTime)
	}

	handle, timedOut, runErr := r.execute(ctx, stagingDir, filename)
	if runErr != nil {
		span.RecordError(runErr)
		logger.Logger.ErrorContext(ctx, "sandbox execution failed",
			"submission", entry.ID, "error", runErr)
	}
	if handle == "" {
		span.SetStatus(codes.Error, "failed to create sandbox")
		return runErr
	}

	output, truncated := r.collectLogs(ctx, handle)
	if truncated {
		output = "[Log truncated]\n" + output
	}
	if timedOut {
		output = fmt.Sprintf(
			"Execution exceeded the configured timeout of %d seconds and was stopped. The result will be forced to fail.\n",
			r.Config.TimeoutSecs,
		) + output
	}

	// Unconditional, the container must not outlive this iteration.
	if err := r.Runtime.Remove(ctx, handle, true); err != nil {
		span.RecordError(err)
		logger.Logger.WarnContext(ctx, "failed to remove sandbox",
			"handle", handle, "error", err)
	}

	if runErr != nil {
		// The run crashed rather than completed or timed out, so no result
		// is uploaded: the submission keeps its empty verdict and the next
		// poll cycle lists it again for a fresh attempt.
		span.SetStatus(codes.Error, "sandbox execution failed")
		return runErr
	}

	return r.upload(ctx, span, entry, output, timedOut, startTime)
}

// execute creates the sandbox and waits for it. It returns the container
// handle even on failure so the caller can still collect logs and remove it.
func (r *Runner) execute(
	ctx context.Context,
	stagingDir string,
	filename string,
) (handle string, timedOut bool, err error) {
	ctx, span := tracer.Start(ctx, "Runner.execute")
	defer span.End()

	name := fmt.Sprintf("grader-%s-%s", r.Config.InstanceID, uuid.NewString())
	spec := sandbox.Spec{
		Image:       r.Config.Image,
		Command:     append(append([]string{}, r.Config.Entrypoint...), filename),
		Name:        name,
		Labels:      map[string]string{InstanceLabel: r.Config.InstanceID},
		Binds:       []string{stagingDir + ":" + sandboxMount},
		User:        fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		WorkingDir:  sandboxMount,
		NetworkMode: r.Config.NetworkMode,
	}

	handle, err = r.Runtime.Create(ctx, spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create sandbox")
		return handle, false, err
	}

	span.AddEvent("sandbox started", trace.WithAttributes(attribute.String("handle", handle)))

	timeout := time.Duration(r.Config.TimeoutSecs) * time.Second
	outcome, err := r.Runtime.Wait(ctx, handle, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to wait for sandbox")
		return handle, false, err
	}

	if outcome == sandbox.WaitTimedOut {
		span.AddEvent("sandbox timed out")
		grace := time.Duration(r.Config.StopGraceSecs) * time.Second
		if err := r.Runtime.Stop(ctx, handle, grace); err != nil {
			span.RecordError(err)
			logger.Logger.WarnContext(ctx, "failed to stop timed out sandbox",
				"handle", handle, "error", err)
		}
		return handle, true, nil
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "sandbox exited")
	return handle, false, nil
}

func (r *Runner) upload(
	ctx context.Context,
	span trace.Span,
	entry types.QueueEntry,
	output string,
	forceFail bool,
	startTime float64,
) error {
	err := r.Queue.UploadResult(ctx, entry.ID, output, forceFail, startTime)
	if err != nil {
		// Not fatal to the worker, the submission stays ungraded.
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload result")
		logger.Logger.ErrorContext(ctx, "failed to upload result",
			"submission", entry.ID, "error", err)
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "graded submission")
	return nil
}

// cleanupStaging deletes the staging directory. A direct removal can fail
// when the sandboxed process left files owned by a different uid; in that
// case a privileged one-shot container empties the directory first and the
// then-empty directory is removed directly.
func (r *Runner) cleanupStaging(ctx context.Context, stagingDir string) {
	ctx, span := tracer.Start(ctx, "Runner.cleanupStaging", trace.WithAttributes(
		attribute.String("dir", stagingDir),
	))
	defer span.End()

	err := os.RemoveAll(stagingDir)
	if err == nil {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "removed staging directory")
		return
	}

	span.AddEvent("direct removal failed, trying privileged cleanup",
		trace.WithAttributes(attribute.String("error", err.Error())))

	image := r.Config.CleanupImage
	if image == "" {
		image = r.Config.Image
	}

	name := fmt.Sprintf("grader-%s-cleanup-%s", r.Config.InstanceID, uuid.NewString())
	handle, cerr := r.Runtime.Create(ctx, sandbox.Spec{
		Image:       image,
		Command:     []string{"/bin/sh", "-c", "rm -rf " + sandboxMount + "/* " + sandboxMount + "/.[!.]*"},
		Name:        name,
		Labels:      map[string]string{InstanceLabel: r.Config.InstanceID},
		Binds:       []string{stagingDir + ":" + sandboxMount},
		User:        "0:0",
		NetworkMode: "none",
		Privileged:  true,
	})
	if cerr != nil {
		span.RecordError(cerr)
		span.SetStatus(codes.Error, "failed to run cleanup container")
		logger.Logger.ErrorContext(ctx, "failed to clean staging directory",
			"dir", stagingDir, "error", cerr)
		return
	}

	grace := time.Duration(r.Config.StopGraceSecs) * time.Second
	if _, werr := r.Runtime.Wait(ctx, handle, grace+30*time.Second); werr != nil {
		span.RecordError(werr)
	}
	if rerr := r.Runtime.Remove(ctx, handle, true); rerr != nil {
		span.RecordError(rerr)
	}

	if err := os.RemoveAll(stagingDir); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to remove staging directory")
		logger.Logger.ErrorContext(ctx, "failed to remove staging directory",
			"dir", stagingDir, "error", err)
		return
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "removed staging directory after privileged cleanup")
}

// Sweep removes leftovers from a previous run of this instance: containers
// still carrying the instance label and staging directories still matching
// the instance prefix. Safe to call when there is nothing to clean.
func (r *Runner) Sweep(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Runner.Sweep")
	defer span.End()

	handles, err := r.Runtime.ListLabeled(ctx, InstanceLabel, r.Config.InstanceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list leftover sandboxes")
		return err
	}

	for _, handle := range handles {
		logger.Logger.InfoContext(ctx, "removing leftover sandbox", "handle", handle)
		if err := r.Runtime.Remove(ctx, handle, true); err != nil {
			span.RecordError(err)
			logger.Logger.WarnContext(ctx, "failed to remove leftover sandbox",
				"handle", handle, "error", err)
		}
	}

	leftovers, err := filepath.Glob(filepath.Join(r.stagingParent(), r.stagingPrefix()+"*"))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to glob staging directories")
		return err
	}

	for _, dir := range leftovers {
		logger.Logger.InfoContext(ctx, "removing leftover staging directory", "dir", dir)
		r.cleanupStaging(ctx, dir)
	}

	span.SetAttributes(
		attribute.Int("sandboxes", len(handles)),
		attribute.Int("staging_dirs", len(leftovers)),
	)
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "swept leftovers")
	return nil
}
