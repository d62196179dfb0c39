package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/itsec-board/scoreboard/cmd/grader/internal/command"
)

// Ensure PodmanRuntime implements Runtime interface.
var _ Runtime = (*PodmanRuntime)(nil)

const defaultStatePollInterval = 2 * time.Second

// PodmanRuntime shells out to the podman binary. Podman has no wait call with
// a deadline we can use through the CLI, so Wait polls the container state at
// a fixed interval and compares elapsed wall-clock time against the timeout.
type PodmanRuntime struct {
	exec     command.Executor
	binary   string
	interval time.Duration
}

func NewPodmanRuntime(exec command.Executor, binary string) *PodmanRuntime {
	return &PodmanRuntime{
		exec:     exec,
		binary:   binary,
		interval: defaultStatePollInterval,
	}
}

func (p *PodmanRuntime) run(ctx context.Context, args ...string) (*command.Result, error) {
	return p.exec.Execute(ctx, command.New(p.binary, args...))
}

func (p *PodmanRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	ctx, span := tracer.Start(ctx, "PodmanRuntime.Create", trace.WithAttributes(
		attribute.String("image", spec.Image),
		attribute.String("name", spec.Name),
	))
	defer span.End()

	args := []string{"run", "--detach"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	for k, v := range spec.Labels {
		args = append(args, "--label", k+"="+v)
	}
	for _, bind := range spec.Binds {
		args = append(args, "--volume", bind)
	}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	if spec.WorkingDir != "" {
		args = append(args, "--workdir", spec.WorkingDir)
	}
	if spec.NetworkMode != "" {
		args = append(args, "--network", spec.NetworkMode)
	}
	if spec.Privileged {
		args = append(args, "--privileged")
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	result, err := p.run(ctx, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to run podman")
		return "", err
	}
	if result.ExitCode != 0 {
		err = fmt.Errorf("podman run failed: %s", bytes.TrimSpace(result.Stderr))
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create container")
		return "", err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "created container")
	return string(bytes.TrimSpace(result.Stdout)), nil
}

func (p *PodmanRuntime) Wait(
	ctx context.Context,
	handle string,
	timeout time.Duration,
) (WaitOutcome, error) {
	ctx, span := tracer.Start(ctx, "PodmanRuntime.Wait", trace.WithAttributes(
		attribute.String("handle", handle),
	))
	defer span.End()

	started := time.Now()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		result, err := p.run(ctx, "inspect", "--format", "{{.State.Running}}", handle)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to inspect container")
			return WaitExited, err
		}
		if result.ExitCode != 0 {
			// Gone already, count it as exited.
			span.AddEvent("container missing during wait")
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "container exited")
			return WaitExited, nil
		}
		if string(bytes.TrimSpace(result.Stdout)) != "true" {
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "container exited")
			return WaitExited, nil
		}

		if time.Since(started) >= timeout {
			span.AddEvent("wait deadline exceeded")
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "container timed out")
			return WaitTimedOut, nil
		}

		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, "wait canceled")
			return WaitExited, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *PodmanRuntime) Logs(ctx context.Context, handle string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "PodmanRuntime.Logs", trace.WithAttributes(
		attribute.String("handle", handle),
	))
	defer span.End()

	result, err := p.run(ctx, "logs", handle)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to collect logs")
		return nil, err
	}
	if result.ExitCode != 0 {
		err = fmt.Errorf("podman logs failed: %s", bytes.TrimSpace(result.Stderr))
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to collect logs")
		return nil, err
	}

	combined := make([]byte, 0, len(result.Stdout)+len(result.Stderr))
	combined = append(combined, result.Stdout...)
	combined = append(combined, result.Stderr...)

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "collected logs")
	return io.NopCloser(bytes.NewReader(combined)), nil
}

func (p *PodmanRuntime) Stop(ctx context.Context, handle string, grace time.Duration) error {
	ctx, span := tracer.Start(ctx, "PodmanRuntime.Stop", trace.WithAttributes(
		attribute.String("handle", handle),
	))
	defer span.End()

	result, err := p.run(ctx, "stop", "--time", fmt.Sprint(int(grace.Seconds())), handle)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to stop container")
		return err
	}
	if result.ExitCode != 0 && !podmanGoneError(result.Stderr) {
		err = fmt.Errorf("podman stop failed: %s", bytes.TrimSpace(result.Stderr))
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to stop container")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "stopped container")
	return nil
}

func (p *PodmanRuntime) Remove(ctx context.Context, handle string, force bool) error {
	ctx, span := tracer.Start(ctx, "PodmanRuntime.Remove", trace.WithAttributes(
		attribute.String("handle", handle),
		attribute.Bool("force", force),
	))
	defer span.End()

	args := []string{"rm"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, handle)

	result, err := p.run(ctx, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to remove container")
		return err
	}
	if result.ExitCode != 0 && !podmanGoneError(result.Stderr) {
		err = fmt.Errorf("podman rm failed: %s", bytes.TrimSpace(result.Stderr))
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to remove container")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "removed container")
	return nil
}

func (p *PodmanRuntime) ListLabeled(ctx context.Context, key, value string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "PodmanRuntime.ListLabeled", trace.WithAttributes(
		attribute.String("label", key+"="+value),
	))
	defer span.End()

	result, err := p.run(
		ctx,
		"ps", "--all",
		"--filter", "label="+key+"="+value,
		"--format", "{{.ID}}",
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list containers")
		return nil, err
	}
	if result.ExitCode != 0 {
		err = fmt.Errorf("podman ps failed: %s", bytes.TrimSpace(result.Stderr))
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list containers")
		return nil, err
	}

	var handles []string
	for _, line := range strings.Split(string(result.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			handles = append(handles, line)
		}
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "listed containers")
	return handles, nil
}

func podmanGoneError(stderr []byte) bool {
	s := strings.ToLower(string(stderr))
	return strings.Contains(s, "no such container") ||
		strings.Contains(s, "is not running") ||
		strings.Contains(s, "already stopped")
}
