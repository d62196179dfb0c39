package sandbox

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Ensure DockerRuntime implements Runtime interface.
var _ Runtime = (*DockerRuntime)(nil)

// DockerRuntime drives the docker daemon through its API client. Its Wait
// honors the timeout natively via a context deadline on the wait call.
type DockerRuntime struct {
	cli *client.Client
}

func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	return &DockerRuntime{cli: cli}, nil
}

func (d *DockerRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	ctx, span := tracer.Start(ctx, "DockerRuntime.Create", trace.WithAttributes(
		attribute.String("image", spec.Image),
		attribute.String("name", spec.Name),
	))
	defer span.End()

	created, err := d.cli.ContainerCreate(
		ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        spec.Command,
			User:       spec.User,
			WorkingDir: spec.WorkingDir,
			Labels:     spec.Labels,
		},
		&container.HostConfig{
			Binds:       spec.Binds,
			NetworkMode: container.NetworkMode(spec.NetworkMode),
			Privileged:  spec.Privileged,
		},
		nil,
		nil,
		spec.Name,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create container")
		return "", err
	}

	err = d.cli.ContainerStart(ctx, created.ID, container.StartOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start container")
		return created.ID, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "created container")
	return created.ID, nil
}

func (d *DockerRuntime) Wait(
	ctx context.Context,
	handle string,
	timeout time.Duration,
) (WaitOutcome, error) {
	ctx, span := tracer.Start(ctx, "DockerRuntime.Wait", trace.WithAttributes(
		attribute.String("handle", handle),
	))
	defer span.End()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	okCh, errCh := d.cli.ContainerWait(waitCtx, handle, container.WaitConditionNotRunning)
	select {
	case <-okCh:
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "container exited")
		return WaitExited, nil
	case err := <-errCh:
		if errors.Is(err, context.DeadlineExceeded) {
			span.AddEvent("wait deadline exceeded")
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "container timed out")
			return WaitTimedOut, nil
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to wait for container")
		return WaitExited, err
	}
}

func (d *DockerRuntime) Logs(ctx context.Context, handle string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "DockerRuntime.Logs", trace.WithAttributes(
		attribute.String("handle", handle),
	))
	defer span.End()

	stream, err := d.cli.ContainerLogs(ctx, handle, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open log stream")
		return nil, err
	}

	// The daemon multiplexes stdout and stderr onto one stream with frame
	// headers. Demultiplex through a pipe so callers see plain bytes without
	// buffering the whole log.
	pr, pw := io.Pipe()
	go func() {
		defer stream.Close()
		_, err := stdcopy.StdCopy(pw, pw, stream)
		pw.CloseWithError(err)
	}()

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "opened log stream")
	return pr, nil
}

func (d *DockerRuntime) Stop(ctx context.Context, handle string, grace time.Duration) error {
	ctx, span := tracer.Start(ctx, "DockerRuntime.Stop", trace.WithAttributes(
		attribute.String("handle", handle),
	))
	defer span.End()

	graceSecs := int(grace.Seconds())
	err := d.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &graceSecs})
	if err != nil && !stopRaceError(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to stop container")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "stopped container")
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, handle string, force bool) error {
	ctx, span := tracer.Start(ctx, "DockerRuntime.Remove", trace.WithAttributes(
		attribute.String("handle", handle),
		attribute.Bool("force", force),
	))
	defer span.End()

	err := d.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: force})
	if err != nil && !errdefs.IsNotFound(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to remove container")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "removed container")
	return nil
}

func (d *DockerRuntime) ListLabeled(ctx context.Context, key, value string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "DockerRuntime.ListLabeled", trace.WithAttributes(
		attribute.String("label", key+"="+value),
	))
	defer span.End()

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", key+"="+value)),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list containers")
		return nil, err
	}

	handles := make([]string, 0, len(containers))
	for _, c := range containers {
		handles = append(handles, c.ID)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "listed containers")
	return handles, nil
}

// stopRaceError reports whether a stop failure just means the container beat
// us to exiting. The daemon kill can race with the process's own natural
// exit; that race is tolerated.
func stopRaceError(err error) bool {
	if errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return true
	}
	return strings.Contains(err.Error(), "is not running")
}
