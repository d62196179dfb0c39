// Package sandbox abstracts the container runtime used to execute untrusted
// submissions. Two backends are supported: the docker API client, whose wait
// call honors a deadline natively, and the podman CLI, which has to be polled.
// Callers treat both uniformly through the Runtime interface.
package sandbox

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer(
	"github.com/itsec-board/scoreboard/grader/internal/sandbox",
)

// Spec describes one container to create and start.
type Spec struct {
	Image       string
	Command     []string
	Name        string
	Labels      map[string]string
	Binds       []string
	User        string
	WorkingDir  string
	NetworkMode string
	Privileged  bool
}

type WaitOutcome int

const (
	WaitExited WaitOutcome = iota
	WaitTimedOut
)

// Runtime is the surface the execution worker needs from a container engine.
// Handles returned by Create are opaque; every other method takes one back.
type Runtime interface {
	// Create creates and starts a container for spec.
	Create(ctx context.Context, spec Spec) (string, error)
	// Wait blocks until the container exits or timeout elapses. A timeout is
	// reported through the outcome, not an error.
	Wait(ctx context.Context, handle string, timeout time.Duration) (WaitOutcome, error)
	// Logs streams the container's combined stdout and stderr.
	Logs(ctx context.Context, handle string) (io.ReadCloser, error)
	// Stop asks the container to stop, killing it after grace. Stopping an
	// already-exited or missing container is not an error.
	Stop(ctx context.Context, handle string, grace time.Duration) error
	// Remove deletes the container. Removing a missing container is not an
	// error.
	Remove(ctx context.Context, handle string, force bool) error
	// ListLabeled returns handles of all containers carrying the given label,
	// running or not.
	ListLabeled(ctx context.Context, key, value string) ([]string, error)
}
