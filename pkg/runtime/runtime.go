// Package runtime wraps the sandbox container runtime. The pool and the
// dispatcher only see the Runtime interface; tests substitute a fake.
package runtime

import (
	"context"
	"io"
	"time"
)

// Mount is one bind mount into the sandbox.
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// Spec describes one sandbox container.
type Spec struct {
	Name        string
	Image       string
	Env         []string
	Mounts      []Mount
	MemoryLimit int64   // bytes, 0 for unlimited
	CPULimit    float64 // cores, 0 for unlimited
}

// Runtime is the sandbox lifecycle the dispatcher depends on.
type Runtime interface {
	PullImage(ctx context.Context, imageRef string) error
	// Create builds the container from the spec without starting it.
	Create(ctx context.Context, spec *Spec) error
	// Start runs the container task with the given stdio. stdin carries
	// the bootstrap document; stdout is the agent's framed result stream.
	Start(ctx context.Context, name string, stdin io.Reader, stdout, stderr io.Writer) error
	// Wait blocks until the container task exits and returns the exit code.
	Wait(ctx context.Context, name string) (uint32, error)
	// Stop terminates the task gracefully, escalating to SIGKILL after
	// the timeout.
	Stop(ctx context.Context, name string, timeout time.Duration) error
	// Delete removes the container and its snapshot.
	Delete(ctx context.Context, name string) error
	IsRunning(ctx context.Context, name string) bool
	Close() error
}
