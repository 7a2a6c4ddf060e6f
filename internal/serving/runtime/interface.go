// Package runtime launches prediction server instances on a serving backend.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnknownRef is returned by Attach when the reference does not name an instance.
var ErrUnknownRef = errors.New("unknown instance reference")

// Runtime starts prediction servers and re-attaches to ones started earlier.
// Implementations include local processes, Docker containers and Kubernetes pods.
type Runtime interface {
	// Name identifies the backend, e.g. "exec".
	Name() string

	// Start launches a server instance. It returns once the instance is launched,
	// not when it is ready to serve.
	Start(ctx context.Context, opts StartOptions) (Handle, error)

	// Attach returns a handle to an instance started by another process.
	Attach(ctx context.Context, ref string) (Handle, error)
}

// StartOptions contains the parameters for starting a prediction server.
type StartOptions struct {
	// Name is a stable instance name, unique per service record.
	Name     string
	ModelURI string
	Workers  int
	Env      map[string]string
}

// ExitResult describes how an instance terminated.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents a launched server instance.
type Handle interface {
	// Ref is the backend specific reference persisted in the registry.
	Ref() string

	// Endpoint is the base URL of the server. Empty for attached handles.
	Endpoint() string

	// Wait blocks until the instance exits.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop terminates the instance. Stopping an exited instance is not an error.
	Stop(ctx context.Context) error

	// StreamLogs returns the instance's stdout/stderr.
	StreamLogs(ctx context.Context) (io.ReadCloser, error)
}

// predictorArgs is the predictor command line for opts listening on
// host:port. An empty host listens on all interfaces.
func predictorArgs(opts StartOptions, host string, port int) []string {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	args := []string{
		"--model-uri", opts.ModelURI,
		"--port", strconv.Itoa(port),
		"--workers", strconv.Itoa(workers),
	}
	if host != "" {
		args = append(args, "--host", host)
	}
	return args
}

func mapToEnvList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// instanceName turns name into a DNS-1123 label prefixed with "modelplane-".
func instanceName(name string) string {
	n := invalidNameChars.ReplaceAllString(strings.ToLower(name), "-")
	n = strings.Trim("modelplane-"+n, "-")
	if len(n) > 63 {
		n = strings.TrimRight(n[:63], "-")
	}
	return n
}
