// Package docker implements openswe.SandboxProvider on the Docker Engine API.
// Each sandbox is a long-lived container kept alive with a sleep process;
// commands run through the exec API and files move via the archive API.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	openswe "github.com/openswe/openswe"
)

// defaultImage is the sandbox image used when CreateParams carries no snapshot.
const defaultImage = "openswe/sandbox:latest"

// defaultWorkdir is where repositories are checked out inside the container.
const defaultWorkdir = "/workspace"

// defaultExecTimeout bounds a single command when the request carries none.
const defaultExecTimeout = 2 * time.Minute

// sandboxLabel marks containers owned by this provider so the reaper never
// touches anything else.
const sandboxLabel = "openswe.sandbox"

// Provider implements openswe.SandboxProvider over a Docker daemon.
type Provider struct {
	cli    client.APIClient
	image  string
	logger *slog.Logger
	ports  nat.PortMap
	expose nat.PortSet

	mu         sync.Mutex
	lastAccess map[string]time.Time
	ttl        map[string]time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
}

var _ openswe.SandboxProvider = (*Provider)(nil)

// ProviderOption configures a docker Provider.
type ProviderOption func(*Provider)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// WithImage sets the default container image.
func WithImage(image string) ProviderOption {
	return func(p *Provider) { p.image = image }
}

// WithClient injects a pre-built Docker client, mainly for tests.
func WithClient(cli client.APIClient) ProviderOption {
	return func(p *Provider) { p.cli = cli }
}

// WithPortSpecs publishes ports on every sandbox, using Docker CLI syntax
// (e.g. "127.0.0.1:3000:3000"). Useful for previewing dev servers running
// inside a sandbox.
func WithPortSpecs(specs []string) ProviderOption {
	return func(p *Provider) {
		exposed, bindings, err := nat.ParsePortSpecs(specs)
		if err != nil {
			p.logger.Warn("docker: invalid port specs ignored", "error", err)
			return
		}
		p.expose = exposed
		p.ports = bindings
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewProvider connects to the Docker daemon from the environment
// (DOCKER_HOST et al) and negotiates the API version.
func NewProvider(opts ...ProviderOption) (*Provider, error) {
	p := &Provider{
		image:      defaultImage,
		logger:     slog.New(discardHandler{}),
		lastAccess: make(map[string]time.Time),
		ttl:        make(map[string]time.Duration),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.cli == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("docker: connect: %w", err)
		}
		p.cli = cli
	}
	return p, nil
}

// StartReaper launches the background loop that removes sandboxes idle past
// their auto-delete interval. Call Close to stop it.
func (p *Provider) StartReaper(interval time.Duration) {
	go p.runReaper(interval)
}

// Close stops the reaper and releases the Docker client.
func (p *Provider) Close() error {
	close(p.stopCh)
	<-p.doneCh
	if closer, ok := p.cli.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (p *Provider) runReaper(interval time.Duration) {
	defer close(p.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

// reapIdle collects expired ids under lock, then removes containers outside
// the lock to avoid holding it during daemon round trips.
func (p *Provider) reapIdle() {
	p.mu.Lock()
	var expired []string
	for id, last := range p.lastAccess {
		ttl := p.ttl[id]
		if ttl > 0 && time.Since(last) > ttl {
			expired = append(expired, id)
			delete(p.lastAccess, id)
			delete(p.ttl, id)
		}
	}
	p.mu.Unlock()

	for _, id := range expired {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			p.logger.Warn("docker: reap failed", "sandbox", id, "error", err)
		} else {
			p.logger.Info("docker: idle sandbox reaped", "sandbox", id)
		}
		cancel()
	}
}

func (p *Provider) touch(id string) {
	p.mu.Lock()
	if _, ok := p.lastAccess[id]; ok {
		p.lastAccess[id] = time.Now()
	}
	p.mu.Unlock()
}

// Get inspects the container and maps its state, or returns
// openswe.ErrSandboxNotFound for unknown or reclaimed ids.
func (p *Provider) Get(ctx context.Context, id string) (*openswe.Sandbox, error) {
	info, err := p.cli.ContainerInspect(ctx, id)
	if client.IsErrNotFound(err) {
		return nil, openswe.ErrSandboxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("docker: inspect %s: %w", id, err)
	}
	p.touch(id)
	return &openswe.Sandbox{
		ID:         id,
		State:      mapState(info.State.Status, info.State.Running),
		WorkingDir: defaultWorkdir,
	}, nil
}

func mapState(status string, running bool) openswe.SandboxState {
	switch {
	case running:
		return openswe.SandboxStarted
	case status == "created", status == "exited", status == "paused":
		return openswe.SandboxStopped
	default:
		return openswe.SandboxError
	}
}

// Create starts a fresh container from the snapshot image (or the provider
// default) with a sleep entrypoint so it idles until exec'd into.
func (p *Provider) Create(ctx context.Context, params openswe.CreateParams) (*openswe.Sandbox, error) {
	image := params.Snapshot
	if image == "" {
		image = p.image
	}
	labels := map[string]string{sandboxLabel: "true"}
	for k, v := range params.Labels {
		labels[k] = v
	}

	resp, err := p.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        image,
			Cmd:          []string{"sleep", "infinity"},
			WorkingDir:   defaultWorkdir,
			Labels:       labels,
			ExposedPorts: p.expose,
		},
		&container.HostConfig{PortBindings: p.ports},
		nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("docker: create container: %w", err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("docker: start container: %w", err)
	}

	p.mu.Lock()
	p.lastAccess[resp.ID] = time.Now()
	p.ttl[resp.ID] = params.AutoDeleteInterval
	p.mu.Unlock()

	p.logger.Info("docker: sandbox created", "sandbox", resp.ID, "image", image)
	return &openswe.Sandbox{ID: resp.ID, State: openswe.SandboxStarted, WorkingDir: defaultWorkdir}, nil
}

// Start restarts a stopped container.
func (p *Provider) Start(ctx context.Context, id string) (*openswe.Sandbox, error) {
	if err := p.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return nil, openswe.ErrSandboxNotFound
		}
		return nil, fmt.Errorf("docker: start %s: %w", id, err)
	}
	return p.Get(ctx, id)
}

// Stop stops a running container; stopped containers are a no-op.
func (p *Provider) Stop(ctx context.Context, id string) error {
	info, err := p.cli.ContainerInspect(ctx, id)
	if client.IsErrNotFound(err) {
		return openswe.ErrSandboxNotFound
	}
	if err != nil {
		return fmt.Errorf("docker: inspect %s: %w", id, err)
	}
	if !info.State.Running {
		return nil
	}
	if err := p.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("docker: stop %s: %w", id, err)
	}
	return nil
}

// Delete force-removes the container. Unknown ids are a no-op.
func (p *Provider) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	delete(p.lastAccess, id)
	delete(p.ttl, id)
	p.mu.Unlock()
	err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("docker: remove %s: %w", id, err)
	}
	return nil
}

// Executor returns a command runner bound to the container.
func (p *Provider) Executor(id string) openswe.Executor {
	p.touch(id)
	return &Executor{cli: p.cli, containerID: id, workdir: defaultWorkdir}
}

// --- Executor ---

// Executor runs commands inside one container via the Docker exec API.
type Executor struct {
	cli         client.APIClient
	containerID string
	workdir     string
}

var _ openswe.Executor = (*Executor)(nil)

// Exec creates and attaches an exec instance, streaming demultiplexed output
// until the process exits or the timeout elapses. A non-zero exit is reported
// in the result, not as an error.
func (e *Executor) Exec(ctx context.Context, req openswe.ExecRequest) (openswe.ExecResult, error) {
	if len(req.Command) == 0 {
		return openswe.ExecResult{}, fmt.Errorf("docker: empty command")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cwd := req.Cwd
	if cwd == "" {
		cwd = e.workdir
	}
	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	created, err := e.cli.ContainerExecCreate(ctx, e.containerID, container.ExecOptions{
		Cmd:          req.Command,
		WorkingDir:   cwd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return openswe.ExecResult{}, fmt.Errorf("docker: exec create: %w", err)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return openswe.ExecResult{}, fmt.Errorf("docker: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- err
	}()

	select {
	case <-ctx.Done():
		return openswe.ExecResult{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			TimedOut: true,
		}, nil
	case err := <-copyDone:
		if err != nil && err != io.EOF {
			return openswe.ExecResult{}, fmt.Errorf("docker: exec stream: %w", err)
		}
	}

	insp, err := e.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return openswe.ExecResult{}, fmt.Errorf("docker: exec inspect: %w", err)
	}
	return openswe.ExecResult{
		ExitCode: insp.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// ReadFile copies a single file out of the container.
func (e *Executor) ReadFile(ctx context.Context, path string) ([]byte, error) {
	rc, _, err := e.cli.CopyFromContainer(ctx, e.containerID, path)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("docker: %s: file not found", path)
		}
		return nil, fmt.Errorf("docker: copy from container: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("docker: %s: not a regular file", path)
		}
		if err != nil {
			return nil, fmt.Errorf("docker: read archive: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

// WriteFile copies a single file into the container, creating the parent
// directory first.
func (e *Executor) WriteFile(ctx context.Context, path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "/" && dir != "." {
		res, err := e.Exec(ctx, openswe.ExecRequest{Command: []string{"mkdir", "-p", dir}})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("docker: mkdir %s: %s", dir, strings.TrimSpace(res.Stderr))
		}
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filepath.Base(path),
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("docker: write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("docker: write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("docker: close tar: %w", err)
	}

	if err := e.cli.CopyToContainer(ctx, e.containerID, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("docker: copy to container: %w", err)
	}
	return nil
}
