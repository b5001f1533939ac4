package sandbox

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path"
	"strings"

	"github.com/google/uuid"
	shellquote "github.com/kballard/go-shellquote"
)

// projectLabel marks containers with the project that owns them
const projectLabel = "sandbox-builder.project"

// DockerProvider implements Provider with the docker or podman CLI.
// Each sandbox is a long-running container idling on sleep.
type DockerProvider struct {
	// Command is the container command to use (docker or podman)
	Command string
	Image   string
	// Workdir is the directory relative file paths resolve against
	Workdir string
	// HostPattern maps {port} and {id} to an externally reachable host
	HostPattern string
	// Prefix is prepended to generated container names
	Prefix string

	Logger *slog.Logger
}

// NewDockerProvider creates a provider for the given container command
func NewDockerProvider(command, image, workdir, hostPattern string, logger *slog.Logger) (*DockerProvider, error) {
	if command == "" {
		command = "docker"
	}
	if _, err := exec.LookPath(command); err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", command, err)
	}
	return &DockerProvider{
		Command:     command,
		Image:       image,
		Workdir:     workdir,
		HostPattern: hostPattern,
		Prefix:      "sb-",
		Logger:      logger,
	}, nil
}

// Name returns the runtime identifier
func (p *DockerProvider) Name() string {
	return p.Command
}

// runCmd executes a docker/podman command
func (p *DockerProvider) runCmd(ctx context.Context, stdin []byte, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, p.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if isMissingContainer(msg) {
			return "", fmt.Errorf("%s %s: %s: %w", p.Command, args[0], msg, ErrGone)
		}
		return "", fmt.Errorf("%s %s failed: %s: %w", p.Command, args[0], msg, err)
	}
	return stdout.String(), nil
}

func isMissingContainer(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") ||
		strings.Contains(s, "no such object") ||
		strings.Contains(s, "is not running")
}

// Create starts a new idle container
func (p *DockerProvider) Create(ctx context.Context, opts ProviderOptions) (Conn, error) {
	name := p.Prefix + uuid.NewString()[:8]
	p.Logger.Debug("creating container", "name", name, "runtime", p.Command, "image", p.Image)

	args := []string{"run", "-d", "--name", name, "-w", p.Workdir}
	if opts.ProjectID != "" {
		args = append(args, "--label", projectLabel+"="+opts.ProjectID)
	}
	for k, v := range opts.Labels {
		args = append(args, "--label", k+"="+v)
	}
	args = append(args, p.Image, "sleep", "infinity")

	if _, err := p.runCmd(ctx, nil, args...); err != nil {
		return nil, err
	}
	return &dockerConn{provider: p, name: name}, nil
}

// Connect attaches to an existing container if it is still running
func (p *DockerProvider) Connect(ctx context.Context, id string) (Conn, error) {
	out, err := p.runCmd(ctx, nil, "inspect", "-f", "{{.State.Running}}", id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out) != "true" {
		return nil, fmt.Errorf("container %s is not running: %w", id, ErrGone)
	}
	return &dockerConn{provider: p, name: id}, nil
}

type dockerConn struct {
	provider *DockerProvider
	name     string
}

func (c *dockerConn) ID() string {
	return c.name
}

func (c *dockerConn) resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(c.provider.Workdir, p)
}

// Kill removes the container, treating an already missing container as success
func (c *dockerConn) Kill(ctx context.Context) error {
	c.provider.Logger.Debug("destroying container", "container", c.name)
	_, err := c.provider.runCmd(ctx, nil, "rm", "-f", c.name)
	if stderrors.Is(err, ErrGone) {
		return nil
	}
	return err
}

func (c *dockerConn) ReadFile(ctx context.Context, p string) ([]byte, error) {
	out, err := c.provider.runCmd(ctx, nil, "exec", c.name, "cat", "--", c.resolve(p))
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func (c *dockerConn) WriteFile(ctx context.Context, p string, data []byte) error {
	full := c.resolve(p)
	script := fmt.Sprintf("mkdir -p %s && cat > %s", shellquote.Join(path.Dir(full)), shellquote.Join(full))
	_, err := c.provider.runCmd(ctx, data, "exec", "-i", c.name, "sh", "-c", script)
	return err
}

func (c *dockerConn) ListFiles(ctx context.Context, dir string) ([]FileInfo, error) {
	full := c.resolve(dir)
	out, err := c.provider.runCmd(ctx, nil, "exec", c.name,
		"find", full, "-mindepth", "1", "-maxdepth", "1", "-printf", `%y %f\n`)
	if err != nil {
		return nil, err
	}

	var files []FileInfo
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		kind, name, ok := strings.Cut(line, " ")
		if !ok || name == "" {
			continue
		}
		files = append(files, FileInfo{
			Name:  name,
			Path:  path.Join(full, name),
			IsDir: kind == "d",
		})
	}
	return files, nil
}

func (c *dockerConn) Run(ctx context.Context, command string, opts RunOptions) (*RunResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := []string{"exec"}
	if opts.Background {
		args = append(args, "-d")
	}
	if opts.Dir != "" {
		args = append(args, "-w", c.resolve(opts.Dir))
	}
	args = append(args, c.name, "sh", "-c", command)

	cmd := exec.CommandContext(ctx, c.provider.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if !stderrors.As(err, &exitErr) {
			return result, fmt.Errorf("exec failed: %w", err)
		}
		if isMissingContainer(result.Stderr) {
			return result, fmt.Errorf("exec in %s: %s: %w", c.name, strings.TrimSpace(result.Stderr), ErrGone)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

func (c *dockerConn) Host(port int) string {
	return hostFromPattern(c.provider.HostPattern, port, c.name)
}

// Ensure DockerProvider implements Provider
var _ Provider = (*DockerProvider)(nil)
