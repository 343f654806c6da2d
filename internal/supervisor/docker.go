package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// containerSessionDir is where the session directory is mounted.
	containerSessionDir = "/session"
	stopTimeoutSecs     = 5

	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	pidsLimit        = 256
)

// DockerLauncher runs each engine in its own container. Host networking
// lets the engine reach the callback and opponent URLs unchanged.
type DockerLauncher struct {
	cli     *client.Client
	image   string
	command []string
	logger  *slog.Logger
}

// NewDockerLauncher connects to the Docker daemon from the environment.
func NewDockerLauncher(image string, command []string, logger *slog.Logger) (*DockerLauncher, error) {
	if image == "" {
		return nil, errors.New("docker engine image is empty")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Docker client initialized", "image", image)
	return &DockerLauncher{cli: cli, image: image, command: command, logger: logger}, nil
}

// Launch implements Launcher.
func (d *DockerLauncher) Launch(ctx context.Context, l Layout) (Process, error) {
	dir, err := filepath.Abs(l.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve session dir: %w", err)
	}
	cmd := append(append([]string(nil), d.command...),
		"-c", containerSessionDir+"/"+filepath.Base(l.ConfigPath), "-n", "1")

	config := &container.Config{
		Image: d.image,
		Cmd:   cmd,
		Env:   []string{"PYTHONUNBUFFERED=1"},
		Labels: map[string]string{
			"parley.experiment": filepath.Base(l.Dir),
		},
	}
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode("host"),
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: dir,
			Target: containerSessionDir,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "parley-"+filepath.Base(l.Dir))
	if err != nil {
		return nil, fmt.Errorf("create engine container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			d.logger.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return nil, fmt.Errorf("start engine container %s: %w", resp.ID, err)
	}

	d.logger.Info("Engine container started", "container_id", resp.ID, "experiment", filepath.Base(l.Dir))
	return &dockerProcess{cli: d.cli, id: resp.ID, layout: l, logger: d.logger}, nil
}

type dockerProcess struct {
	cli    *client.Client
	id     string
	layout Layout
	logger *slog.Logger
	once   sync.Once
}

func (p *dockerProcess) Poll(ctx context.Context) (int, bool, error) {
	inspect, err := p.cli.ContainerInspect(ctx, p.id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return -1, true, nil
		}
		return 0, false, fmt.Errorf("inspect engine container %s: %w", p.id, err)
	}
	if inspect.State == nil || inspect.State.Running || inspect.State.Status == "created" {
		return 0, false, nil
	}
	return inspect.State.ExitCode, true, nil
}

func (p *dockerProcess) Kill(ctx context.Context) error {
	timeout := stopTimeoutSecs
	if err := p.cli.ContainerStop(ctx, p.id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop engine container %s: %w", p.id, err)
	}
	return nil
}

// Close copies the container's demultiplexed logs into the layout's files
// and removes the container.
func (p *dockerProcess) Close() error {
	var closeErr error
	p.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		closeErr = errors.Join(p.collectLogs(ctx), p.remove(ctx))
	})
	return closeErr
}

func (p *dockerProcess) collectLogs(ctx context.Context) error {
	logs, err := p.cli.ContainerLogs(ctx, p.id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("read engine logs: %w", err)
	}
	defer logs.Close()

	stdout, err := os.Create(p.layout.StdoutPath)
	if err != nil {
		return fmt.Errorf("create stdout log: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(p.layout.StderrPath)
	if err != nil {
		return fmt.Errorf("create stderr log: %w", err)
	}
	defer stderr.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
		return fmt.Errorf("demux engine logs: %w", err)
	}
	return nil
}

func (p *dockerProcess) remove(ctx context.Context) error {
	if err := p.cli.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("remove engine container %s: %w", p.id, err)
	}
	p.logger.Debug("Engine container removed", "container_id", p.id)
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
