package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/testerman/testerman/internal/common/logger"
	"go.uber.org/zap"
)

// DockerConfig parameterizes containerized TE execution.
type DockerConfig struct {
	Host    string // docker daemon address; empty uses the environment
	Image   string // image the TEs run in
	DocRoot string // host docroot, bind-mounted at the same path
}

// DockerRunner executes TEs inside containers.
//
// The docroot is bind-mounted read-write at its host path, so the staged
// package, session files and log filenames the server computed remain
// valid inside the container.
type DockerRunner struct {
	cli *client.Client
	cfg DockerConfig
	log *logger.Logger
}

// NewDockerRunner builds a container-backed TE runner.
func NewDockerRunner(cfg DockerConfig, log *logger.Logger) (*DockerRunner, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create docker client: %w", err)
	}
	return &DockerRunner{
		cli: cli,
		cfg: cfg,
		log: log.WithFields(zap.String("component", "te-docker-runner")),
	}, nil
}

// Close releases the docker client.
func (r *DockerRunner) Close() error { return r.cli.Close() }

// Start implements Runner.
func (r *DockerRunner) Start(ctx context.Context, req StartRequest) (Process, error) {
	name := fmt.Sprintf("testerman-te-%d", time.Now().UnixNano())
	containerCfg := &container.Config{
		Image:      r.cfg.Image,
		Cmd:        req.Args,
		Env:        req.Env,
		WorkingDir: req.Dir,
		Labels:     map[string]string{"io.testerman.role": "te"},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: r.cfg.DocRoot,
			Target: r.cfg.DocRoot,
		}},
	}
	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("unable to create TE container: %w", err)
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("unable to start TE container: %w", err)
	}
	r.log.Info("test executable container started",
		zap.String("container_id", resp.ID),
		zap.String("image", r.cfg.Image))
	return &dockerProcess{cli: r.cli, id: resp.ID}, nil
}

type dockerProcess struct {
	cli *client.Client
	id  string
}

// PID is not meaningful for containers.
func (p *dockerProcess) PID() int { return 0 }

func (p *dockerProcess) Signal(sig Signal) error {
	ctx := context.Background()
	switch sig {
	case SignalPause:
		return p.cli.ContainerPause(ctx, p.id)
	case SignalResume:
		return p.cli.ContainerUnpause(ctx, p.id)
	case SignalInterrupt:
		return p.cli.ContainerKill(ctx, p.id, "SIGINT")
	case SignalActionPerformed:
		return p.cli.ContainerKill(ctx, p.id, "SIGUSR1")
	case SignalKill:
		return p.cli.ContainerKill(ctx, p.id, "SIGKILL")
	default:
		return fmt.Errorf("unsupported signal %q", sig)
	}
}

func (p *dockerProcess) Wait() (ExitStatus, error) {
	ctx := context.Background()
	statusCh, errCh := p.cli.ContainerWait(ctx, p.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return ExitStatus{}, fmt.Errorf("wait on TE container: %w", err)
	case status := <-statusCh:
		_ = p.cli.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true})
		code := int(status.StatusCode)
		if code > 128 {
			// Containers report a terminating signal as 128+n.
			return ExitStatus{Signal: code - 128, Signaled: true}, nil
		}
		return ExitStatus{Code: code}, nil
	}
}
