package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"

	"github.com/chatrunner/chatrunner/internal/common/config"
)

// dockerRuntime optionally runs an executor's binary inside a container
// instead of directly on the host, grounded on
// internal/agent/docker/client.go's Create/Start/Remove container cycle and
// internal/agent/lifecycle/executor_docker.go's lazy-client-init pattern
// (retried on transient daemon failure rather than built once via
// sync.Once). A RunnerType opts into it by setting binarySpec.dockerImage.
type dockerRuntime struct {
	cfg config.DockerConfig

	cli *dockerclient.Client
}

func newDockerRuntime(cfg config.DockerConfig) *dockerRuntime {
	return &dockerRuntime{cfg: cfg}
}

func (d *dockerRuntime) ensureClient() (*dockerclient.Client, error) {
	if d.cli != nil {
		return d.cli, nil
	}
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if d.cfg.Host != "" {
		opts = append(opts, dockerclient.WithHost(d.cfg.Host))
	}
	if d.cfg.APIVersion != "" {
		opts = append(opts, dockerclient.WithVersion(d.cfg.APIVersion))
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker runtime: new client: %w", err)
	}
	d.cli = cli
	return cli, nil
}

// RunContainerized starts binary+args inside a container bind-mounting
// workspace at /workspace, streaming combined stdout+stderr back through
// the returned SpawnedChild, and removes the container once it exits.
func (d *dockerRuntime) RunContainerized(ctx context.Context, image, binary string, args []string, workspace string, env map[string]string) (*SpawnedChild, error) {
	cli, err := d.ensureClient()
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &container.Config{
		Image:      image,
		Cmd:        append([]string{binary}, args...),
		Env:        envList,
		WorkingDir: "/workspace",
		Tty:        false,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: workspace, Target: "/workspace"},
		},
		NetworkMode: container.NetworkMode(d.cfg.DefaultNetwork),
		AutoRemove:  false,
	}

	resp, err := cli.ContainerCreate(runCtx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("docker runtime: create container: %w", err)
	}
	containerID := resp.ID

	if err := cli.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		cancel()
		return nil, fmt.Errorf("docker runtime: start container: %w", err)
	}

	stdoutCh := make(chan string, 64)
	doneCh := make(chan struct{})
	exitCh := make(chan ExitOutcome, 1)

	go func() {
		defer close(doneCh)
		defer close(stdoutCh)
		defer func() {
			_ = cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		}()

		logs, err := cli.ContainerLogs(runCtx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
		if err == nil {
			defer logs.Close()
			scanner := bufio.NewScanner(io.Reader(logs))
			scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
			for scanner.Scan() {
				select {
				case stdoutCh <- scanner.Text():
				case <-runCtx.Done():
					break
				}
			}
		}

		statusCh, errCh := cli.ContainerWait(context.Background(), containerID, container.WaitConditionNotRunning)
		select {
		case err := <-errCh:
			if err != nil {
				exitCh <- ExitFailure
			} else {
				exitCh <- ExitSuccess
			}
		case status := <-statusCh:
			if status.StatusCode == 0 {
				exitCh <- ExitSuccess
			} else {
				exitCh <- ExitFailure
			}
		}
		close(exitCh)
	}()

	child := &SpawnedChild{
		Stdout:    stdoutCh,
		Stderr:    make(chan string),
		Done:      doneCh,
		ExitCh:    exitCh,
		Cancel:    cancel,
		Wait:      func() error { <-doneCh; return nil },
		SessionID: containerID,
	}
	return child, nil
}

func (d *dockerRuntime) Close() error {
	if d.cli == nil {
		return nil
	}
	return d.cli.Close()
}
