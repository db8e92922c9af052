// Docker-backed implementation of Runtime, using the official Docker Go
// SDK — the dependency gardener-gardener's own go.mod carries
// (github.com/docker/docker, github.com/docker/go-connections) for its
// own container tooling; the orchestrator needs the same
// containers.run/get/list/stop/remove surface original_source's Python
// `docker` SDK calls in provisioner.py, so this adopts the Go
// equivalent rather than hand-rolling a REST client against the Docker
// Engine API.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerRuntime wraps a Docker Engine API client.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the Docker daemon using the standard
// environment-based configuration (DOCKER_HOST, DOCKER_CERT_PATH, ...).
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("runtime: connect to docker: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

func (d *DockerRuntime) Run(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	exposed := make(nat.PortSet)
	bindings := make(nat.PortMap)
	for portProto, hostPort := range spec.PortBindings {
		proto, port := nat.SplitProtoPort(portProto)
		p, err := nat.NewPort(proto, port)
		if err != nil {
			return "", fmt.Errorf("runtime: invalid port %q: %w", portProto, err)
		}
		exposed[p] = struct{}{}
		if hostPort > 0 {
			bindings[p] = []nat.PortBinding{{HostPort: fmt.Sprintf("%d", hostPort)}}
		}
	}

	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name: spec.RestartPolicy,
		},
	}
	if spec.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.NetworkMode)
	}

	var netCfg *network.NetworkingConfig
	if spec.NetworkMode != "" && hostCfg.NetworkMode.IsUserDefined() {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.NetworkMode: {},
			},
		}
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
		Cmd:          spec.Cmd,
	}

	created, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("runtime: create container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("runtime: start container: %w", err)
	}
	return created.ID, nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, containerID string) (ContainerInfo, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	j, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("runtime: inspect: %w", err)
	}
	info := ContainerInfo{
		ID:     j.ID,
		Name:   j.Name,
		Labels: j.Config.Labels,
	}
	if j.State != nil {
		info.Status = j.State.Status
		if j.State.Health != nil {
			info.Health = j.State.Health.Status
		}
	}
	return info, nil
}

func (d *DockerRuntime) Restart(ctx context.Context, containerID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	timeout := 10
	if err := d.cli.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("runtime: restart: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Stop(ctx context.Context, containerID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	timeout := 10
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("runtime: stop: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, containerID string, force bool) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := d.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("runtime: remove: %w", err)
	}
	return nil
}

func (d *DockerRuntime) List(ctx context.Context, labelKey, labelValue string) ([]ContainerInfo, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	f := filters.NewArgs()
	f.Add("label", fmt.Sprintf("%s=%s", labelKey, labelValue))
	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("runtime: list: %w", err)
	}
	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		out = append(out, ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Status: c.State,
			Labels: c.Labels,
		})
	}
	return out, nil
}

// withTimeout is a small helper mirroring the donor's preference for
// bounded outbound calls (§5: container runtime calls use a 30s
// timeout).
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 30*time.Second)
}
