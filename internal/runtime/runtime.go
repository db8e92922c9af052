// Package runtime defines the container-runtime client contract the
// Engine Controller and VPN Coordinator depend on (§6 "Container
// runtime"): run/get/list/reload/restart/stop/remove, label-based
// filtering, and reading the container's health status. The interface
// lets tests substitute a fake instead of a live Docker daemon.
package runtime

import "context"

// ContainerSpec describes a container to create. It covers exactly the
// fields spec §6 names: image, env, labels, ports, network_mode,
// restart_policy, cmd.
type ContainerSpec struct {
	Image         string
	Name          string
	Env           map[string]string
	Labels        map[string]string
	// PortBindings maps "containerPort/tcp" to a host port (0 means "no
	// host binding", used when the engine joins a VPN's network
	// namespace instead of publishing directly).
	PortBindings map[string]int
	// NetworkMode is either "" (bridge/default), a named Docker network,
	// or "container:<id>" to share another container's network
	// namespace (how an engine joins its VPN sidecar).
	NetworkMode string
	RestartPolicy string // e.g. "unless-stopped"
	Cmd           []string
}

// ContainerInfo is the subset of container state the orchestrator reads
// back.
type ContainerInfo struct {
	ID     string
	Name   string
	Status string // "running", "created", "exited", ...
	Health string // "", "starting", "healthy", "unhealthy"
	Labels map[string]string
}

// Running reports whether the container is observed as running.
func (c ContainerInfo) Running() bool { return c.Status == "running" }

// Runtime is a Docker-API-compatible container client.
type Runtime interface {
	Run(ctx context.Context, spec ContainerSpec) (string, error)
	Inspect(ctx context.Context, containerID string) (ContainerInfo, error)
	Restart(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string, force bool) error
	// List returns every container carrying the given label key=value.
	List(ctx context.Context, labelKey, labelValue string) ([]ContainerInfo, error)
}
