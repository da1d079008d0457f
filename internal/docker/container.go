package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/splax/sitestack/pkg/retry"
)

// Mount binds a host directory into the container.
type Mount struct {
	Source string
	Target string
}

// ContainerSpec describes an environment container.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           []string
	Mounts        []Mount
	HostPort      int
	ContainerPort int
	MemoryMB      int
	CPUs          float64
	Labels        map[string]string
}

// ContainerInfo captures minimal runtime details about a started container.
type ContainerInfo struct {
	ID          string
	PortBinding nat.PortMap
}

// PullOutputCallback is invoked with incremental pull progress.
type PullOutputCallback func(string)

// PullImage fetches ref from its registry.
func (c *Client) PullImage(ctx context.Context, ref string, onOutput PullOutputCallback) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image reference cannot be empty")
	}
	body, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("docker image pull: %w", err)
	}
	defer body.Close()
	decoder := json.NewDecoder(body)
	for {
		var msg progressMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode pull output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("docker image pull: %s", errMsg)
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
	return nil
}

// RunContainer creates and starts a container for spec, publishing
// ContainerPort on HostPort of every interface.
func (c *Client) RunContainer(ctx context.Context, spec ContainerSpec) (ContainerInfo, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return ContainerInfo{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return ContainerInfo{}, fmt.Errorf("image name cannot be empty")
	}

	exposed, bindings, err := nat.ParsePortSpecs([]string{
		fmt.Sprintf("%d:%d/tcp", spec.HostPort, spec.ContainerPort),
	})
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("port spec: %w", err)
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target})
	}
	hostCfg := &container.HostConfig{
		PortBindings:  bindings,
		Mounts:        mounts,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources:     resources(spec.MemoryMB, spec.CPUs),
	}

	r, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		return ContainerInfo{}, fmt.Errorf("container start: %w", err)
	}

	inspect, err := waitForHostPort(ctx, hostPortWait, func(ctx context.Context) (types.ContainerJSON, error) {
		return c.inner.ContainerInspect(ctx, r.ID)
	})
	if err != nil {
		return ContainerInfo{}, err
	}

	portsBinding := nat.PortMap{}
	if inspect.NetworkSettings != nil && inspect.NetworkSettings.Ports != nil {
		portsBinding = inspect.NetworkSettings.Ports
	}
	return ContainerInfo{ID: r.ID, PortBinding: portsBinding}, nil
}

var hostPortWait = retry.Constant(10, 200*time.Millisecond)

var errNoHostPort = errors.New("host port not yet bound")

// waitForHostPort inspects until a host port shows up. Running out of attempts
// is not an error; the last inspect result is returned as is.
func waitForHostPort(ctx context.Context, p retry.Policy, inspect func(context.Context) (types.ContainerJSON, error)) (types.ContainerJSON, error) {
	var last types.ContainerJSON
	err := retry.Do(ctx, p, func(ctx context.Context) error {
		res, err := inspect(ctx)
		if err != nil {
			return fmt.Errorf("container inspect: %w", err)
		}
		last = res
		if !hasHostPort(res.NetworkSettings) {
			return retry.Retryable(errNoHostPort)
		}
		return nil
	})
	if err != nil && !retry.IsExhausted(err) {
		return types.ContainerJSON{}, err
	}
	return last, nil
}

// RemoveContainer force-removes a container. A missing container is not an error.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// StopContainer stops a running container, keeping its data.
func (c *Client) StopContainer(ctx context.Context, name string, grace time.Duration) error {
	timeout := int(grace.Seconds())
	if err := c.inner.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container: %w", notFound(err, "container", name))
	}
	return nil
}

// StartContainer starts a stopped container.
func (c *Client) StartContainer(ctx context.Context, name string) error {
	if err := c.inner.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", notFound(err, "container", name))
	}
	return nil
}

// RestartContainer restarts a container in place.
func (c *Client) RestartContainer(ctx context.Context, name string, grace time.Duration) error {
	timeout := int(grace.Seconds())
	if err := c.inner.ContainerRestart(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("restart container: %w", notFound(err, "container", name))
	}
	return nil
}

// UpdateResources changes memory and CPU limits of a running container.
func (c *Client) UpdateResources(ctx context.Context, name string, memoryMB int, cpus float64) error {
	res := resources(memoryMB, cpus)
	if _, err := c.inner.ContainerUpdate(ctx, name, container.UpdateConfig{Resources: res}); err != nil {
		return fmt.Errorf("update container: %w", notFound(err, "container", name))
	}
	return nil
}

// State reports whether the container exists and is running.
func (c *Client) State(ctx context.Context, name string) (exists, running bool, err error) {
	inspect, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("container inspect: %w", err)
	}
	return true, inspect.State != nil && inspect.State.Running, nil
}

// HostPort returns the first published host port, or 0.
func (i ContainerInfo) HostPort() int {
	for _, bindings := range i.PortBinding {
		for _, b := range bindings {
			if port, err := strconv.Atoi(b.HostPort); err == nil {
				return port
			}
		}
	}
	return 0
}

func resources(memoryMB int, cpus float64) container.Resources {
	var res container.Resources
	if memoryMB > 0 {
		res.Memory = int64(memoryMB) * 1024 * 1024
		res.MemorySwap = res.Memory
	}
	if cpus > 0 {
		res.NanoCPUs = int64(cpus * 1e9)
	}
	return res
}

func hasHostPort(settings *types.NetworkSettings) bool {
	if settings == nil || settings.Ports == nil {
		return false
	}
	for _, bindings := range settings.Ports {
		for _, binding := range bindings {
			if strings.TrimSpace(binding.HostPort) != "" {
				return true
			}
		}
	}
	return false
}

type progressMessage struct {
	Status         string         `json:"status"`
	ID             string         `json:"id"`
	Progress       string         `json:"progress"`
	ProgressDetail progressDetail `json:"progressDetail"`
	Error          string         `json:"error"`
	ErrorDetail    errorDetail    `json:"errorDetail"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type errorDetail struct {
	Message string `json:"message"`
}

func (m progressMessage) errorMessage() string {
	if msg := strings.TrimSpace(m.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m progressMessage) render() string {
	if m.Status == "" {
		return ""
	}
	parts := make([]string, 0, 3)
	if id := strings.TrimSpace(m.ID); id != "" {
		parts = append(parts, id)
	}
	parts = append(parts, strings.TrimSpace(m.Status))
	progress := strings.TrimSpace(m.Progress)
	if progress == "" && m.ProgressDetail.Total > 0 {
		progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
	}
	if progress != "" {
		parts = append(parts, progress)
	}
	return strings.Join(parts, " ")
}
