// Package dockerops is the container runtime collaborator. It wraps the
// Docker Engine API behind a small interface so the monitor, optimizer, and
// security loops can be tested against fakes.
package dockerops

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"
)

// dockerAPI is the slice of the Docker client the collaborator needs.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options containertypes.ListOptions) ([]containertypes.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (containertypes.InspectResponse, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (containertypes.StatsResponseReader, error)
	ContainerRestart(ctx context.Context, containerID string, options containertypes.StopOptions) error
	ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error
	ContainerCreate(ctx context.Context, config *containertypes.Config, hostConfig *containertypes.HostConfig, networkingConfig *networktypes.NetworkingConfig, platform *ocispec.Platform, containerName string) (containertypes.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error
	ImageList(ctx context.Context, options imagetypes.ListOptions) ([]imagetypes.Summary, error)
}

// ContainerState is the snapshot view of one container.
type ContainerState struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Image         string    `json:"image"`
	State         string    `json:"state"`  // running, exited, dead, restarting, paused, created
	Health        string    `json:"health"` // healthy, unhealthy, starting, or empty
	ExitCode      int       `json:"exit_code"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryLimit   int64     `json:"memory_limit"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	RestartCount  int       `json:"restart_count"`
	ExposedPorts  []string  `json:"exposed_ports,omitempty"` // ports bound to 0.0.0.0
}

// ImageInfo describes one image for the optimizer and security scanner.
type ImageInfo struct {
	ID        string    `json:"id"`
	Tags      []string  `json:"tags,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	Created   time.Time `json:"created"`
	Dangling  bool      `json:"dangling"`
	InUse     bool      `json:"in_use"`
}

// Client talks to the local Docker daemon.
type Client struct {
	docker dockerAPI
}

// NewClient connects to the daemon using environment configuration
// (DOCKER_HOST etc.) with API version negotiation.
func NewClient() (*Client, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{docker: docker}, nil
}

// Ping checks daemon reachability.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.docker.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// ListContainers returns the state of every container, including stopped
// ones. Stats collection failures degrade to zero percentages rather than
// failing the whole snapshot.
func (c *Client) ListContainers(ctx context.Context) ([]ContainerState, error) {
	list, err := c.docker.ContainerList(ctx, containertypes.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]ContainerState, 0, len(list))
	for _, summary := range list {
		state, err := c.collectContainer(ctx, summary)
		if err != nil {
			log.Warn().Err(err).Str("container", containerName(summary)).Msg("Failed to collect container state")
			continue
		}
		out = append(out, state)
	}
	return out, nil
}

func (c *Client) collectContainer(ctx context.Context, summary containertypes.Summary) (ContainerState, error) {
	const perContainerTimeout = 15 * time.Second
	containerCtx, cancel := context.WithTimeout(ctx, perContainerTimeout)
	defer cancel()

	inspect, err := c.docker.ContainerInspect(containerCtx, summary.ID)
	if err != nil {
		return ContainerState{}, fmt.Errorf("inspect: %w", err)
	}

	state := ContainerState{
		ID:    summary.ID,
		Name:  containerName(summary),
		Image: summary.Image,
	}
	if inspect.State != nil {
		state.State = inspect.State.Status
		state.ExitCode = inspect.State.ExitCode
		if inspect.State.Health != nil {
			state.Health = inspect.State.Health.Status
		}
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil && !t.IsZero() {
			state.StartedAt = t
		}
	}
	state.RestartCount = inspect.RestartCount

	for _, port := range summary.Ports {
		if port.IP == "0.0.0.0" || port.IP == "::" {
			state.ExposedPorts = append(state.ExposedPorts,
				fmt.Sprintf("%d/%s", port.PublicPort, port.Type))
		}
	}

	if inspect.State != nil && inspect.State.Running {
		cpu, memPct, memLimit, err := c.readStats(containerCtx, summary.ID)
		if err != nil {
			log.Debug().Err(err).Str("container", state.Name).Msg("Stats unavailable")
		} else {
			state.CPUPercent = cpu
			state.MemoryPercent = memPct
			state.MemoryLimit = memLimit
		}
	}
	return state, nil
}

func (c *Client) readStats(ctx context.Context, id string) (cpuPercent, memPercent float64, memLimit int64, err error) {
	resp, err := c.docker.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("stats: %w", err)
	}
	defer resp.Body.Close()

	var stats containertypes.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, 0, 0, fmt.Errorf("decode stats: %w", err)
	}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage - stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage - stats.PreCPUStats.SystemUsage)
	if systemDelta > 0 && cpuDelta >= 0 {
		cpus := float64(stats.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
		}
		if cpus == 0 {
			cpus = 1
		}
		cpuPercent = cpuDelta / systemDelta * cpus * 100
	}

	usage := stats.MemoryStats.Usage
	// Page cache is reclaimable; exclude it like docker stats does.
	if inactive, ok := stats.MemoryStats.Stats["inactive_file"]; ok && inactive < usage {
		usage -= inactive
	}
	memLimit = int64(stats.MemoryStats.Limit)
	if memLimit > 0 {
		memPercent = float64(usage) / float64(memLimit) * 100
	}
	return cpuPercent, memPercent, memLimit, nil
}

// ServiceHealthy reports whether a named container is running and, when a
// healthcheck is defined, healthy.
func (c *Client) ServiceHealthy(ctx context.Context, name string) (bool, error) {
	states, err := c.ListContainers(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range states {
		if s.Name != name {
			continue
		}
		if s.State != "running" {
			return false, nil
		}
		if s.Health != "" && s.Health != "healthy" {
			return false, nil
		}
		return true, nil
	}
	return false, fmt.Errorf("container not found: %s", name)
}

// RestartContainer restarts a container with a bounded stop timeout.
func (c *Client) RestartContainer(ctx context.Context, name string, stopTimeout time.Duration) error {
	secs := int(stopTimeout.Seconds())
	if secs <= 0 {
		secs = 10
	}
	if err := c.docker.ContainerRestart(ctx, name, containertypes.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("failed to restart container %s: %w", name, err)
	}
	log.Info().Str("container", name).Msg("Container restarted")
	return nil
}

// RecreateContainer replaces a container with a fresh one from the same
// image, configuration, and networks. This is the recovery of last resort
// for containers a restart cannot fix (corrupted writable layer, stuck
// mounts). The container is created under its old name on the original
// platform.
func (c *Client) RecreateContainer(ctx context.Context, name string, stopTimeout time.Duration) error {
	inspect, err := c.docker.ContainerInspect(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	secs := int(stopTimeout.Seconds())
	if secs <= 0 {
		secs = 10
	}
	if err := c.docker.ContainerStop(ctx, inspect.ID, containertypes.StopOptions{Timeout: &secs}); err != nil {
		log.Warn().Err(err).Str("container", name).Msg("Stop before recreate failed, removing anyway")
	}
	if err := c.docker.ContainerRemove(ctx, inspect.ID, containertypes.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}

	var networking *networktypes.NetworkingConfig
	if inspect.NetworkSettings != nil && len(inspect.NetworkSettings.Networks) > 0 {
		networking = &networktypes.NetworkingConfig{EndpointsConfig: inspect.NetworkSettings.Networks}
	}
	var platform *ocispec.Platform
	if inspect.Platform != "" {
		platform = &ocispec.Platform{OS: inspect.Platform}
	}

	created, err := c.docker.ContainerCreate(ctx, inspect.Config, inspect.HostConfig,
		networking, platform, strings.TrimPrefix(inspect.Name, "/"))
	if err != nil {
		return fmt.Errorf("failed to recreate container %s: %w", name, err)
	}
	if err := c.docker.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start recreated container %s: %w", name, err)
	}
	log.Info().Str("container", name).Str("id", created.ID).Msg("Container recreated")
	return nil
}

// ListImages returns all images with dangling/in-use flags, for the
// optimizer's reclaim estimate and the security scanner's age heuristic.
func (c *Client) ListImages(ctx context.Context) ([]ImageInfo, error) {
	images, err := c.docker.ImageList(ctx, imagetypes.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	out := make([]ImageInfo, 0, len(images))
	for _, img := range images {
		info := ImageInfo{
			ID:        img.ID,
			SizeBytes: img.Size,
			Created:   time.Unix(img.Created, 0),
			InUse:     img.Containers > 0,
		}
		for _, tag := range img.RepoTags {
			if tag != "<none>:<none>" {
				info.Tags = append(info.Tags, tag)
			}
		}
		info.Dangling = len(info.Tags) == 0
		out = append(out, info)
	}
	return out, nil
}

// ReclaimableBytes estimates the storage freed by pruning unused images.
func ReclaimableBytes(images []ImageInfo) int64 {
	var total int64
	for _, img := range images {
		if !img.InUse {
			total += img.SizeBytes
		}
	}
	return total
}

func containerName(summary containertypes.Summary) string {
	for _, name := range summary.Names {
		return strings.TrimPrefix(name, "/")
	}
	return summary.ID[:12]
}
