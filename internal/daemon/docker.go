package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// ContainerRow is one container reading for the containers query.
type ContainerRow struct {
	ID            string
	Name          string
	Image         string
	State         string
	CPUPercent    float64
	MemUsageBytes uint64
	MemLimitBytes uint64
	MemPercent    float64
}

// DockerCollector reads container stats via the Docker API. The engine being
// unreachable is an expected condition on a workstation; Collect returns the
// error and the caller degrades to an "unavailable" reading.
type DockerCollector struct {
	client *client.Client

	// Previous CPU readings per container for delta calculation.
	prevCPU map[string]dockerCPUPrev
}

type dockerCPUPrev struct {
	containerCPU uint64
	systemCPU    uint64
}

// NewDockerCollector creates a collector using the given Docker socket path.
func NewDockerCollector(socket string) (*DockerCollector, error) {
	c, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socket),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerCollector{
		client:  c,
		prevCPU: make(map[string]dockerCPUPrev),
	}, nil
}

// Close closes the Docker client.
func (d *DockerCollector) Close() error {
	return d.client.Close()
}

// Collect lists containers and reads stats for the running ones.
func (d *DockerCollector) Collect(ctx context.Context) ([]ContainerRow, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	rows := make([]ContainerRow, 0, len(containers))
	for _, c := range containers {
		row := ContainerRow{
			ID:    c.ID,
			Name:  containerName(c.Names),
			Image: c.Image,
			State: c.State,
		}
		if c.State == "running" {
			if err := d.fillStats(ctx, &row); err != nil {
				slog.Warn("failed to get container stats", "container", row.Name, "error", err)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (d *DockerCollector) fillStats(ctx context.Context, row *ContainerRow) error {
	resp, err := d.client.ContainerStatsOneShot(ctx, row.ID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var stats container.StatsResponse
	if err := json.Unmarshal(body, &stats); err != nil {
		return err
	}

	row.CPUPercent = d.cpuPercent(row.ID, &stats)
	row.MemUsageBytes, row.MemLimitBytes, row.MemPercent = memUsage(&stats)
	return nil
}

// cpuPercent computes CPU percent from counter deltas, the same formula as
// `docker stats`. The first reading for a container falls back to the
// engine-provided precpu values.
func (d *DockerCollector) cpuPercent(id string, stats *container.StatsResponse) float64 {
	cpuTotal := stats.CPUStats.CPUUsage.TotalUsage
	systemCPU := stats.CPUStats.SystemUsage

	prev, hasPrev := d.prevCPU[id]
	d.prevCPU[id] = dockerCPUPrev{containerCPU: cpuTotal, systemCPU: systemCPU}

	if !hasPrev {
		prev = dockerCPUPrev{
			containerCPU: stats.PreCPUStats.CPUUsage.TotalUsage,
			systemCPU:    stats.PreCPUStats.SystemUsage,
		}
	}

	containerDelta := float64(cpuTotal) - float64(prev.containerCPU)
	systemDelta := float64(systemCPU) - float64(prev.systemCPU)
	if systemDelta <= 0 || containerDelta <= 0 {
		return 0
	}

	cpus := float64(stats.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = 1
	}
	return (containerDelta / systemDelta) * cpus * 100
}

// memUsage returns usage, limit, and percent, subtracting the inactive file
// cache the way `docker stats` does (cgroup v1 and v2 key names differ).
func memUsage(stats *container.StatsResponse) (usage, limit uint64, pct float64) {
	limit = stats.MemoryStats.Limit
	usage = stats.MemoryStats.Usage

	if v, ok := stats.MemoryStats.Stats["inactive_file"]; ok && v > 0 && usage > v {
		usage -= v
	} else if v, ok := stats.MemoryStats.Stats["total_inactive_file"]; ok && v > 0 && usage > v {
		usage -= v
	}

	if limit > 0 {
		pct = float64(usage) / float64(limit) * 100
	}
	return
}

// containerName strips Docker's leading "/" from the first name.
func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	name := names[0]
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	return name
}
