package dockerhandler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"

	"github.com/shinebayar-g/opnsense-docker-automated/desired"
)

const reconnectDelay = 5 * time.Second

type containerLister interface {
	ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error)
}

// Inventory lists running containers from the Docker Engine.
type Inventory struct {
	api          containerLister
	managedLabel string
}

// NewInventory wraps an existing Docker API client. managedLabel, when not
// empty, is a "key=value" or "key" label filter applied to the listing.
func NewInventory(api containerLister, managedLabel string) *Inventory {
	return &Inventory{api: api, managedLabel: managedLabel}
}

func CreateClient(ctx context.Context) (*client.Client, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	if _, err = c.Info(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Connect keeps trying to reach the Docker Engine until it answers or ctx is done.
func Connect(ctx context.Context) (*client.Client, error) {
	c, err := CreateClient(ctx)
	if err == nil {
		log.Info().Msg("opnsense-docker-automated: Connected to the Docker Engine.")
		return c, nil
	}
	log.Error().Err(err).Msg("opnsense-docker-automated: Client error.")

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(reconnectDelay):
		}
		log.Info().Msg("opnsense-docker-automated: Trying to reconnect..")
		if c, err = CreateClient(ctx); err == nil {
			log.Info().Msg("opnsense-docker-automated: Reconnected to the Docker Engine.")
			return c, nil
		}
		log.Debug().Err(err).Msg("opnsense-docker-automated: Docker Engine still unreachable.")
	}
}

// ListRunningContainers returns a snapshot of every running container.
func (i *Inventory) ListRunningContainers(ctx context.Context) ([]desired.ContainerSnapshot, error) {
	filter := filters.NewArgs()
	filter.Add("status", "running")
	if i.managedLabel != "" {
		filter.Add("label", i.managedLabel)
	}

	containers, err := i.api.ContainerList(ctx, types.ContainerListOptions{Filters: filter})
	if err != nil {
		return nil, fmt.Errorf("couldn't retrieve running containers: %w", err)
	}

	snapshots := make([]desired.ContainerSnapshot, 0, len(containers))
	for _, c := range containers {
		snapshots = append(snapshots, toSnapshot(c))
	}
	return snapshots, nil
}

func toSnapshot(c types.Container) desired.ContainerSnapshot {
	names := make([]string, 0, len(c.Names))
	for _, name := range c.Names {
		names = append(names, strings.TrimPrefix(name, "/")) // container name appears with prefix "/"
	}
	labels := make(map[string]string, len(c.Labels))
	for k, v := range c.Labels {
		labels[k] = v
	}
	return desired.ContainerSnapshot{ID: c.ID, Names: names, Labels: labels}
}
