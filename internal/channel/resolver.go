package channel

import (
	"errors"
	"fmt"
	"strings"

	consul "github.com/hashicorp/consul/api"

	"github.com/metorial/sentinel-runner/internal/collector"
	"github.com/metorial/sentinel-runner/internal/models"
)

// Resolver maps a collector id to a dialable gRPC address.
type Resolver interface {
	Resolve(collectorID string) (string, error)
}

// StaticResolver serves addresses from configuration.
type StaticResolver map[string]string

// Resolve matches ids case-insensitively; configuration keys arrive lower-cased.
func (r StaticResolver) Resolve(collectorID string) (string, error) {
	if addr, ok := r[strings.ToLower(collectorID)]; ok && addr != "" {
		return addr, nil
	}
	return "", fmt.Errorf("collector %q: %w", collectorID, models.ErrNotFound)
}

// ConsulResolver looks up healthy collector registrations.
type ConsulResolver struct {
	client *consul.Client
}

func NewConsulResolver(consulAddr string) (*ConsulResolver, error) {
	config := consul.DefaultConfig()
	config.Address = consulAddr

	client, err := consul.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}

	return &ConsulResolver{client: client}, nil
}

func (r *ConsulResolver) Resolve(collectorID string) (string, error) {
	services, _, err := r.client.Health().Service(collector.ServiceName, collector.ServiceTag(collectorID), true, nil)
	if err != nil {
		return "", fmt.Errorf("query consul: %w: %w", err, models.ErrTransient)
	}

	if len(services) == 0 {
		return "", fmt.Errorf("no healthy registration for collector %q: %w", collectorID, models.ErrNotFound)
	}

	service := services[0]
	addr := service.Service.Address
	if addr == "" {
		addr = service.Node.Address
	}

	return fmt.Sprintf("%s:%d", addr, service.Service.Port), nil
}

// ChainResolver tries each resolver in order, moving on only when one reports not found.
type ChainResolver []Resolver

func (c ChainResolver) Resolve(collectorID string) (string, error) {
	for _, r := range c {
		addr, err := r.Resolve(collectorID)
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("collector %q: %w", collectorID, models.ErrNotFound)
}
