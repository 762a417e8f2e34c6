package collector

import (
	"fmt"
	"net"

	consul "github.com/hashicorp/consul/api"
)

const ServiceName = "sentinel-collector"

// ServiceTag is the Consul tag that identifies one collector.
func ServiceTag(collectorID string) string {
	return "collector-" + collectorID
}

// Registration advertises the collector's gRPC endpoint in Consul.
type Registration struct {
	client *consul.Client
	id     string
}

func Register(consulAddr, collectorID, advertiseIP string, port int) (*Registration, error) {
	config := consul.DefaultConfig()
	config.Address = consulAddr
	client, err := consul.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}

	if advertiseIP == "" {
		advertiseIP = localIP()
	}

	id := ServiceName + "-" + collectorID
	registration := &consul.AgentServiceRegistration{
		ID:      id,
		Name:    ServiceName,
		Port:    port,
		Address: advertiseIP,
		Check: &consul.AgentServiceCheck{
			GRPC:                           fmt.Sprintf("%s:%d", advertiseIP, port),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "30s",
		},
		Tags: []string{ServiceTag(collectorID), "grpc"},
		Meta: map[string]string{"collector_id": collectorID},
	}

	if err := client.Agent().ServiceRegister(registration); err != nil {
		return nil, fmt.Errorf("register service: %w", err)
	}
	return &Registration{client: client, id: id}, nil
}

func (r *Registration) Deregister() error {
	return r.client.Agent().ServiceDeregister(r.id)
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
