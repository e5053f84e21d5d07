package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"tarun-kavipurapu/p2p-edge/pkg/logger"
)

const (
	// ServiceType defines the mDNS service type of the tracker
	ServiceType = "_p2p-edge._tcp"
	// Domain is the local domain for mDNS
	Domain = "local."

	// RoleKey is the TXT record naming what the advertised process is.
	RoleKey     = "type"
	RoleTracker = "tracker"
)

var ErrNotFound = errors.New("no tracker found on the local network")

// ServiceInfo contains information about a discovered service
type ServiceInfo struct {
	InstanceName string
	HostName     string
	Port         int
	IPs          []string
	Meta         map[string]string
}

// Addr returns the first IPv4 endpoint of the service.
func (s *ServiceInfo) Addr() string {
	if len(s.IPs) == 0 {
		return ""
	}
	return net.JoinHostPort(s.IPs[0], strconv.Itoa(s.Port))
}

// Advertiser handles service broadcasting
type Advertiser struct {
	server *zeroconf.Server
}

// Resolver handles service discovery
type Resolver struct {
	resolver *zeroconf.Resolver
}

func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Start begins broadcasting the service
func (a *Advertiser) Start(instanceName string, port int, meta map[string]string) error {
	if instanceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			instanceName = "p2p-edge"
		} else {
			instanceName = fmt.Sprintf("p2p-edge-%s", hostname)
		}
	}

	var txtRecords []string
	for k, v := range meta {
		txtRecords = append(txtRecords, fmt.Sprintf("%s=%s", k, v))
	}

	server, err := zeroconf.Register(
		instanceName,
		ServiceType,
		Domain,
		port,
		txtRecords,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	a.server = server
	return nil
}

// Stop stops broadcasting the service
func (a *Advertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func NewResolver() (*Resolver, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	return &Resolver{resolver: resolver}, nil
}

// Browse scans for services until the context is canceled
// It returns a channel that will receive discovered services
func (r *Resolver) Browse(ctx context.Context) (<-chan *ServiceInfo, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan *ServiceInfo, 10)

	if err := r.resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	go func() {
		defer close(results)

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}

				info := &ServiceInfo{
					InstanceName: entry.Instance,
					HostName:     entry.HostName,
					Port:         entry.Port,
					IPs:          make([]string, 0),
					Meta:         make(map[string]string),
				}

				for _, ip := range entry.AddrIPv4 {
					info.IPs = append(info.IPs, ip.String())
				}

				for _, record := range entry.Text {
					parts := strings.SplitN(record, "=", 2)
					if len(parts) == 2 {
						info.Meta[parts[0]] = parts[1]
					}
				}

				if len(info.IPs) > 0 {
					logger.Sugar.Infof("[Discovery] discovered service: instance=%s ips=%v port=%d", info.InstanceName, info.IPs, info.Port)
					select {
					case results <- info:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return results, nil
}

// FindTracker browses until the first tracker answers or ctx ends, and
// returns its "host:port".
func FindTracker(ctx context.Context) (string, error) {
	resolver, err := NewResolver()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := resolver.Browse(ctx)
	if err != nil {
		return "", err
	}
	for info := range ch {
		if info.Meta[RoleKey] == RoleTracker {
			return info.Addr(), nil
		}
	}
	return "", ErrNotFound
}
