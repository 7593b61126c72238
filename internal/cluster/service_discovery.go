package cluster

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// ServiceDiscovery finds the peers of a node and the node itself.
type ServiceDiscovery interface {
	Hostname() (string, error)
	IP() (string, error)
	Lookup() ([]string, error)
}

// ServiceDiscoverySRV discovers peers through the SRV records of a headless
// Kubernetes service.
type ServiceDiscoverySRV struct {
	namespace   string
	serviceName string

	lookupSRVFn      func(service, proto, name string) (string, []*net.SRV, error)
	lookupIPFn       func(host string) ([]string, error)
	lookupHostnameFn func() (string, error)
}

func NewServiceDiscoverySRV(namespace, serviceName string) *ServiceDiscoverySRV {
	return &ServiceDiscoverySRV{
		namespace:        namespace,
		serviceName:      serviceName,
		lookupSRVFn:      net.LookupSRV,
		lookupIPFn:       net.LookupHost,
		lookupHostnameFn: os.Hostname,
	}
}

func (s *ServiceDiscoverySRV) service() string {
	return fmt.Sprintf("%s-internal.%s.svc.cluster.local", s.serviceName, s.namespace)
}

func (s *ServiceDiscoverySRV) Hostname() (string, error) {
	return s.lookupHostnameFn()
}

// IP returns the first address the hostname resolves to.
func (s *ServiceDiscoverySRV) IP() (string, error) {
	hostname, err := s.lookupHostnameFn()
	if err != nil {
		return "", err
	}

	ips, err := s.lookupIPFn(hostname)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("no addresses for %s", hostname)
	}
	return ips[0], nil
}

// Lookup returns host:port of every SRV target of the service.
func (s *ServiceDiscoverySRV) Lookup() ([]string, error) {
	_, srvs, err := s.lookupSRVFn("", "", s.service())
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(srvs))
	for _, srv := range srvs {
		addrs = append(addrs, net.JoinHostPort(srv.Target, strconv.Itoa(int(srv.Port))))
	}
	return addrs, nil
}
