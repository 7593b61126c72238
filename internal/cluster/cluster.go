package cluster

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	discoveryv1 "k8s.io/api/discovery/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

const (
	RaftPort = "12000"
	GrpcPort = "13000"

	endpointSliceTimeout = 10 * time.Second
)

// Cluster describes this node and its peers as seen through service
// discovery, and publishes the leader as the only endpoint of the service.
type Cluster struct {
	namespace        string
	serviceName      string
	serviceDiscovery ServiceDiscovery
	hostname         string
	ip               string
	nodeID           string
	hosts            []string
	httpAddr         string
	raftAddr         string
	grpcAddr         string

	clientset    kubernetes.Interface
	newClientset func() (kubernetes.Interface, error)
}

func NewCluster(serviceDiscovery ServiceDiscovery, namespace, serviceName, httpAddr string) *Cluster {
	return &Cluster{
		namespace:        namespace,
		serviceName:      serviceName,
		httpAddr:         httpAddr,
		serviceDiscovery: serviceDiscovery,
		newClientset:     inClusterClientset,
	}
}

func inClusterClientset() (kubernetes.Interface, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(config)
}

// SetClientset replaces the in-cluster Kubernetes client.
func (c *Cluster) SetClientset(clientset kubernetes.Interface) {
	c.clientset = clientset
}

func (c *Cluster) Init() error {
	var err error
	c.hostname, err = c.serviceDiscovery.Hostname()
	if err != nil {
		log.Warn().Msgf("Error getting hostname: %s", err)
		return err
	}

	c.ip, err = c.serviceDiscovery.IP()
	if err != nil {
		log.Error().Msgf("Couldn't lookup the IP: %v", err)
		return err
	}

	addrs, err := c.serviceDiscovery.Lookup()
	if err != nil {
		log.Warn().Msgf("Error looking up the service: %v", err)
		return err
	}

	c.nodeID = ""
	c.hosts = nil
	for _, addr := range addrs {
		if strings.HasPrefix(addr, c.hostname) {
			c.nodeID = addr
		} else {
			c.hosts = append(c.hosts, addr)
		}
	}

	if c.nodeID == "" {
		return fmt.Errorf("host %s is not among the service records %v", c.hostname, addrs)
	}

	host, _, err := net.SplitHostPort(c.nodeID)
	if err != nil {
		log.Warn().Msgf("Error splitting host and port: %s %v", c.nodeID, err)
		return err
	}
	c.raftAddr = net.JoinHostPort(host, RaftPort)
	c.grpcAddr = net.JoinHostPort(host, GrpcPort)

	log.Debug().Msgf(
		"Current node is %s discovered hosts %+v raftAddr %s grpcAddr %s",
		c.nodeID,
		c.hosts,
		c.raftAddr,
		c.grpcAddr,
	)

	return nil
}

func (c *Cluster) NodeID() string {
	return c.nodeID
}

func (c *Cluster) RaftAddr() string {
	return c.raftAddr
}

func (c *Cluster) GrpcAddr() string {
	return c.grpcAddr
}

func (c *Cluster) Hosts() []string {
	return c.hosts
}

func (c *Cluster) LeaderChanged(isLeader bool) {
	if isLeader {
		ctx, cancel := context.WithTimeout(context.Background(), endpointSliceTimeout)
		defer cancel()

		if err := c.UpdateServiceEndpointSlice(ctx); err != nil {
			log.Error().Msgf("Failed to update service endpoint slice: %s", err)
		}
	}
}

func (c *Cluster) httpPort() (int32, error) {
	port := c.httpAddr
	if strings.Contains(port, ":") {
		var err error
		if _, port, err = net.SplitHostPort(port); err != nil {
			return 0, err
		}
	}

	i, err := strconv.ParseInt(port, 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(i), nil
}

// UpdateServiceEndpointSlice points the service at this node.
func (c *Cluster) UpdateServiceEndpointSlice(ctx context.Context) error {
	if c.clientset == nil {
		clientset, err := c.newClientset()
		if err != nil {
			return err
		}
		c.clientset = clientset
	}

	port, err := c.httpPort()
	if err != nil {
		return err
	}

	slices := c.clientset.DiscoveryV1().EndpointSlices(c.namespace)

	err = slices.Delete(ctx, c.serviceName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}

	name := "http"
	ready := true
	hostname := c.hostname

	endpointSlice := &discoveryv1.EndpointSlice{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "discovery.k8s.io/v1",
			Kind:       "EndpointSlice",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      c.serviceName,
			Namespace: c.namespace,
			Labels: map[string]string{
				"kubernetes.io/service-name": c.serviceName,
			},
		},
		AddressType: discoveryv1.AddressTypeIPv4,
		Endpoints: []discoveryv1.Endpoint{
			{
				Addresses: []string{c.ip},
				Conditions: discoveryv1.EndpointConditions{
					Ready: &ready,
				},
				Hostname: &hostname,
			},
		},
		Ports: []discoveryv1.EndpointPort{
			{
				Name: &name,
				Port: &port,
			},
		},
	}

	created, err := slices.Create(ctx, endpointSlice, metav1.CreateOptions{})
	if err != nil {
		return err
	}

	log.Info().Msgf("EndpointSlice %s points at %s", created.Name, c.ip)

	return nil
}
