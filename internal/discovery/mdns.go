// Package discovery advertises the renderer's control endpoint over
// mDNS so controllers can find it without configuration.
package discovery

import (
	"fmt"
	"log"
	"net"
	"os"

	"github.com/hashicorp/mdns"
)

const serviceType = "_diretta-renderer._tcp"

// Advertiser publishes the control endpoint as an mDNS service.
type Advertiser struct {
	server *mdns.Server
}

// Advertise announces the renderer under its name and UUID on the
// control port.
func Advertise(name, uuid string, port int) (*Advertiser, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "direttarenderer"
	}

	ips, err := localIPs()
	if err != nil {
		return nil, fmt.Errorf("failed to get local IPs: %w", err)
	}

	info := []string{
		"uuid=" + uuid,
		"path=/control",
	}
	service, err := mdns.NewMDNSService(name, serviceType, "", host+".", port, ips, info)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}

	log.Printf("Advertising %s on port %d via mDNS", name, port)
	return &Advertiser{server: server}, nil
}

// Shutdown stops the advertisement.
func (a *Advertiser) Shutdown() {
	if a.server != nil {
		a.server.Shutdown()
	}
}

// localIPs collects the non-loopback unicast addresses to advertise.
func localIPs() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ipnet.IP.To4() != nil {
			ips = append(ips, ipnet.IP)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no usable network interfaces")
	}
	return ips, nil
}
