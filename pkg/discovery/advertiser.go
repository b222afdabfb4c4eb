package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"

	"github.com/hashicorp/mdns"
	"github.com/sirupsen/logrus"
)

// AdvertiserConfig represents mDNS advertiser configuration
type AdvertiserConfig struct {
	ServiceName string            `yaml:"service_name"`
	ServiceType string            `yaml:"service_type"`
	Domain      string            `yaml:"domain"`
	Port        int               `yaml:"port"`
	HostName    string            `yaml:"hostname"`
	TXTRecords  map[string]string `yaml:"txt_records"`
	Interface   string            `yaml:"interface"`
	// IP overrides the detected primary address
	IP string `yaml:"ip"`
}

// DefaultAdvertiserConfig returns default advertiser configuration
func DefaultAdvertiserConfig() *AdvertiserConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "fleet-node"
	}

	return &AdvertiserConfig{
		ServiceName: hostname,
		ServiceType: "_fleet-node._tcp",
		Domain:      "local",
		Port:        22,
		HostName:    hostname,
		TXTRecords:  map[string]string{},
	}
}

// Advertiser publishes this host as a fleet node over mDNS
type Advertiser struct {
	config   *AdvertiserConfig
	logger   *logrus.Entry
	server   *mdns.Server
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewAdvertiser creates a new mDNS advertiser
func NewAdvertiser(config *AdvertiserConfig, logger *logrus.Logger) *Advertiser {
	if config == nil {
		config = DefaultAdvertiserConfig()
	}

	return &Advertiser{
		config: config,
		logger: logger.WithField("component", "mdns-advertiser"),
	}
}

// Start starts advertising the service via mDNS. It stops on its own when
// ctx is cancelled.
func (a *Advertiser) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("advertiser is already running")
	}
	if err := a.startInternal(); err != nil {
		return err
	}
	a.stopChan = make(chan struct{})

	a.logger.WithFields(logrus.Fields{
		"service_name": a.config.ServiceName,
		"service_type": a.config.ServiceType,
		"port":         a.config.Port,
		"txt_records":  len(a.config.TXTRecords),
	}).Info("Started mDNS advertising")

	go a.monitorShutdown(ctx, a.stopChan)
	return nil
}

// Stop stops the mDNS advertiser
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}

	a.logger.Info("Stopping mDNS advertising")
	close(a.stopChan)
	if err := a.stopInternal(); err != nil {
		a.logger.WithError(err).Error("Failed to shutdown mDNS server")
		return err
	}

	a.logger.Info("Stopped mDNS advertising")
	return nil
}

// UpdateTXTRecords replaces the advertised TXT records, re-announcing if running
func (a *Advertiser) UpdateTXTRecords(records map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.config.TXTRecords = records
	if !a.running {
		return nil
	}

	if err := a.stopInternal(); err != nil {
		return fmt.Errorf("failed to stop for TXT record update: %w", err)
	}
	if err := a.startInternal(); err != nil {
		return fmt.Errorf("failed to restart after TXT record update: %w", err)
	}

	a.logger.WithField("records", len(records)).Info("Updated TXT records")
	return nil
}

// IsRunning returns whether the advertiser is currently running
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Advertiser) monitorShutdown(ctx context.Context, stop <-chan struct{}) {
	select {
	case <-ctx.Done():
		a.logger.Debug("Context cancelled, stopping advertiser")
		if err := a.Stop(); err != nil {
			a.logger.WithError(err).Error("Failed to stop advertiser on context cancellation")
		}
	case <-stop:
	}
}

// txtRecords renders the TXT map as sorted key=value strings
func (a *Advertiser) txtRecords() []string {
	records := make([]string, 0, len(a.config.TXTRecords))
	for key, value := range a.config.TXTRecords {
		if value != "" {
			records = append(records, key+"="+value)
		} else {
			records = append(records, key)
		}
	}
	sort.Strings(records)
	return records
}

// startInternal starts the mDNS server (assumes lock is held)
func (a *Advertiser) startInternal() error {
	ip, err := a.primaryIP()
	if err != nil {
		return fmt.Errorf("failed to get primary IP: %w", err)
	}

	service, err := mdns.NewMDNSService(
		a.config.ServiceName,
		a.config.ServiceType,
		a.config.Domain,
		a.config.HostName+".",
		a.config.Port,
		[]net.IP{ip},
		a.txtRecords(),
	)
	if err != nil {
		return fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mDNS server: %w", err)
	}

	a.server = server
	a.running = true
	return nil
}

// stopInternal stops the mDNS server (assumes lock is held)
func (a *Advertiser) stopInternal() error {
	a.running = false
	if a.server == nil {
		return nil
	}
	err := a.server.Shutdown()
	a.server = nil
	return err
}

// primaryIP picks the address to advertise: the configured one, the first
// IPv4 of the configured interface, or the first private IPv4 found.
func (a *Advertiser) primaryIP() (net.IP, error) {
	if a.config.IP != "" {
		ip := net.ParseIP(a.config.IP)
		if ip == nil {
			return nil, fmt.Errorf("invalid advertise ip %q", a.config.IP)
		}
		return ip, nil
	}

	if a.config.Interface != "" {
		iface, err := net.InterfaceByName(a.config.Interface)
		if err != nil {
			return nil, fmt.Errorf("interface %s not found: %w", a.config.Interface, err)
		}
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, fmt.Errorf("failed to get addresses for interface %s: %w", a.config.Interface, err)
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
				return ipNet.IP, nil
			}
		}
		return nil, fmt.Errorf("no IPv4 address found on interface %s", a.config.Interface)
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var candidates []net.IP
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok {
				if ip := ipNet.IP.To4(); ip != nil && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
					candidates = append(candidates, ip)
				}
			}
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable IP address found")
	}

	for _, ip := range candidates {
		if ip.IsPrivate() {
			return ip, nil
		}
	}
	return candidates[0], nil
}
