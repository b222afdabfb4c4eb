// Package discovery finds fleet nodes on the local network over mDNS and
// lets agents advertise themselves.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/sirupsen/logrus"
)

// TXT record keys published by agents
const (
	TXTCores    = "cores"
	TXTMemoryGB = "memory_gb"
	TXTService  = "service"
	TXTSSHPort  = "ssh_port"
)

// Node represents a discovered node
type Node struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	IPAddress   string            `json:"ip_address"`
	Port        int               `json:"port"`
	ServiceType string            `json:"service_type"`
	TXTRecords  map[string]string `json:"txt_records"`
	LastSeen    time.Time         `json:"last_seen"`
}

// Cores returns the advertised CPU core count, or 0
func (n Node) Cores() int {
	v, _ := strconv.Atoi(n.TXTRecords[TXTCores])
	return v
}

// MemoryGB returns the advertised memory size, or 0
func (n Node) MemoryGB() float64 {
	v, _ := strconv.ParseFloat(n.TXTRecords[TXTMemoryGB], 64)
	return v
}

// SSHPort returns the advertised remote command port, or 0
func (n Node) SSHPort() int {
	v, _ := strconv.Atoi(n.TXTRecords[TXTSSHPort])
	return v
}

// NodeEventType represents the type of node discovery event
type NodeEventType string

const (
	NodeDiscovered NodeEventType = "discovered"
	NodeUpdated    NodeEventType = "updated"
	NodeLost       NodeEventType = "lost"
)

// NodeEvent represents a node discovery event
type NodeEvent struct {
	Type NodeEventType `json:"type"`
	Node Node          `json:"node"`
}

// NodeEventHandler is a function type for handling node events
type NodeEventHandler func(event NodeEvent)

// Config represents discovery service configuration
type Config struct {
	Enabled     bool     `yaml:"enabled"`
	Method      string   `yaml:"method"`
	Interface   string   `yaml:"interface"`
	Interval    string   `yaml:"interval"`
	Timeout     string   `yaml:"timeout"`
	StaticNodes []string `yaml:"static_nodes"`
	ServiceType string   `yaml:"service_type"`
	Domain      string   `yaml:"domain"`
}

// DefaultConfig returns default discovery configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:     false,
		Method:      "mdns",
		Interval:    "30s",
		Timeout:     "3s",
		ServiceType: "_fleet-node._tcp",
		Domain:      "local",
	}
}

// lookupFunc runs one mDNS query and delivers entries until it returns
type lookupFunc func(params *mdns.QueryParam) error

// Service browses for nodes and tracks what it has seen
type Service struct {
	config        *Config
	logger        *logrus.Entry
	mu            sync.RWMutex
	nodes         map[string]*Node
	eventHandlers []NodeEventHandler
	running       bool
	stopChan      chan struct{}
	interval      time.Duration
	timeout       time.Duration
	lookup        lookupFunc
	now           func() time.Time
}

// NewService creates a new discovery service
func NewService(config *Config, logger *logrus.Logger) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}

	interval, err := time.ParseDuration(config.Interval)
	if err != nil {
		return nil, fmt.Errorf("invalid interval: %w", err)
	}

	timeout, err := time.ParseDuration(config.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid timeout: %w", err)
	}

	return &Service{
		config:   config,
		logger:   logger.WithField("component", "discovery"),
		nodes:    make(map[string]*Node),
		interval: interval,
		timeout:  timeout,
		stopChan: make(chan struct{}),
		lookup:   mdns.Query,
		now:      time.Now,
	}, nil
}

// Start starts the discovery service
func (s *Service) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Discovery service disabled")
		return nil
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("discovery service is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"method":       s.config.Method,
		"interval":     s.config.Interval,
		"service_type": s.config.ServiceType,
	}).Info("Starting discovery service")

	if len(s.config.StaticNodes) > 0 {
		s.loadStaticNodes()
	}

	switch s.config.Method {
	case "mdns":
		go s.runMDNSDiscovery(ctx)
	case "static":
		s.logger.Info("Using static node discovery only")
	default:
		return fmt.Errorf("unsupported discovery method: %s", s.config.Method)
	}

	go s.runCleanupRoutine(ctx)
	return nil
}

// Stop stops the discovery service
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Info("Stopping discovery service")
	close(s.stopChan)
	s.running = false
	return nil
}

// AddEventHandler adds an event handler for node discovery events
func (s *Service) AddEventHandler(handler NodeEventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventHandlers = append(s.eventHandlers, handler)
}

// GetNodes returns all currently discovered nodes
func (s *Service) GetNodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		nodes = append(nodes, *node)
	}
	return nodes
}

// loadStaticNodes loads nodes from static configuration
func (s *Service) loadStaticNodes() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, nodeAddr := range s.config.StaticNodes {
		host, portStr, err := net.SplitHostPort(nodeAddr)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"address": nodeAddr,
				"error":   err,
			}).Warn("Invalid static node address")
			continue
		}

		port, err := strconv.Atoi(portStr)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"address": nodeAddr,
				"error":   err,
			}).Warn("Invalid static node port")
			continue
		}

		node := &Node{
			ID:          fmt.Sprintf("static-%d", i),
			Name:        fmt.Sprintf("static-node-%d", i),
			IPAddress:   host,
			Port:        port,
			ServiceType: "static",
			TXTRecords:  map[string]string{TXTSSHPort: portStr},
			LastSeen:    s.now(),
		}

		s.nodes[node.ID] = node
		s.emitEvent(NodeEvent{Type: NodeDiscovered, Node: *node})

		s.logger.WithFields(logrus.Fields{
			"id":         node.ID,
			"ip_address": node.IPAddress,
			"port":       node.Port,
		}).Info("Loaded static node")
	}
}

// runMDNSDiscovery browses immediately and then every interval
func (s *Service) runMDNSDiscovery(ctx context.Context) {
	s.logger.Info("Starting mDNS discovery")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Browse()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Browse()
		}
	}
}

// Browse performs a single mDNS query and records every answer
func (s *Service) Browse() {
	entries := make(chan *mdns.ServiceEntry, 16)
	params := mdns.DefaultParams(s.config.ServiceType)
	params.Domain = s.config.Domain
	params.Timeout = s.timeout
	params.Entries = entries
	params.DisableIPv6 = true
	if s.config.Interface != "" {
		iface, err := net.InterfaceByName(s.config.Interface)
		if err != nil {
			s.logger.WithError(err).Warn("Discovery interface not found, using default")
		} else {
			params.Interface = iface
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			s.record(entry)
		}
	}()

	s.logger.Debug("Performing mDNS discovery scan")
	if err := s.lookup(params); err != nil {
		s.logger.WithError(err).Warn("mDNS query failed")
	}
	close(entries)
	<-done
}

func (s *Service) record(entry *mdns.ServiceEntry) {
	if entry == nil || entry.AddrV4 == nil {
		return
	}
	if !strings.Contains(entry.Name, s.config.ServiceType) {
		return
	}

	node := Node{
		ID:          entry.Name,
		Name:        strings.TrimSuffix(strings.TrimSuffix(entry.Host, "."), "."+s.config.Domain),
		IPAddress:   entry.AddrV4.String(),
		Port:        entry.Port,
		ServiceType: s.config.ServiceType,
		TXTRecords:  parseTXT(entry.InfoFields),
		LastSeen:    s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.nodes[node.ID]; ok {
		existing.LastSeen = node.LastSeen
		existing.IPAddress = node.IPAddress
		existing.TXTRecords = node.TXTRecords
		s.emitEvent(NodeEvent{Type: NodeUpdated, Node: *existing})
		return
	}

	s.nodes[node.ID] = &node
	s.emitEvent(NodeEvent{Type: NodeDiscovered, Node: node})
	s.logger.WithFields(logrus.Fields{
		"id":         node.ID,
		"name":       node.Name,
		"ip_address": node.IPAddress,
	}).Info("Discovered new node via mDNS")
}

func parseTXT(fields []string) map[string]string {
	records := make(map[string]string, len(fields))
	for _, f := range fields {
		key, value, _ := strings.Cut(f, "=")
		if key != "" {
			records[key] = value
		}
	}
	return records
}

// runCleanupRoutine runs the cleanup routine to remove stale nodes
func (s *Service) runCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(s.interval * 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanupStaleNodes()
		}
	}
}

// cleanupStaleNodes forgets nodes not seen for three intervals
func (s *Service) cleanupStaleNodes() {
	s.mu.Lock()
	defer s.mu.Unlock()

	staleThreshold := s.now().Add(-s.interval * 3)
	for id, node := range s.nodes {
		if node.ServiceType == "static" || !node.LastSeen.Before(staleThreshold) {
			continue
		}
		delete(s.nodes, id)
		s.emitEvent(NodeEvent{Type: NodeLost, Node: *node})

		s.logger.WithFields(logrus.Fields{
			"id":        id,
			"last_seen": node.LastSeen,
		}).Info("Removed stale node")
	}
}

// emitEvent hands event to every handler on its own goroutine
func (s *Service) emitEvent(event NodeEvent) {
	for _, handler := range s.eventHandlers {
		go func(h NodeEventHandler) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.WithField("panic", r).Error("Event handler panicked")
				}
			}()
			h(event)
		}(handler)
	}
}
