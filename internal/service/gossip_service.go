package service

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/disktable/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipService advertises the partitions hosted by this node and tracks
// what peers advertise
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	nodeID     string
	logger     *zap.Logger

	mu         sync.RWMutex
	healthData *model.HealthStatus
	peers      map[string]*model.HealthStatus
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

func newGossipState(cfg *GossipConfig, nodeID string, logger *zap.Logger) *GossipService {
	return &GossipService{
		config: cfg,
		nodeID: nodeID,
		logger: logger,
		healthData: &model.HealthStatus{
			NodeID:    nodeID,
			Status:    model.NodeStatusHealthy,
			Timestamp: time.Now().Unix(),
		},
		peers: make(map[string]*model.HealthStatus),
	}
}

// NewGossipService joins the cluster through the configured seeds
func NewGossipService(cfg *GossipConfig, nodeID string, logger *zap.Logger) (*GossipService, error) {
	gs := newGossipState(cfg, nodeID, logger)

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	return gs, nil
}

func (s *GossipService) encodeLocal() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := json.Marshal(s.healthData)
	if err != nil {
		s.logger.Warn("Failed to encode local status", zap.Error(err))
		return nil
	}
	return data
}

// NodeMeta carries only the node status; partitions travel in push/pull state
func (s *GossipService) NodeMeta(limit int) []byte {
	s.mu.RLock()
	meta := model.HealthStatus{NodeID: s.nodeID, Status: s.healthData.Status, Timestamp: s.healthData.Timestamp}
	s.mu.RUnlock()

	data, _ := json.Marshal(meta)
	if len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	s.mergeStatus(data)
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	return s.encodeLocal()
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
	s.mergeStatus(buf)
}

func (s *GossipService) mergeStatus(data []byte) {
	var status model.HealthStatus
	if err := json.Unmarshal(data, &status); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}
	if status.NodeID == "" || status.NodeID == s.nodeID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.peers[status.NodeID]; ok && prev.Timestamp > status.Timestamp {
		return
	}
	s.peers[status.NodeID] = &status

	s.logger.Debug("Received peer status",
		zap.String("node_id", status.NodeID),
		zap.String("status", string(status.Status)),
		zap.Int("partitions", len(status.Partitions)))
}

// UpdateHealthStatus replaces the advertised metrics and partitions
func (s *GossipService) UpdateHealthStatus(metrics model.HealthMetrics, partitions []model.PartitionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.healthData.Timestamp = time.Now().Unix()
	s.healthData.Metrics = metrics
	s.healthData.Partitions = partitions

	switch {
	case metrics.DiskUsage > 90:
		s.healthData.Status = model.NodeStatusDegraded
	case metrics.GcFailures > 0 && metrics.OpenTables > 0 && metrics.GcFailures >= uint64(metrics.OpenTables):
		s.healthData.Status = model.NodeStatusUnhealthy
	default:
		s.healthData.Status = model.NodeStatusHealthy
	}
}

// Status returns the local advertised status
func (s *GossipService) Status() model.HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.healthData
}

// Peers returns the latest status received from each peer
func (s *GossipService) Peers() map[string]model.HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.HealthStatus, len(s.peers))
	for id, st := range s.peers {
		out[id] = *st
	}
	return out
}

// Members returns the number of live cluster members
func (s *GossipService) Members() int {
	if s.memberlist == nil {
		return 1
	}
	return s.memberlist.NumMembers()
}

// Shutdown leaves the cluster
func (s *GossipService) Shutdown() error {
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
}

// NotifyLeave is called when a node leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left", zap.String("node_id", node.Name))

	d.service.mu.Lock()
	delete(d.service.peers, node.Name)
	d.service.mu.Unlock()
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated", zap.String("node_id", node.Name))
}
