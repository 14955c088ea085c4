// Package portmgr implements the Port Manager and Coordinators (Systems
// 2-3): a registry of named Serial Port Controllers, conflict arbitration
// between contending requests, and periodic health supervision. Grounded on
// the teacher's internal/operator/server.go MemRegistry — an RWMutex-
// guarded map of entries with narrow accessor methods — generalized from
// process records to port records.
package portmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cyreal-project/cyreal-core/internal/governor"
	"github.com/cyreal-project/cyreal-core/internal/platform"
	"github.com/cyreal-project/cyreal-core/internal/serialport"
)

// Sentinel errors matching the named failure modes in the port manager
// contract.
var (
	ErrDuplicateID = errors.New("portmgr: duplicate port id")
	ErrInvalidPath = errors.New("portmgr: invalid physical path")
	ErrPortInUse   = errors.New("portmgr: port in use")
	ErrNotFound    = errors.New("portmgr: port not found")
)

// PortSummary is a read-only view of a registered port's current state,
// returned by List.
type PortSummary struct {
	ID       string
	Path     string
	Type     serialport.PortType
	Priority int
	Status   serialport.Status
	Metrics  serialport.Metrics
	Owner    string
}

type entry struct {
	ctrl     *serialport.Controller
	path     string
	portType serialport.PortType
	priority int
	owner    string

	mu               sync.Mutex
	unhealthyStreak  int
}

// Manager owns every registered Serial Port Controller. All external access
// to a port routes through the Manager; it is the sole owner of Serial Port
// records as named in the data model.
type Manager struct {
	mu      sync.RWMutex
	ports   map[string]*entry
	arbiter Arbiter
	cap     platform.Capability
	log     *zap.Logger

	healthInterval time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
}

// Config tunes Manager behavior.
type Config struct {
	ConflictPolicy      ConflictPolicy
	HealthCheckInterval time.Duration
}

// New constructs a Manager. cap is the platform capability record used when
// constructing new controllers.
func New(cfg Config, cap platform.Capability, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	return &Manager{
		ports:          make(map[string]*entry),
		arbiter:        newArbiter(cfg.ConflictPolicy),
		cap:            cap,
		log:            log,
		healthInterval: cfg.HealthCheckInterval,
	}
}

// Register creates and opens a new Serial Port Controller under id.
// priority is stored with the port and reported by List; the Arbiter uses
// the priority passed with each ownership request, not this value.
func (m *Manager) Register(id, physicalPath string, portType serialport.PortType, priority int, settings serialport.LineSettings) (*serialport.Controller, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidPath)
	}
	if physicalPath == "" {
		return nil, fmt.Errorf("%w: empty physical path", ErrInvalidPath)
	}

	m.mu.Lock()
	if _, exists := m.ports[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	ctrl := serialport.NewController(id, physicalPath, m.cap, m.log)
	e := &entry{ctrl: ctrl, path: physicalPath, portType: portType, priority: priority}
	m.ports[id] = e
	m.mu.Unlock()

	if err := ctrl.Open(settings); err != nil {
		m.mu.Lock()
		delete(m.ports, id)
		m.mu.Unlock()
		return nil, err
	}
	m.log.Info("port registered", zap.String("port_id", id), zap.String("path", physicalPath))
	return ctrl, nil
}

// Unregister closes and removes a port.
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	e, ok := m.ports[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.ports, id)
	m.mu.Unlock()

	if err := e.ctrl.Close(); err != nil && err != serialport.ErrAlreadyClosed {
		return err
	}
	return nil
}

// List returns a summary of every registered port.
func (m *Manager) List() []PortSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PortSummary, 0, len(m.ports))
	for id, e := range m.ports {
		e.mu.Lock()
		owner := e.owner
		e.mu.Unlock()
		out = append(out, PortSummary{
			ID:       id,
			Path:     e.path,
			Type:     e.portType,
			Priority: e.priority,
			Status:   e.ctrl.Status(),
			Metrics:  e.ctrl.Metrics(),
			Owner:    owner,
		})
	}
	return out
}

// Lookup returns the controller registered under id.
func (m *Manager) Lookup(id string) (*serialport.Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.ports[id]
	if !ok {
		return nil, false
	}
	return e.ctrl, true
}

// Route requests ownership of port id for requester and, if granted, writes
// data through its controller. Ownership is arbitrated per the configured
// ConflictPolicy: a losing request fails with ErrPortInUse naming the
// winning owner.
func (m *Manager) Route(ctx context.Context, id, requester string, priority int, data []byte) (int, error) {
	m.mu.RLock()
	e, ok := m.ports[id]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	winner, granted := m.arbiter.Arbitrate(id, e.owner, requester, priority)
	if granted {
		e.owner = winner
	}
	current := e.owner
	e.mu.Unlock()

	if !granted {
		return 0, fmt.Errorf("%w: owned by %s", ErrPortInUse, current)
	}
	return e.ctrl.Write(ctx, data)
}

// Subscribe returns the chunk stream for port id.
func (m *Manager) Subscribe(id string) (<-chan serialport.Chunk, error) {
	m.mu.RLock()
	e, ok := m.ports[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.ctrl.Read(), nil
}

// StartHealthSupervision launches the periodic health-check loop described
// in the port manager contract: a port flagged unhealthy three consecutive
// times is restarted; a port that fails restart enters standby.
func (m *Manager) StartHealthSupervision(ctx context.Context) {
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.healthLoop(ctx)
}

// StopHealthSupervision halts the health-check loop.
func (m *Manager) StopHealthSupervision() {
	if m.stopCh != nil {
		close(m.stopCh)
		m.wg.Wait()
	}
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Manager) checkAll(ctx context.Context) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.ports))
	for _, e := range m.ports {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		m.checkOne(ctx, e)
	}
}

func (m *Manager) checkOne(ctx context.Context, e *entry) {
	status := e.ctrl.Status()
	healthy := status == serialport.StatusOperational || status == serialport.StatusWarning

	e.mu.Lock()
	if healthy {
		e.unhealthyStreak = 0
		e.mu.Unlock()
		return
	}
	e.unhealthyStreak++
	streak := e.unhealthyStreak
	e.mu.Unlock()

	if streak < 3 {
		return
	}

	settings := e.ctrl.Settings()
	m.log.Warn("port unhealthy for 3 consecutive checks, restarting",
		zap.String("port_id", e.ctrl.ID()), zap.String("status", string(status)))

	e.ctrl.Close()
	if err := e.ctrl.Open(settings); err != nil {
		m.log.Error("restart failed, port moved to standby",
			zap.String("port_id", e.ctrl.ID()), zap.Error(err))
	}
	e.mu.Lock()
	e.unhealthyStreak = 0
	e.mu.Unlock()
}

// RegisterGovernor is a convenience used by cmd/cyreald to enroll each
// port's sub-governors into the shared System 1 PSRLV runner set.
func RegisterGovernor(reg *governor.Registry, g governor.Governor, parentID string) error {
	return reg.Register(g, parentID)
}
