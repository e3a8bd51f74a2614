package plugin

import (
	"fmt"
	"sort"

	"github.com/brainkernel/brain/aigateway"
	"github.com/brainkernel/brain/bus"
	"github.com/brainkernel/brain/brainerr"
	"github.com/brainkernel/brain/clockid"
	"github.com/brainkernel/brain/conversation"
	"github.com/brainkernel/brain/daemon"
	"github.com/brainkernel/brain/entity"
	"github.com/brainkernel/brain/logging"
	"github.com/brainkernel/brain/queue"
	"github.com/brainkernel/brain/template"
)

// Health is the per-plugin health snapshot returned by GetHealth.
type Health struct {
	ID      string
	Started bool
	Error   string
}

// Manager owns the plugin registry and its dependency-ordered lifecycle:
// register, then start, then stop, over an arbitrary plugin dependency
// graph.
type Manager struct {
	entities      *entity.Store
	entityTypes   *entity.Registry
	templates     *template.Registry
	queue         *queue.Queue
	bus           *bus.Bus
	daemons       *daemon.Registry
	conversations *conversation.Store
	ai            aigateway.Gateway
	clock         clockid.Clock
	logger        *logging.Logger

	plugins map[string]*Plugin
	order   []string // topological start order, computed by Start
	health  map[string]Health
}

// NewManager builds a Manager over the kernel primitives every plugin
// Context is assembled from.
func NewManager(entities *entity.Store, entityTypes *entity.Registry, templates *template.Registry, q *queue.Queue, b *bus.Bus, daemons *daemon.Registry, conversations *conversation.Store, ai aigateway.Gateway, clock clockid.Clock, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	return &Manager{
		entities:      entities,
		entityTypes:   entityTypes,
		templates:     templates,
		queue:         q,
		bus:           b,
		daemons:       daemons,
		conversations: conversations,
		ai:            ai,
		clock:         clock,
		logger:        logger.Child("plugin"),
		plugins:       make(map[string]*Plugin),
		health:        make(map[string]Health),
	}
}

// Register adds a plugin definition. It does not invoke OnRegister; that
// happens in dependency order when Start is called.
func (m *Manager) Register(p Plugin) error {
	if p.ID == "" {
		return brainerr.New(brainerr.Validation, "plugin id must not be empty", nil)
	}
	if _, exists := m.plugins[p.ID]; exists {
		return brainerr.New(brainerr.Conflict, "plugin already registered", map[string]any{"pluginId": p.ID})
	}
	cp := p
	m.plugins[p.ID] = &cp
	return nil
}

// Start computes a dependency-respecting topological order via Kahn's
// algorithm and calls each plugin's OnRegister in that order. A cycle or a
// reference to an unregistered dependency is a fatal brainerr.Dependency
// error at load time.
//
// A plugin whose OnRegister fails after registering some artifacts of its
// own (entity types, templates, daemons) has those artifacts rolled back
// before Start returns, so a failed plugin never leaves orphaned state
// behind for the plugins that come after it.
func (m *Manager) Start() error {
	order, err := m.topoSort()
	if err != nil {
		return err
	}
	m.order = order

	for _, id := range order {
		p := m.plugins[id]
		ctx := m.contextFor(p)

		before := m.snapshot()

		if p.OnRegister != nil {
			if err := p.OnRegister(ctx); err != nil {
				m.rollback(before)
				m.health[id] = Health{ID: id, Started: false, Error: err.Error()}
				return brainerr.Wrap(brainerr.Dependency, "plugin failed to start", err, map[string]any{"pluginId": id})
			}
		}
		m.health[id] = Health{ID: id, Started: true}
	}
	return nil
}

// Stop calls every started plugin's OnShutdown in the reverse of its start
// order, best-effort: a shutdown error is logged, not propagated, so one
// misbehaving plugin cannot block the rest from unwinding.
func (m *Manager) Stop() {
	for i := len(m.order) - 1; i >= 0; i-- {
		id := m.order[i]
		p := m.plugins[id]
		if h, ok := m.health[id]; !ok || !h.Started {
			continue
		}
		if p.OnShutdown == nil {
			continue
		}
		ctx := m.contextFor(p)
		if err := p.OnShutdown(ctx); err != nil {
			m.logger.Error("plugin shutdown failed", "pluginId", id, "error", err)
		}
	}
}

// GetHealth returns the last recorded health snapshot for a plugin id.
func (m *Manager) GetHealth(pluginID string) (Health, bool) {
	h, ok := m.health[pluginID]
	return h, ok
}

func (m *Manager) contextFor(p *Plugin) any {
	core := CoreContext{Logger: m.logger, Clock: m.clock}
	service := ServiceContext{
		CoreContext: core,
		Entities:    m.entities,
		EntityTypes: m.entityTypes,
		Templates:   m.templates,
		Queue:       m.queue,
		Bus:         m.bus,
		Daemons:     m.daemons,
		AI:          m.ai,
	}
	switch p.Category {
	case Service:
		return service
	case Interface:
		return InterfaceContext{
			ServiceContext: service,
			InterfaceID:    p.ID,
			Conversations:  m.conversations,
			Query: func(msgType string, payload any, target string) bus.Response {
				if target != "" {
					return m.bus.Send(msgType, payload, false, bus.WithTarget(target), bus.WithSource(p.ID))
				}
				return m.bus.Send(msgType, payload, false, bus.WithSource(p.ID))
			},
			Subscribe: m.bus.Subscribe,
		}
	default:
		return core
	}
}

// artifactSnapshot records the ids of already-registered entity types,
// templates, and daemons, so a failed plugin's own additions can be
// identified and rolled back without disturbing artifacts earlier plugins
// already registered.
type artifactSnapshot struct {
	entityTypes map[string]bool
	templates   map[string]bool
	daemons     map[string]bool
}

func (m *Manager) snapshot() artifactSnapshot {
	s := artifactSnapshot{
		entityTypes: make(map[string]bool),
		templates:   make(map[string]bool),
		daemons:     make(map[string]bool),
	}
	if m.entityTypes != nil {
		for _, n := range m.entityTypes.Names() {
			s.entityTypes[n] = true
		}
	}
	if m.templates != nil {
		for _, id := range m.templates.IDs() {
			s.templates[id] = true
		}
	}
	if m.daemons != nil {
		for _, id := range m.daemons.IDs() {
			s.daemons[id] = true
		}
	}
	return s
}

// rollback unregisters every artifact present now but absent from before —
// i.e. everything the failed plugin's onRegister added before it returned
// its error.
func (m *Manager) rollback(before artifactSnapshot) {
	if m.entityTypes != nil {
		for _, n := range m.entityTypes.Names() {
			if !before.entityTypes[n] {
				if m.entityTypes.Unregister(n) {
					m.logger.Warn("rolled back entity type from failed plugin", "entityType", n)
				}
			}
		}
	}
	if m.templates != nil {
		for _, id := range m.templates.IDs() {
			if !before.templates[id] {
				if m.templates.Unregister(id) {
					m.logger.Warn("rolled back template from failed plugin", "templateId", id)
				}
			}
		}
	}
	if m.daemons != nil {
		for _, id := range m.daemons.IDs() {
			if !before.daemons[id] {
				if m.daemons.Unregister(id) {
					m.logger.Warn("rolled back daemon from failed plugin", "daemonId", id)
				}
			}
		}
	}
}

// topoSort runs Kahn's algorithm over m.plugins' Dependencies edges,
// breaking ties by plugin id so the resulting order is deterministic.
func (m *Manager) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(m.plugins))
	dependents := make(map[string][]string, len(m.plugins))

	for id := range m.plugins {
		inDegree[id] = 0
	}
	for id, p := range m.plugins {
		for _, dep := range p.Dependencies {
			if _, ok := m.plugins[dep]; !ok {
				return nil, brainerr.New(brainerr.Dependency, "plugin depends on an unregistered plugin", map[string]any{
					"pluginId":   id,
					"dependency": dep,
				})
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(m.plugins))
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		next := dependents[id]
		sort.Strings(next)
		for _, child := range next {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(order) != len(m.plugins) {
		var cyclic []string
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return nil, brainerr.New(brainerr.Dependency, "plugin dependency cycle detected", map[string]any{
			"plugins": fmt.Sprint(cyclic),
		})
	}
	return order, nil
}
