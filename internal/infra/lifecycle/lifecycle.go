// Package lifecycle — менеджер подсистем клиента (хранилище, транспорт,
// присутствие, роутер уведомлений, списки, веб и CLI).
// Узлы образуют дерево контекстов с явными зависимостями: StartAll поднимает
// зависимости раньше зависимых, Shutdown гасит всё в обратном фактическому старту порядке.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"clofri/internal/infra/logger"
)

// StartFunc запускает узел. Переданный контекст отменяется при остановке узла
// или его родителя; фоновые горутины узла должны на него опираться.
type StartFunc func(ctx context.Context) error

// StopFunc останавливает узел. На момент вызова контекст узла уже отменён.
type StopFunc func(ctx context.Context) error

// Status — состояние узла.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
)

const rootName = "root"

type node struct {
	name   string
	parent string
	deps   []string

	start StartFunc
	stop  StopFunc

	ctx    context.Context
	cancel context.CancelFunc
	status Status
	err    error
}

// Manager управляет набором узлов. Потокобезопасен.
type Manager struct {
	mu         sync.Mutex
	nodes      map[string]*node
	startOrder []string
}

// NodeState — снимок состояния узла для диагностики (CLI, /healthz).
type NodeState struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// New создаёт менеджер с корневым узлом, уже находящимся в Running.
func New(rootCtx context.Context) *Manager {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Manager{
		nodes: map[string]*node{
			rootName: {name: rootName, ctx: rootCtx, status: StatusRunning},
		},
	}
}

// Register добавляет узел name. Пустой parent означает root; deps должны быть
// запущены до узла.
func (m *Manager) Register(name, parent string, deps []string, start StartFunc, stop StopFunc) error {
	if name == "" || name == rootName {
		return fmt.Errorf("lifecycle: invalid node name %q", name)
	}
	if parent == "" {
		parent = rootName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[name]; exists {
		return fmt.Errorf("lifecycle: node %q already registered", name)
	}
	if _, ok := m.nodes[parent]; !ok {
		return fmt.Errorf("lifecycle: parent %q not found for node %q", parent, name)
	}
	uniq := slices.Clone(deps)
	slices.Sort(uniq)
	uniq = slices.Compact(uniq)
	uniq = slices.DeleteFunc(uniq, func(d string) bool { return d == parent })
	if slices.Contains(uniq, name) {
		return fmt.Errorf("lifecycle: node %q cannot depend on itself", name)
	}

	m.nodes[name] = &node{
		name:   name,
		parent: parent,
		deps:   uniq,
		start:  start,
		stop:   stop,
		status: StatusRegistered,
	}
	return nil
}

// StartAll запускает все узлы. Имена обходятся в алфавитном порядке, фактический
// порядок с учётом зависимостей фиксируется для Shutdown.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		if name != rootName {
			names = append(names, name)
		}
	}
	m.mu.Unlock()
	slices.Sort(names)

	var errs error
	for _, name := range names {
		if err := m.startNode(name); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	logger.Debugf("lifecycle start order: %v", m.StartOrder())
	return errs
}

func (m *Manager) startNode(name string) error {
	m.mu.Lock()
	n, ok := m.nodes[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: node %q not registered", name)
	}
	switch n.status {
	case StatusRunning:
		m.mu.Unlock()
		return nil
	case StatusStarting:
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: detected cycle while starting %q", name)
	case StatusFailed:
		err := n.err
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: node %q failed earlier: %w", name, err)
	}
	n.status = StatusStarting
	m.mu.Unlock()

	logger.Debugf("starting node %s", name)

	for _, dep := range append([]string{n.parent}, n.deps...) {
		if err := m.startNode(dep); err != nil {
			m.setFailed(name, err)
			logger.Errorf("failed to start node %s: %v", name, err)
			return err
		}
	}

	m.mu.Lock()
	parentCtx := m.nodes[n.parent].ctx
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(parentCtx)
	if n.start != nil {
		if err := n.start(ctx); err != nil {
			cancel()
			m.setFailed(name, err)
			logger.Errorf("failed to start node %s: %v", name, err)
			return err
		}
	}

	m.mu.Lock()
	n.ctx = ctx
	n.cancel = cancel
	n.status = StatusRunning
	n.err = nil
	if !slices.Contains(m.startOrder, name) {
		m.startOrder = append(m.startOrder, name)
	}
	m.mu.Unlock()

	logger.Debugf("node %s is running", name)
	return nil
}

// Shutdown останавливает запущенные узлы в обратном порядке.
func (m *Manager) Shutdown() error {
	order := m.StartOrder()
	var errs error
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.stopNode(order[i]); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func (m *Manager) stopNode(name string) error {
	m.mu.Lock()
	n, ok := m.nodes[name]
	if !ok || n.status != StatusRunning {
		m.mu.Unlock()
		return nil
	}
	n.status = StatusStopping
	cancel, stopFn, ctx := n.cancel, n.stop, n.ctx
	m.mu.Unlock()

	logger.Debugf("stopping node %s", name)
	if cancel != nil {
		cancel()
	}
	var err error
	if stopFn != nil {
		err = stopFn(ctx)
	}

	m.mu.Lock()
	if err != nil {
		n.status, n.err = StatusFailed, err
	} else {
		n.status, n.err = StatusStopped, nil
	}
	m.mu.Unlock()

	if err != nil {
		logger.Errorf("node %s stopped with error: %v", name, err)
	} else {
		logger.Debugf("node %s stopped", name)
	}
	return err
}

// StartOrder возвращает копию фактического порядка запуска.
func (m *Manager) StartOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.startOrder)
}

// States возвращает снимок состояний всех узлов, кроме root, по алфавиту.
func (m *Manager) States() []NodeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NodeState, 0, len(m.nodes)-1)
	for name, n := range m.nodes {
		if name == rootName {
			continue
		}
		st := NodeState{Name: name, Status: n.status}
		if n.err != nil {
			st.Error = n.err.Error()
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b NodeState) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

func (m *Manager) setFailed(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[name]; ok {
		n.status = StatusFailed
		n.err = err
	}
}
