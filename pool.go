package qlean

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/qlean/qlean/internal/imagestore"
	"github.com/qlean/qlean/internal/network"
)

// Pool groups several Machines that share one libvirt network and one
// image cache, so a test harness can bring up a small fleet without
// hand-wiring networking or re-downloading base images per Machine.
type Pool struct {
	deps Dependencies

	mu       sync.Mutex
	machines map[string]*Machine
	order    []string
}

// NewPool builds a Pool backed by a Store rooted at baseDir and the
// shared "qlean" network reachable through client. catalog supplies the
// distro entries Machines may reference by name.
//
// Every Pool in the process shares one network Controller (and so one
// refcount over the "qlean" network): the first NewPool call's client
// and baseDir win, and later Pools reuse that Controller, so no Pool
// can stop the network while another Pool's Machines are still using
// it.
func NewPool(baseDir string, client *network.Client, catalog Catalog) *Pool {
	return &Pool{
		deps: Dependencies{
			Store:   imagestore.New(baseDir),
			Network: network.SharedController(client, filepath.Join(baseDir, "network.xml")),
			Catalog: catalog,
		},
		machines: make(map[string]*Machine),
	}
}

// Add constructs a Machine for cfg and registers it under cfg.Name. It
// does not Init or Spawn the Machine; call InitAll/SpawnAll, or drive
// the returned Machine directly.
func (p *Pool) Add(cfg MachineConfig) (*Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.machines[cfg.Name]; exists {
		return nil, &DuplicateName{Name: cfg.Name}
	}

	m, err := NewMachine(cfg, p.deps)
	if err != nil {
		return nil, err
	}
	p.machines[cfg.Name] = m
	p.order = append(p.order, cfg.Name)
	return m, nil
}

// Get returns the Machine registered under name.
func (p *Pool) Get(name string) (*Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.machines[name]
	if !ok {
		return nil, &NotFound{Kind: "machine", Name: name}
	}
	return m, nil
}

// Machines returns every Machine in the Pool, in the order they were
// added.
func (p *Pool) Machines() []*Machine {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Machine, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.machines[name])
	}
	return out
}

// forEach runs fn over every Machine concurrently and joins whatever
// errors come back. It uses a plain errgroup.Group (not WithContext)
// purely for the goroutine fan-out/wait mechanics; it deliberately
// ignores g.Wait()'s own fail-fast return value in favor of collecting
// every member's error itself, since tearing down a Pool's Machines
// after a partial failure needs every Machine's cleanup to still run,
// not just the ones still pending when the first error landed.
func (p *Pool) forEach(fn func(*Machine) error) error {
	machines := p.Machines()

	var g errgroup.Group
	errs := make([]error, len(machines))
	for i, m := range machines {
		i, m := i, m
		g.Go(func() error {
			errs[i] = fn(m)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck

	return errors.Join(errs...)
}

// InitAll initializes every Machine in the Pool concurrently.
func (p *Pool) InitAll(ctx context.Context) error {
	return p.forEach(func(m *Machine) error { return m.Init(ctx) })
}

// SpawnAll starts every Machine in the Pool concurrently and waits for
// all of them to become ready.
func (p *Pool) SpawnAll(ctx context.Context) error {
	return p.forEach(func(m *Machine) error { return m.Spawn(ctx) })
}

// ShutdownAll shuts down every Machine in the Pool concurrently.
func (p *Pool) ShutdownAll(ctx context.Context) error {
	return p.forEach(func(m *Machine) error { return m.Shutdown(ctx) })
}

// TeardownAll tears down every Machine in the Pool concurrently,
// regardless of whether Shutdown succeeded for each, so a failure in
// one Machine's graceful stop never strands another Machine's disk or
// network reservation.
func (p *Pool) TeardownAll(ctx context.Context) error {
	return p.forEach(func(m *Machine) error { return m.Teardown(ctx) })
}
