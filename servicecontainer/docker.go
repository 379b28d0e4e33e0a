// Package servicecontainer starts the ephemeral services that capabilities
// run in internal mode, one Docker container per service.
package servicecontainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/GoCodeAlone/forgeit/host"
	"github.com/GoCodeAlone/modular"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// ComponentName is the component the per-container manager is registered as.
const ComponentName = "forgeit.servicecontainer"

// Spec describes one service to run.
type Spec struct {
	// Name is the logical service name, e.g. "kafka". One instance runs per name.
	Name          string
	Image         string
	Env           map[string]string
	Cmd           []string
	ContainerPort int
	// HostPort publishes ContainerPort on this host port. Zero allocates one.
	HostPort     int
	ReadyTimeout time.Duration
}

// Instance is a running service.
type Instance struct {
	ID       string
	Name     string
	HostPort int
}

// Addr returns the host address of the published port.
func (i *Instance) Addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(i.HostPort))
}

type engine interface {
	create(ctx context.Context, spec Spec) (string, error)
	start(ctx context.Context, id string) error
	remove(ctx context.Context, id string) error
}

// Manager starts and removes service containers.
type Manager struct {
	engine    engine
	ports     *PortAllocator
	logger    modular.Logger
	waitReady func(ctx context.Context, addr string, timeout time.Duration) error

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewManager creates a manager talking to the Docker daemon configured by
// the environment (DOCKER_HOST and friends).
func NewManager(logger modular.Logger) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("servicecontainer: create Docker client: %w", err)
	}
	return newManager(&dockerEngine{cli: cli}, logger), nil
}

func newManager(e engine, logger modular.Logger) *Manager {
	return &Manager{
		engine:    e,
		ports:     NewPortAllocator(),
		logger:    logger,
		waitReady: waitForPort,
		instances: make(map[string]*Instance),
	}
}

// For returns the manager of c, creating it on first use. The manager's
// containers are removed when c stops.
func For(c *host.Container) (*Manager, error) {
	if m, err := host.Lookup[*Manager](c.Components(), ComponentName); err == nil {
		return m, nil
	}
	m, err := NewManager(c.Logger())
	if err != nil {
		return nil, err
	}
	if err := c.Components().Register(ComponentName, m); err != nil {
		return nil, err
	}
	c.OnStop(ComponentName, m.Stop)
	return m, nil
}

// AllocatePort reserves a host port for the named service ahead of Start,
// for services that must advertise their published port.
func (m *Manager) AllocatePort(name string) (int, error) {
	return m.ports.Allocate(name)
}

// Start runs spec unless an instance with the same name is already running.
func (m *Manager) Start(ctx context.Context, spec Spec) (*Instance, error) {
	if spec.Name == "" || spec.Image == "" {
		return nil, fmt.Errorf("servicecontainer: name and image are required")
	}
	if spec.ContainerPort == 0 {
		return nil, fmt.Errorf("servicecontainer: %s: container port is required", spec.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if inst, ok := m.instances[spec.Name]; ok {
		return inst, nil
	}

	if spec.HostPort == 0 {
		port, err := m.ports.Allocate(spec.Name)
		if err != nil {
			return nil, err
		}
		spec.HostPort = port
	}
	if spec.ReadyTimeout == 0 {
		spec.ReadyTimeout = 60 * time.Second
	}

	id, err := m.engine.create(ctx, spec)
	if err != nil {
		m.ports.Release(spec.Name)
		return nil, fmt.Errorf("servicecontainer: create %s: %w", spec.Name, err)
	}
	inst := &Instance{ID: id, Name: spec.Name, HostPort: spec.HostPort}

	if err := m.engine.start(ctx, id); err != nil {
		m.discard(inst)
		return nil, fmt.Errorf("servicecontainer: start %s: %w", spec.Name, err)
	}
	if err := m.waitReady(ctx, inst.Addr(), spec.ReadyTimeout); err != nil {
		m.discard(inst)
		return nil, fmt.Errorf("servicecontainer: %s not ready: %w", spec.Name, err)
	}

	m.instances[spec.Name] = inst
	if m.logger != nil {
		m.logger.Info("Service container started", "service", spec.Name, "image", spec.Image, "addr", inst.Addr())
	}
	return inst, nil
}

func (m *Manager) discard(inst *Instance) {
	removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = m.engine.remove(removeCtx, inst.ID)
	m.ports.Release(inst.Name)
}

// Instance returns the running instance of the named service.
func (m *Manager) Instance(name string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[name]
	return inst, ok
}

// Stop removes every running instance.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.instances))
	for name := range m.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	instances := m.instances
	m.instances = make(map[string]*Instance)
	m.mu.Unlock()

	var errs []error
	for _, name := range names {
		inst := instances[name]
		if err := m.engine.remove(ctx, inst.ID); err != nil {
			errs = append(errs, fmt.Errorf("servicecontainer: remove %s: %w", name, err))
		}
		m.ports.Release(name)
	}
	return errors.Join(errs...)
}

func waitForPort(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", addr, ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
}

type dockerEngine struct {
	cli *client.Client
}

func (d *dockerEngine) create(ctx context.Context, spec Spec) (string, error) {
	cfg, hostCfg, err := containerConfig(spec)
	if err != nil {
		return "", err
	}
	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if client.IsErrNotFound(err) {
		if pullErr := d.pull(ctx, spec.Image); pullErr != nil {
			return "", fmt.Errorf("pull %s: %w", spec.Image, pullErr)
		}
		resp, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	}
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerEngine) pull(ctx context.Context, ref string) error {
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *dockerEngine) start(ctx context.Context, id string) error {
	return d.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *dockerEngine) remove(ctx context.Context, id string) error {
	return d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

// containerConfig builds the Docker create arguments for spec.
func containerConfig(spec Spec) (*container.Config, *container.HostConfig, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return nil, nil, err
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Cmd:          spec.Cmd,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       map[string]string{"forgeit.service": spec.Name},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		AutoRemove: false,
	}
	return cfg, hostCfg, nil
}
