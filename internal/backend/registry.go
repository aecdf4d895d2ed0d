package backend

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vyrodovalexey/medgw/internal/config"
	"github.com/vyrodovalexey/medgw/internal/observability"
)

// Registry errors.
var (
	// ErrServiceNotFound is returned for a backend name that was never registered.
	ErrServiceNotFound = errors.New("backend service not found")

	// ErrInstanceNotFound is returned for an unknown instance id.
	ErrInstanceNotFound = errors.New("backend instance not found")

	// ErrDuplicateInstance is returned when adding an instance id twice.
	ErrDuplicateInstance = errors.New("backend instance already registered")

	// ErrNoHealthyInstances is the normal "no capacity" result of
	// GetHealthyInstance.
	ErrNoHealthyInstances = errors.New("no healthy instances")
)

// StatusChangeFunc is called after an instance changes health.
type StatusChangeFunc func(service, instanceID string, healthy bool)

// Instance is one replica of a backend service. Fields are guarded by the
// owning service's lock.
type Instance struct {
	id              string
	host            string
	port            int
	healthy         bool
	lastHealthCheck time.Time
	load            int64
}

// InstanceStatus is a point-in-time copy of an Instance.
type InstanceStatus struct {
	ID              string    `json:"id"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	Healthy         bool      `json:"healthy"`
	LastHealthCheck time.Time `json:"lastHealthCheck"`
	Load            int64     `json:"load"`
}

// Address returns host:port.
func (s InstanceStatus) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the base URL of the instance.
func (s InstanceStatus) URL() string {
	return "http://" + s.Address()
}

func (i *Instance) status() InstanceStatus {
	return InstanceStatus{
		ID:              i.id,
		Host:            i.host,
		Port:            i.port,
		Healthy:         i.healthy,
		LastHealthCheck: i.lastHealthCheck,
		Load:            i.load,
	}
}

// Service is a logical backend with its ordered instances.
type Service struct {
	name     string
	prefix   string
	critical bool

	mu        sync.RWMutex
	instances []*Instance
}

func (s *Service) find(id string) *Instance {
	for _, inst := range s.instances {
		if inst.id == id {
			return inst
		}
	}
	return nil
}

// ServiceStatus is a snapshot of a service and its instances.
type ServiceStatus struct {
	Name      string           `json:"name"`
	Critical  bool             `json:"critical"`
	Total     int              `json:"total"`
	Healthy   int              `json:"healthy"`
	Unhealthy int              `json:"unhealthy"`
	Instances []InstanceStatus `json:"instances"`
}

// Registry owns all backend services. The set of services is fixed at
// construction; instances within a service may be added or removed.
type Registry struct {
	services       map[string]*Service
	order          []string
	balancer       Balancer
	clock          clock.Clock
	logger         observability.Logger
	onStatusChange StatusChangeFunc
}

// RegistryOption is a functional option for configuring the registry.
type RegistryOption func(*Registry)

// WithBalancer sets the instance selection policy.
func WithBalancer(b Balancer) RegistryOption {
	return func(r *Registry) {
		r.balancer = b
	}
}

// WithClock sets the clock used for lastHealthCheck timestamps.
func WithClock(c clock.Clock) RegistryOption {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger observability.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithStatusChangeCallback sets a callback for instance health flips.
func WithStatusChangeCallback(fn StatusChangeFunc) RegistryOption {
	return func(r *Registry) {
		r.onStatusChange = fn
	}
}

// NewRegistry builds a registry from backend configuration. Every
// instance starts healthy with zero load.
func NewRegistry(backends []config.Backend, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		services: make(map[string]*Service, len(backends)),
		balancer: NewWeightedLoadBalancer(),
		clock:    clock.New(),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}

	now := r.clock.Now()
	for _, b := range backends {
		if b.Name == "" {
			return nil, errors.New("backend name is required")
		}
		if _, exists := r.services[b.Name]; exists {
			return nil, fmt.Errorf("duplicate backend %q", b.Name)
		}

		svc := &Service{name: b.Name, prefix: b.Prefix, critical: b.Critical}
		for _, ic := range b.Instances {
			if svc.find(ic.ID) != nil {
				return nil, fmt.Errorf("backend %q: %w: %s", b.Name, ErrDuplicateInstance, ic.ID)
			}
			svc.instances = append(svc.instances, newInstance(ic, now))
		}

		r.services[b.Name] = svc
		r.order = append(r.order, b.Name)
	}

	return r, nil
}

func newInstance(ic config.Instance, now time.Time) *Instance {
	return &Instance{
		id:              ic.ID,
		host:            ic.Host,
		port:            ic.Port,
		healthy:         true,
		lastHealthCheck: now,
	}
}

func (r *Registry) service(name string) (*Service, error) {
	svc, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return svc, nil
}

// Services returns the registered backend names in configuration order.
func (r *Registry) Services() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// GetHealthyInstance selects a healthy instance of the named backend
// using the configured balancer, then increments its load and refreshes
// its lastHealthCheck. ErrNoHealthyInstances means the backend currently
// has no capacity.
func (r *Registry) GetHealthyInstance(name string) (*InstanceStatus, error) {
	svc, err := r.service(name)
	if err != nil {
		return nil, err
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	healthy := make([]*Instance, 0, len(svc.instances))
	for _, inst := range svc.instances {
		if inst.healthy {
			healthy = append(healthy, inst)
		}
	}
	if len(healthy) == 0 {
		return nil, ErrNoHealthyInstances
	}

	chosen := r.balancer.Select(healthy)
	chosen.load++
	chosen.lastHealthCheck = r.clock.Now()

	st := chosen.status()
	return &st, nil
}

// MarkInstanceHealthy marks an instance healthy. Repeated calls are no-ops.
func (r *Registry) MarkInstanceHealthy(name, instanceID string) error {
	return r.setHealth(name, instanceID, true)
}

// MarkInstanceUnhealthy marks an instance unhealthy. Repeated calls are no-ops.
func (r *Registry) MarkInstanceUnhealthy(name, instanceID string) error {
	return r.setHealth(name, instanceID, false)
}

func (r *Registry) setHealth(name, instanceID string, healthy bool) error {
	svc, err := r.service(name)
	if err != nil {
		return err
	}

	svc.mu.Lock()
	inst := svc.find(instanceID)
	if inst == nil {
		svc.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrInstanceNotFound, name, instanceID)
	}
	changed := inst.healthy != healthy
	if changed {
		inst.healthy = healthy
		inst.lastHealthCheck = r.clock.Now()
	}
	svc.mu.Unlock()

	if !changed {
		return nil
	}

	if healthy {
		r.logger.Info("backend instance marked healthy",
			observability.String("service", name),
			observability.String("instance", instanceID),
		)
	} else {
		r.logger.Warn("backend instance marked unhealthy",
			observability.String("service", name),
			observability.String("instance", instanceID),
		)
	}

	if r.onStatusChange != nil {
		r.onStatusChange(name, instanceID, healthy)
	}
	return nil
}

// GetServiceStatus returns a snapshot of the named backend.
func (r *Registry) GetServiceStatus(name string) (ServiceStatus, error) {
	svc, err := r.service(name)
	if err != nil {
		return ServiceStatus{}, err
	}

	svc.mu.RLock()
	defer svc.mu.RUnlock()

	st := ServiceStatus{
		Name:      svc.name,
		Critical:  svc.critical,
		Total:     len(svc.instances),
		Instances: make([]InstanceStatus, 0, len(svc.instances)),
	}
	for _, inst := range svc.instances {
		if inst.healthy {
			st.Healthy++
		} else {
			st.Unhealthy++
		}
		st.Instances = append(st.Instances, inst.status())
	}
	return st, nil
}

// AddInstance registers a new healthy instance at runtime.
func (r *Registry) AddInstance(name string, ic config.Instance) error {
	svc, err := r.service(name)
	if err != nil {
		return err
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	if svc.find(ic.ID) != nil {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateInstance, name, ic.ID)
	}
	svc.instances = append(svc.instances, newInstance(ic, r.clock.Now()))

	r.logger.Info("backend instance added",
		observability.String("service", name),
		observability.String("instance", ic.ID),
	)
	return nil
}

// RemoveInstance drops an instance at runtime.
func (r *Registry) RemoveInstance(name, instanceID string) error {
	svc, err := r.service(name)
	if err != nil {
		return err
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	for i, inst := range svc.instances {
		if inst.id == instanceID {
			svc.instances = append(svc.instances[:i:i], svc.instances[i+1:]...)
			r.logger.Info("backend instance removed",
				observability.String("service", name),
				observability.String("instance", instanceID),
			)
			return nil
		}
	}
	return fmt.Errorf("%w: %s/%s", ErrInstanceNotFound, name, instanceID)
}

// Target identifies one instance for out-of-band probing.
type Target struct {
	Service  string
	Instance InstanceStatus
}

// Targets returns a snapshot of every instance of every service.
func (r *Registry) Targets() []Target {
	var targets []Target
	for _, name := range r.order {
		svc := r.services[name]
		svc.mu.RLock()
		for _, inst := range svc.instances {
			targets = append(targets, Target{Service: name, Instance: inst.status()})
		}
		svc.mu.RUnlock()
	}
	return targets
}
