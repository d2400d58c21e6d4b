package driver

import (
	"fmt"
	"sort"
	"sync"
)

// Info describes what a registered driver offers, so configurations can be
// checked without constructing it.
type Info struct {
	Name string
	// Commands lists the names accepted besides ReadValue and scan.
	Commands []string
	// ScanParams lists the parameter names Scan accepts. Empty means the
	// driver is not scannable; "*" accepts any name.
	ScanParams []string
	DType      string
	Shape      []int
}

type entry struct {
	info    Info
	factory Factory
}

// Registry is the closed set of drivers a process can instantiate.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a driver. Registering the same name twice is an error.
func (r *Registry) Register(info Info, f Factory) error {
	if info.Name == "" || f == nil {
		return fmt.Errorf("driver registration needs a name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[info.Name]; dup {
		return fmt.Errorf("driver %q already registered", info.Name)
	}
	r.entries[info.Name] = entry{info: info, factory: f}
	return nil
}

// Lookup returns the factory and metadata for name.
func (r *Registry) Lookup(name string) (Factory, Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, Info{}, fmt.Errorf("%w: %s", ErrUnknownDriver, name)
	}
	return e.factory, e.info, nil
}

// Names lists registered drivers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateCommand checks that driverName accepts c.
func (r *Registry) ValidateCommand(driverName string, c Command) error {
	_, info, err := r.Lookup(driverName)
	if err != nil {
		return err
	}
	switch c.Name {
	case ReadValueCommand:
		return nil
	case ScanCommand:
		if len(info.ScanParams) == 0 {
			return fmt.Errorf("driver %s: %w", driverName, ErrNotScannable)
		}
		param, _, err := parseScanArg(c.Arg)
		if err != nil {
			return err
		}
		return info.ValidateScanParam(param)
	}
	for _, n := range info.Commands {
		if n == c.Name {
			return nil
		}
	}
	return fmt.Errorf("driver %s: %w: %s", driverName, ErrUnknownCommand, c.Name)
}

// ValidateScanParam checks that param is one of the declared scan parameters.
func (i Info) ValidateScanParam(param string) error {
	for _, p := range i.ScanParams {
		if p == param || p == "*" {
			return nil
		}
	}
	return fmt.Errorf("driver %s has no scan parameter %q", i.Name, param)
}
