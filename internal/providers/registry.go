package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry resolves (provider, modelId) pairs to a descriptor and a driver.
// Drivers register once at startup; resolution is read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]ModelDriver      // provider → driver
	models  map[string]ModelDescriptor  // "provider/model" → descriptor
}

func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]ModelDriver),
		models:  make(map[string]ModelDescriptor),
	}
}

// RegisterDriver installs the driver for a provider.
func (r *Registry) RegisterDriver(driver ModelDriver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[driver.Name()] = driver
}

// RegisterModel registers a model descriptor under its provider.
func (r *Registry) RegisterModel(desc ModelDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[desc.Tag()] = desc
}

// Resolve looks up the descriptor and driver for (provider, modelId).
func (r *Registry) Resolve(provider, modelID string) (ModelDescriptor, ModelDriver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	driver, ok := r.drivers[provider]
	if !ok {
		return ModelDescriptor{}, nil, fmt.Errorf("unknown provider: %s", provider)
	}
	desc, ok := r.models[provider+"/"+modelID]
	if !ok {
		return ModelDescriptor{}, nil, fmt.Errorf("unknown model: %s/%s", provider, modelID)
	}
	return desc, driver, nil
}

// ResolveTag resolves a canonical "provider/model" tag.
func (r *Registry) ResolveTag(tag string) (ModelDescriptor, ModelDriver, error) {
	provider, modelID, ok := SplitTag(tag)
	if !ok {
		return ModelDescriptor{}, nil, fmt.Errorf("invalid model tag: %q (want provider/model)", tag)
	}
	return r.Resolve(provider, modelID)
}

// Providers returns the registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SplitTag splits "provider/model" into its parts.
func SplitTag(tag string) (provider, modelID string, ok bool) {
	i := strings.Index(tag, "/")
	if i <= 0 || i == len(tag)-1 {
		return "", "", false
	}
	return tag[:i], tag[i+1:], true
}
