/*
Package rails contains the concrete rail adapters - blockchain gateway and
mobile-money provider clients - and the registry that maps rail codes to
them.

The settlement core only ever sees settlement.Adapter; everything
provider-specific (endpoints, signatures, payload shapes) stays here. One
adapter instance per (network, provider), resolved once at startup.
*/
package rails

import (
	"fmt"
	"sort"

	"github.com/blackgerm/settlement-engine/settlement"
)

// Registry maps rail codes to their adapter and configuration. It is built
// during startup and read-only afterwards.
type Registry struct {
	entries map[string]entry
}

type entry struct {
	adapter settlement.Adapter
	config  settlement.RailConfig
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a rail. Registering the same code twice panics: that is a
// wiring bug, not a runtime condition.
func (r *Registry) Register(cfg settlement.RailConfig, adapter settlement.Adapter) {
	if _, ok := r.entries[cfg.Code]; ok {
		panic(fmt.Sprintf("rail %s registered twice", cfg.Code))
	}
	r.entries[cfg.Code] = entry{adapter: adapter, config: cfg}
}

// Resolve implements settlement.Resolver.
func (r *Registry) Resolve(code string) (settlement.Adapter, settlement.RailConfig, error) {
	e, ok := r.entries[code]
	if !ok {
		return nil, settlement.RailConfig{}, fmt.Errorf("%w: %q", settlement.ErrUnknownRail, code)
	}
	return e.adapter, e.config, nil
}

// Configs implements settlement.Resolver. Sorted by code for stable output.
func (r *Registry) Configs() []settlement.RailConfig {
	out := make([]settlement.RailConfig, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.config)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
