package velbus

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// Module is a configured Velbus module.
type Module struct {
	ID      string
	Name    string
	Type    string // Free-form model name, e.g. "VMB4RYLD"
	Address *ModuleAddress
}

// Registry holds the modules known to the bridge and answers address
// lookups across all of them.
//
// Thread Safety: All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	modules []*Module
	byID    map[string]*Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Module)}
}

// Add registers a module. It fails if the ID is taken, if the module repeats
// one of its own addresses, or if any of its active addresses already belongs
// to another module.
func (r *Registry) Add(m *Module) error {
	if m == nil || m.Address == nil {
		return fmt.Errorf("%w: no address", ErrInvalidModule)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[m.ID]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateModule, m.ID)
	}
	if err := m.Address.Validate(); err != nil {
		return err
	}
	if err := r.checkAddresses(m.ID, m.Address.ActiveAddresses()); err != nil {
		return err
	}

	r.modules = append(r.modules, m)
	r.byID[m.ID] = m
	return nil
}

// checkAddresses reports the first address claimed by a module other than
// exceptID. Caller must hold r.mu.
func (r *Registry) checkAddresses(exceptID string, addrs []byte) error {
	for _, other := range r.modules {
		if other.ID == exceptID {
			continue
		}
		for _, a := range addrs {
			if other.Address.Contains(a) {
				return fmt.Errorf("%w: 0x%02X used by %q", ErrDuplicateAddress, a, other.ID)
			}
		}
	}
	return nil
}

// Get returns the module with the given ID.
func (r *Registry) Get(id string) (*Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModuleNotFound, id)
	}
	return m, nil
}

// Lookup returns the module that owns addr as its primary or an active
// sub-address.
func (r *Registry) Lookup(addr byte) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.modules {
		if m.Address.Contains(addr) {
			return m, true
		}
	}
	return nil, false
}

// Modules returns all modules ordered by primary address.
func (r *Registry) Modules() []*Module {
	r.mu.RLock()
	out := slices.Clone(r.modules)
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Module) int {
		return cmp.Compare(a.Address.Primary(), b.Address.Primary())
	})
	return out
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// UpdateSubAddresses replaces a module's sub-addresses after rediscovery,
// rejecting addresses that collide with other modules.
func (r *Registry) UpdateSubAddresses(id string, subAddresses ...byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrModuleNotFound, id)
	}

	active := make([]byte, 0, len(subAddresses))
	for _, a := range subAddresses {
		if a != InactiveAddress {
			active = append(active, a)
		}
	}
	if err := r.checkAddresses(id, active); err != nil {
		return err
	}
	return m.Address.SetSubAddresses(subAddresses...)
}

// ResolveChannel returns the wire identifier of a module's 1-based channel.
func (r *Registry) ResolveChannel(moduleID string, channel int) (ChannelIdentifier, error) {
	m, err := r.Get(moduleID)
	if err != nil {
		return ChannelIdentifier{}, err
	}
	idx, err := m.Address.ChannelIndexFromExternalNumber(channel)
	if err != nil {
		return ChannelIdentifier{}, err
	}
	return m.Address.ChannelIdentifierForIndex(idx)
}

// IdentifyChannel returns the module owning id.Address and the 1-based
// channel number of id. An empty mask names no channel and is rejected.
func (r *Registry) IdentifyChannel(id ChannelIdentifier) (*Module, int, error) {
	if id.Mask == 0 {
		return nil, 0, fmt.Errorf("%w: empty mask at 0x%02X", ErrInvalidChannelNumber, id.Address)
	}
	m, ok := r.Lookup(id.Address)
	if !ok {
		return nil, 0, fmt.Errorf("%w: 0x%02X", ErrAddressNotFound, id.Address)
	}
	n, err := m.Address.ChannelNumberForIdentifier(id)
	if err != nil {
		return nil, 0, err
	}
	return m, n, nil
}
