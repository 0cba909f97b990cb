// Package registry maps hardware types to the transport that drives them
// and the operations they support.
//
// Registration happens once at start-up through a Builder. Build freezes
// the entries into a Registry that is never written again, so lookups
// need no locking and may be called from any number of goroutines.
package registry

import (
	"fmt"
	"sort"

	"github.com/openfroyo/oobctl/pkg/hardware"
)

// Entry describes one hardware type.
type Entry struct {
	// HardwareType is the name nodes refer to, e.g. "ipmi".
	HardwareType string

	// Description is shown by the CLI.
	Description string

	// Factory builds the transport for this hardware type.
	Factory hardware.TransportFactory

	// Operations is the set of supported operations.
	Operations hardware.OperationSet

	// PassthruMethods names the vendor_passthru methods. Ignored unless
	// Operations contains vendor_passthru.
	PassthruMethods []string

	// RebootConfirmsOn is set when the device reports on only after a
	// power cycle has completed, so an on reading right after a reboot
	// command confirms the reboot.
	RebootConfirmsOn bool
}

// SupportsPassthru reports whether method is a registered vendor method.
func (e Entry) SupportsPassthru(method string) bool {
	if !e.Operations.Has(hardware.OpVendorPassthru) {
		return false
	}
	for _, m := range e.PassthruMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Builder accumulates entries. It is append-only: an entry cannot be
// replaced or removed once registered.
type Builder struct {
	entries map[string]Entry
	order   []string
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{entries: make(map[string]Entry)}
}

// Register adds entry.
func (b *Builder) Register(entry Entry) error {
	if entry.HardwareType == "" {
		return fmt.Errorf("hardware type is required")
	}
	if _, exists := b.entries[entry.HardwareType]; exists {
		return fmt.Errorf("hardware type %q is already registered", entry.HardwareType)
	}
	if entry.Factory == nil {
		return fmt.Errorf("hardware type %q has no transport factory", entry.HardwareType)
	}
	if entry.Operations.Len() == 0 {
		return fmt.Errorf("hardware type %q supports no operations", entry.HardwareType)
	}
	for _, op := range entry.Operations.List() {
		if !op.Valid() {
			return fmt.Errorf("hardware type %q declares unknown operation %q", entry.HardwareType, op)
		}
	}
	if entry.Operations.Has(hardware.OpVendorPassthru) && len(entry.PassthruMethods) == 0 {
		return fmt.Errorf("hardware type %q supports vendor_passthru but names no methods", entry.HardwareType)
	}

	methods := make([]string, len(entry.PassthruMethods))
	copy(methods, entry.PassthruMethods)
	sort.Strings(methods)
	entry.PassthruMethods = methods

	b.entries[entry.HardwareType] = entry
	b.order = append(b.order, entry.HardwareType)
	return nil
}

// MustRegister is Register that panics on error, for built-in tables.
func (b *Builder) MustRegister(entry Entry) {
	if err := b.Register(entry); err != nil {
		panic(err)
	}
}

// Build returns a frozen Registry holding the entries registered so far.
func (b *Builder) Build() *Registry {
	entries := make(map[string]Entry, len(b.entries))
	for k, v := range b.entries {
		entries[k] = v
	}
	types := make([]string, len(b.order))
	copy(types, b.order)
	sort.Strings(types)
	return &Registry{entries: entries, types: types}
}

// Registry is the read-only capability table.
type Registry struct {
	entries map[string]Entry
	types   []string
}

// Lookup returns the entry for hardwareType.
func (r *Registry) Lookup(hardwareType string) (Entry, error) {
	e, ok := r.entries[hardwareType]
	if !ok {
		return Entry{}, hardware.NewUnsupportedHardwareTypeError(hardwareType)
	}
	return e, nil
}

// Resolve returns the transport factory for hardwareType.
func (r *Registry) Resolve(hardwareType string) (hardware.TransportFactory, error) {
	e, err := r.Lookup(hardwareType)
	if err != nil {
		return nil, err
	}
	return e.Factory, nil
}

// Validate returns nil iff hardwareType is registered and supports op.
func (r *Registry) Validate(hardwareType string, op hardware.Operation) error {
	e, err := r.Lookup(hardwareType)
	if err != nil {
		return err
	}
	if !e.Operations.Has(op) {
		return hardware.NewUnsupportedOperationError(hardwareType, op)
	}
	return nil
}

// HardwareTypes returns the registered hardware types, sorted.
func (r *Registry) HardwareTypes() []string {
	out := make([]string, len(r.types))
	copy(out, r.types)
	return out
}
