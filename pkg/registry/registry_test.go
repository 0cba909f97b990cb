package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/oobctl/pkg/hardware"
	"github.com/openfroyo/oobctl/pkg/transports/simulated"
)

func entry(name string, ops ...hardware.Operation) Entry {
	return Entry{
		HardwareType: name,
		Factory:      simulated.Factory(),
		Operations:   hardware.NewOperationSet(ops...),
	}
}

func TestValidateTypeX(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Register(entry("X", hardware.OpPowerOn, hardware.OpPowerOff, hardware.OpGetPowerState)))
	r := b.Build()

	assert.NoError(t, r.Validate("X", hardware.OpPowerOn))

	err := r.Validate("X", hardware.OpSetBootDevice)
	assert.True(t, errors.Is(err, hardware.ErrUnsupportedOperation), "got %v", err)

	err = r.Validate("Y", hardware.OpPowerOn)
	assert.True(t, errors.Is(err, hardware.ErrUnsupportedHardwareType), "got %v", err)

	_, err = r.Resolve("Y")
	assert.True(t, errors.Is(err, hardware.ErrUnsupportedHardwareType))
}

func TestValidateEveryPair(t *testing.T) {
	sets := map[string][]hardware.Operation{
		"ipmi":  hardware.Operations[:6],
		"pdu":   {hardware.OpPowerOn, hardware.OpPowerOff, hardware.OpPowerReboot, hardware.OpGetPowerState},
		"wol":   {hardware.OpPowerOn, hardware.OpGetPowerState},
		"query": {hardware.OpGetPowerState},
	}

	b := NewBuilder()
	for name, ops := range sets {
		require.NoError(t, b.Register(entry(name, ops...)))
	}
	r := b.Build()

	for _, hwType := range append(r.HardwareTypes(), "unregistered") {
		supported := hardware.NewOperationSet(sets[hwType]...)
		for _, op := range hardware.Operations {
			err := r.Validate(hwType, op)
			if supported.Has(op) {
				assert.NoError(t, err, "%s/%s", hwType, op)
			} else {
				assert.Error(t, err, "%s/%s", hwType, op)
			}
		}
	}
}

func TestRegisterRejects(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Register(entry("ipmi", hardware.OpPowerOn)))

	tests := []struct {
		name  string
		entry Entry
	}{
		{"duplicate", entry("ipmi", hardware.OpPowerOff)},
		{"empty name", entry("", hardware.OpPowerOn)},
		{"no factory", Entry{HardwareType: "a", Operations: hardware.NewOperationSet(hardware.OpPowerOn)}},
		{"no operations", entry("b")},
		{"unknown operation", entry("c", "levitate")},
		{"passthru without methods", entry("d", hardware.OpVendorPassthru)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, b.Register(tt.entry))
		})
	}

	assert.PanicsWithError(t, `hardware type "ipmi" is already registered`, func() {
		b.MustRegister(entry("ipmi", hardware.OpPowerOn))
	})
}

func TestBuildIsFrozen(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Register(entry("a", hardware.OpPowerOn)))
	r := b.Build()

	require.NoError(t, b.Register(entry("b", hardware.OpPowerOn)))

	assert.Equal(t, []string{"a"}, r.HardwareTypes())
	assert.Error(t, r.Validate("b", hardware.OpPowerOn))
	assert.Equal(t, []string{"a", "b"}, b.Build().HardwareTypes())
}

func TestPassthruMethods(t *testing.T) {
	b := NewBuilder()
	e := entry("ipmi", hardware.OpVendorPassthru)
	e.PassthruMethods = []string{"get_nm_version", "raw"}
	require.NoError(t, b.Register(e))
	require.NoError(t, b.Register(entry("plain", hardware.OpPowerOn)))
	r := b.Build()

	got, err := r.Lookup("ipmi")
	require.NoError(t, err)
	assert.True(t, got.SupportsPassthru("raw"))
	assert.False(t, got.SupportsPassthru("format_disk"))

	plain, _ := r.Lookup("plain")
	assert.False(t, plain.SupportsPassthru("raw"))
}

func TestConcurrentLookups(t *testing.T) {
	b := NewBuilder()
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Register(entry(fmt.Sprintf("type-%d", i), hardware.OpPowerOn, hardware.OpGetPowerState)))
	}
	r := b.Build()

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				name := fmt.Sprintf("type-%d", (g+i)%10)
				if err := r.Validate(name, hardware.OpGetPowerState); err != nil {
					t.Errorf("Validate(%s) = %v", name, err)
					return
				}
				if _, err := r.Resolve(name); err != nil {
					t.Errorf("Resolve(%s) = %v", name, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
}
