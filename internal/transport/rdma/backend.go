package rdma

import (
	"fmt"

	"github.com/piwi3910/rdmalink/internal/hardware"
)

// Backend names accepted by NewBackend.
const (
	BackendSimulated = "simulated"
	BackendHardware  = "hardware"
)

// NewBackend creates and initializes a verbs backend by name.
func NewBackend(kind string) (VerbsBackend, error) {
	var backend VerbsBackend

	switch kind {
	case BackendSimulated, "":
		backend = NewSimulatedVerbsBackend()
	case BackendHardware:
		hw, err := newHardwareBackend()
		if err != nil {
			return nil, err
		}

		backend = hw
	default:
		return nil, fmt.Errorf("unknown verbs backend %q", kind)
	}

	if err := backend.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize %s verbs backend: %w", kind, err)
	}

	return backend, nil
}

// DefaultGIDTable returns the GID table matching backend: the simulated
// backend serves its own, anything else reads sysfs below sysfsRoot.
func DefaultGIDTable(backend VerbsBackend, sysfsRoot string) GIDTable {
	if table, ok := backend.(GIDTable); ok {
		return table
	}

	return hardware.NewSysfs(sysfsRoot)
}

// ProbeDevice reports whether backend lists a device called name, without
// opening it.
func ProbeDevice(backend VerbsBackend, name string) error {
	devices, err := backend.GetDeviceList()
	if err != nil {
		return wrapErr(ErrFindDevice, err, "failed to list devices")
	}

	for _, dev := range devices {
		if dev.Name == name {
			return nil
		}
	}

	return wrapErr(ErrFindDevice, nil, "no device named %q among %d", name, len(devices))
}
