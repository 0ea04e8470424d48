package rdma

import (
	"sort"
	"strings"

	"github.com/piwi3910/rdmalink/internal/hardware"
)

// GIDTable lists the populated GID table entries of a device port.
// hardware.Sysfs reads them from /sys; the simulated backend serves its own.
type GIDTable interface {
	GIDEntries(device string, port int) ([]hardware.GIDEntry, error)
}

const (
	gidTypeRoCEv2    = "RoCE v2"
	ipv4MappedPrefix = "0000:0000:0000:0000:0000:ffff:"
)

// roceV2Indices returns the indices of RoCE v2, IPv4-mapped entries in
// ascending order.
func roceV2Indices(entries []hardware.GIDEntry) []int {
	indices := make([]int, 0, len(entries))

	for _, e := range entries {
		if !strings.HasPrefix(e.Type, gidTypeRoCEv2) {
			continue
		}

		if !strings.HasPrefix(strings.ToLower(e.GID), ipv4MappedPrefix) {
			continue
		}

		indices = append(indices, e.Index)
	}

	sort.Ints(indices)

	return indices
}
