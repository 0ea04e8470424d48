package testutil

import (
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// FakeGID is one GID table slot. An empty Type leaves the types attribute
// out, which is how the kernel presents unpopulated slots.
type FakeGID struct {
	Index int
	Type  string
	GID   string
}

// FakePort describes one port directory.
type FakePort struct {
	LinkLayer string
	State     string
	Rate      string
	GIDs      []FakeGID
}

// FakeRDMADevice describes one class/infiniband/<name> directory.
type FakeRDMADevice struct {
	Name     string
	NodeGUID string
	FWVer    string
	NodeType string
	Ports    map[int]FakePort
}

// IPv4MappedGID formats ip the way sysfs prints an IPv4-mapped GID.
func IPv4MappedGID(ip string) string {
	v4 := net.ParseIP(ip).To4()
	if v4 == nil {
		panic("testutil: not an IPv4 address: " + ip)
	}

	return "0000:0000:0000:0000:0000:ffff:" +
		hex4(v4[0], v4[1]) + ":" + hex4(v4[2], v4[3])
}

func hex4(a, b byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[a>>4], digits[a&0xf], digits[b>>4], digits[b&0xf]})
}

// MLX5Device returns a single-port Ethernet device with the GID layout mlx5
// exposes for one IPv4 address. Index 3 is the only RoCE v2, IPv4-mapped GID.
func MLX5Device(name, ip string) FakeRDMADevice {
	linkLocal := "fe80:0000:0000:0000:0e42:a1ff:fe00:0001"
	mapped := IPv4MappedGID(ip)

	return FakeRDMADevice{
		Name:     name,
		NodeGUID: "0c42:a103:0000:0001",
		FWVer:    "20.35.1012",
		NodeType: "1: CA",
		Ports: map[int]FakePort{
			1: {
				LinkLayer: "Ethernet",
				State:     "4: ACTIVE",
				Rate:      "100 Gb/sec (4X EDR)",
				GIDs: []FakeGID{
					{Index: 0, Type: "IB/RoCE v1", GID: linkLocal},
					{Index: 1, Type: "RoCE v2", GID: linkLocal},
					{Index: 2, Type: "IB/RoCE v1", GID: mapped},
					{Index: 3, Type: "RoCE v2", GID: mapped},
					{Index: 4, GID: "0000:0000:0000:0000:0000:0000:0000:0000"},
				},
			},
		},
	}
}

// WriteSysfsTree materializes devices below a temporary directory laid out
// like /sys and returns that directory.
func WriteSysfsTree(t testing.TB, devices ...FakeRDMADevice) string {
	t.Helper()

	root := t.TempDir()
	ib := filepath.Join(root, "class", "infiniband")
	require.NoError(t, os.MkdirAll(ib, 0o755))

	for _, dev := range devices {
		devPath := filepath.Join(ib, dev.Name)
		writeFile(t, filepath.Join(devPath, "node_guid"), dev.NodeGUID)
		writeFile(t, filepath.Join(devPath, "fw_ver"), dev.FWVer)
		writeFile(t, filepath.Join(devPath, "node_type"), dev.NodeType)

		for num, port := range dev.Ports {
			portPath := filepath.Join(devPath, "ports", strconv.Itoa(num))
			writeFile(t, filepath.Join(portPath, "link_layer"), port.LinkLayer)
			writeFile(t, filepath.Join(portPath, "state"), port.State)
			writeFile(t, filepath.Join(portPath, "rate"), port.Rate)
			require.NoError(t, os.MkdirAll(filepath.Join(portPath, "gid_attrs", "types"), 0o755))

			for _, gid := range port.GIDs {
				idx := strconv.Itoa(gid.Index)
				writeFile(t, filepath.Join(portPath, "gids", idx), gid.GID)

				if gid.Type != "" {
					writeFile(t, filepath.Join(portPath, "gid_attrs", "types", idx), gid.Type)
				}
			}
		}
	}

	return root
}

func writeFile(t testing.TB, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content+"\n"), 0o644))
}

// Payload returns n deterministic pseudo-random bytes.
func Payload(seed int64, n int) []byte {
	buf := make([]byte, n)
	_, _ = rand.New(rand.NewSource(seed)).Read(buf) //nolint:gosec // test data
	return buf
}

// CompressiblePayload returns n bytes of repetitive text.
func CompressiblePayload(n int) []byte {
	const line = "layer.tar: usr/lib/x86_64-linux-gnu/libc.so.6 rw-r--r-- 0 0\n"

	buf := make([]byte, 0, n+len(line))
	for len(buf) < n {
		buf = append(buf, line...)
	}

	return buf[:n]
}
