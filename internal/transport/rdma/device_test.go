package rdma

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmalink/internal/hardware"
	"github.com/piwi3910/rdmalink/internal/testutil"
)

func TestRoCEv2Indices(t *testing.T) {
	entries := []hardware.GIDEntry{
		{Index: 5, Type: "RoCE v2", GID: "0000:0000:0000:0000:0000:FFFF:0a00:0002"},
		{Index: 0, Type: "IB/RoCE v1", GID: "0000:0000:0000:0000:0000:ffff:0a00:0001"},
		{Index: 1, Type: "RoCE v2", GID: "fe80:0000:0000:0000:0e42:a1ff:fe00:0001"},
		{Index: 3, Type: "RoCE v2", GID: "0000:0000:0000:0000:0000:ffff:0a00:0001"},
	}

	assert.Equal(t, []int{3, 5}, roceV2Indices(entries))
	assert.Empty(t, roceV2Indices(nil))
}

func TestNewDeviceContext(t *testing.T) {
	backend := newTestBackend(t)

	dev, err := NewDeviceContext(backend, backend, "mlx5_2", 1)
	require.NoError(t, err)
	defer dev.Close()

	assert.Equal(t, "mlx5_2", dev.Name())
	assert.Equal(t, 1, dev.Port())
	assert.Equal(t, "mlx5_2/1", dev.String())
	assert.Equal(t, []int{3}, dev.GIDIndices())
	assert.Equal(t, 3, dev.GIDIndex())
	assert.Equal(t, "0000:0000:0000:0000:0000:ffff:c0a8:640c", dev.GID().String())
	assert.Equal(t, uint64(0xDEADBEEF00000003), dev.GUID())
	assert.Equal(t, 32768, dev.Attr().MaxQPWR)
	assert.Equal(t, "Ethernet", dev.PortAttr().LinkLayer)
	assert.NotZero(t, dev.Context())
}

func TestNewDeviceContextFromSysfs(t *testing.T) {
	backend := newTestBackend(t)
	root := testutil.WriteSysfsTree(t, testutil.MLX5Device("mlx5_0", "192.168.100.10"))

	dev, err := NewDeviceContext(backend, hardware.NewSysfs(root), "mlx5_0", 1)
	require.NoError(t, err)
	defer dev.Close()

	assert.Equal(t, []int{3}, dev.GIDIndices())
	assert.Equal(t, testutil.IPv4MappedGID("192.168.100.10"), dev.GID().String())
}

func TestNewDeviceContextSeveralGIDs(t *testing.T) {
	backend := newTestBackend(t)

	dev := DefaultSimulatedDevice("mlx5_9", 0x10, net.IPv4(10, 0, 0, 1))
	second := testutil.IPv4MappedGID("10.0.0.2")
	dev.GIDs[1] = append(dev.GIDs[1],
		hardware.GIDEntry{Index: 7, Type: "RoCE v2", GID: second},
		hardware.GIDEntry{Index: 6, Type: "IB/RoCE v1", GID: second},
	)
	backend.AddDevice(dev)

	ctx, err := NewDeviceContext(backend, backend, "mlx5_9", 1)
	require.NoError(t, err)
	defer ctx.Close()

	assert.Equal(t, []int{3, 7}, ctx.GIDIndices())
	require.Len(t, ctx.GIDs(), 2)
	assert.Equal(t, second, ctx.GIDs()[1].String())
	assert.Equal(t, testutil.IPv4MappedGID("10.0.0.1"), ctx.GID().String(), "canonical GID is the lowest index")
}

func TestNewDeviceContextErrors(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name   string
		device string
		setup  func(b *SimulatedVerbsBackend) GIDTable
		kind   error
	}{
		{
			name:   "unknown device",
			device: "mlx5_7",
			kind:   ErrFindDevice,
		},
		{
			name:   "open fails",
			device: "mlx5_0",
			setup: func(b *SimulatedVerbsBackend) GIDTable {
				b.FailNext(SimOpOpenDevice, boom)
				return b
			},
			kind: ErrOpenDevice,
		},
		{
			name:   "query device fails",
			device: "mlx5_0",
			setup: func(b *SimulatedVerbsBackend) GIDTable {
				b.FailNext(SimOpQueryDevice, boom)
				return b
			},
			kind: ErrDeviceInfo,
		},
		{
			name:   "query port fails",
			device: "mlx5_0",
			setup: func(b *SimulatedVerbsBackend) GIDTable {
				b.FailNext(SimOpQueryPort, boom)
				return b
			},
			kind: ErrDeviceInfo,
		},
		{
			name:   "query GID fails",
			device: "mlx5_0",
			setup: func(b *SimulatedVerbsBackend) GIDTable {
				b.FailNext(SimOpQueryGID, boom)
				return b
			},
			kind: ErrDeviceInfo,
		},
		{
			name:   "no RoCE v2 GID",
			device: "mlx5_8",
			setup: func(b *SimulatedVerbsBackend) GIDTable {
				dev := DefaultSimulatedDevice("mlx5_8", 0x20, net.IPv4(10, 0, 0, 8))
				dev.GIDs[1] = dev.GIDs[1][:3]
				b.AddDevice(dev)

				return b
			},
			kind: ErrDeviceInfo,
		},
		{
			name:   "missing sysfs tree",
			device: "mlx5_0",
			setup: func(_ *SimulatedVerbsBackend) GIDTable {
				return hardware.NewSysfs(t.TempDir())
			},
			kind: ErrDeviceInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newTestBackend(t)

			var gids GIDTable = backend
			if tt.setup != nil {
				gids = tt.setup(backend)
			}

			dev, err := NewDeviceContext(backend, gids, tt.device, 1)
			require.Error(t, err)
			assert.Nil(t, dev)
			testutil.AssertErrorType(t, tt.kind, err)
			assert.Equal(t, tt.kind, ErrorKind(err))
			assert.Zero(t, backend.OpenResources()["contexts"], "device handle leaked")
		})
	}
}

func TestDeviceContextCloseTwice(t *testing.T) {
	backend := newTestBackend(t)

	dev, err := NewDeviceContext(backend, backend, "mlx5_0", 1)
	require.NoError(t, err)

	dev.Close()
	dev.Close()

	assert.Zero(t, backend.OpenResources()["contexts"])
}

func TestDefaultGIDTable(t *testing.T) {
	backend := newTestBackend(t)
	assert.Same(t, backend, DefaultGIDTable(backend, "").(*SimulatedVerbsBackend))

	table := DefaultGIDTable(&ibvLikeBackend{backend}, "/tmp/sys")
	sysfs, ok := table.(*hardware.Sysfs)
	require.True(t, ok)
	assert.Equal(t, "/tmp/sys", sysfs.Root)
}

// ibvLikeBackend hides the simulated GID table the way a hardware backend
// would not have one.
type ibvLikeBackend struct {
	VerbsBackend
}

func TestNewBackend(t *testing.T) {
	backend, err := NewBackend("")
	require.NoError(t, err)
	defer backend.Close()

	devices, err := backend.GetDeviceList()
	require.NoError(t, err)
	assert.Len(t, devices, 3)

	_, err = NewBackend("carrier-pigeon")
	assert.Error(t, err)
}

func TestProbeDevice(t *testing.T) {
	backend := newTestBackend(t)

	require.NoError(t, ProbeDevice(backend, "mlx5_1"))

	err := ProbeDevice(backend, "mlx5_9")
	assert.ErrorIs(t, err, ErrFindDevice)
}
