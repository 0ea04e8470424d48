package rdma

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// DeviceContext is an opened RDMA device together with the RoCE v2 GIDs of
// one of its ports. It belongs to exactly one Connection.
type DeviceContext struct {
	backend    VerbsBackend
	attr       VerbsDeviceAttr
	portAttr   VerbsPortAttr
	name       string
	gidIndices []int
	gids       []GID
	port       int
	ctx        VerbsContext
	closed     bool
}

// NewDeviceContext opens device name and discovers the RoCE v2, IPv4-mapped
// GIDs of port. The backend must already be initialized.
func NewDeviceContext(backend VerbsBackend, gids GIDTable, name string, port int) (*DeviceContext, error) {
	devices, err := backend.GetDeviceList()
	if err != nil {
		return nil, wrapErr(ErrFindDevice, err, "list devices")
	}

	found := false

	for _, d := range devices {
		if d.Name == name {
			found = true
			break
		}
	}

	if !found {
		return nil, wrapErr(ErrFindDevice, nil, "%s", name)
	}

	ctx, err := backend.OpenDevice(name)
	if err != nil {
		return nil, wrapErr(ErrOpenDevice, err, "%s", name)
	}

	d := &DeviceContext{
		backend: backend,
		ctx:     ctx,
		name:    name,
		port:    port,
	}

	if err := d.discover(gids); err != nil {
		d.Close()
		return nil, err
	}

	log.Debug().
		Str("device", name).
		Int("port", port).
		Ints("gid_indices", d.gidIndices).
		Str("gid", d.GID().String()).
		Msg("Opened RDMA device")

	return d, nil
}

func (d *DeviceContext) discover(gids GIDTable) error {
	attr, err := d.backend.QueryDevice(d.ctx)
	if err != nil {
		return wrapErr(ErrDeviceInfo, err, "query device %s", d.name)
	}

	d.attr = *attr

	portAttr, err := d.backend.QueryPort(d.ctx, d.port)
	if err != nil {
		return wrapErr(ErrDeviceInfo, err, "query port %s/%d", d.name, d.port)
	}

	d.portAttr = *portAttr

	entries, err := gids.GIDEntries(d.name, d.port)
	if err != nil {
		return wrapErr(ErrDeviceInfo, err, "read GID table of %s/%d", d.name, d.port)
	}

	d.gidIndices = roceV2Indices(entries)
	if len(d.gidIndices) == 0 {
		return wrapErr(ErrDeviceInfo, nil, "no RoCE v2 IPv4-mapped GID on %s/%d", d.name, d.port)
	}

	d.gids = make([]GID, 0, len(d.gidIndices))

	for _, idx := range d.gidIndices {
		gid, err := d.backend.QueryGID(d.ctx, d.port, idx)
		if err != nil {
			return wrapErr(ErrDeviceInfo, err, "query GID %d of %s/%d", idx, d.name, d.port)
		}

		d.gids = append(d.gids, gid)
	}

	return nil
}

// Name returns the device name.
func (d *DeviceContext) Name() string { return d.name }

// Port returns the port number.
func (d *DeviceContext) Port() int { return d.port }

// Context returns the backend device handle.
func (d *DeviceContext) Context() VerbsContext { return d.ctx }

// Attr returns the device attributes.
func (d *DeviceContext) Attr() VerbsDeviceAttr { return d.attr }

// PortAttr returns the port attributes.
func (d *DeviceContext) PortAttr() VerbsPortAttr { return d.portAttr }

// GUID returns the node GUID.
func (d *DeviceContext) GUID() uint64 { return d.attr.NodeGUID }

// GID returns the canonical GID, the first RoCE v2 entry.
func (d *DeviceContext) GID() GID { return d.gids[0] }

// GIDIndex returns the table index of the canonical GID.
func (d *DeviceContext) GIDIndex() int { return d.gidIndices[0] }

// GIDIndices returns every usable GID index, ascending.
func (d *DeviceContext) GIDIndices() []int {
	return append([]int(nil), d.gidIndices...)
}

// GIDs returns the GIDs matching GIDIndices.
func (d *DeviceContext) GIDs() []GID {
	return append([]GID(nil), d.gids...)
}

// String implements fmt.Stringer.
func (d *DeviceContext) String() string {
	return fmt.Sprintf("%s/%d", d.name, d.port)
}

// Close releases the device handle. Later calls do nothing.
func (d *DeviceContext) Close() {
	if d.closed {
		return
	}

	d.closed = true

	if err := d.backend.CloseDevice(d.ctx); err != nil {
		log.Warn().Err(err).Str("device", d.name).Msg("Failed to close RDMA device")
	}
}
