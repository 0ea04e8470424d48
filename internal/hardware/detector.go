// Package hardware discovers RDMA devices through sysfs.
//
// It reports the inventory shown by the CLI and the admin API, and reads the
// per-port GID tables the transport uses to pick a RoCE v2 source GID.
package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultSysfsRoot is the mount point of sysfs.
const DefaultSysfsRoot = "/sys"

// GIDEntry is one populated slot of a port's GID table.
type GIDEntry struct {
	Index int    `json:"index" yaml:"index"`
	Type  string `json:"type" yaml:"type"` // "IB/RoCE v1" or "RoCE v2"
	GID   string `json:"gid" yaml:"gid"`   // sysfs textual form
}

// PortInfo describes one physical port of an RDMA device.
type PortInfo struct {
	Number    int        `json:"number" yaml:"number"`
	LinkLayer string     `json:"link_layer" yaml:"link_layer"` // InfiniBand, Ethernet
	State     string     `json:"state" yaml:"state"`           // 4: ACTIVE
	Speed     uint64     `json:"speed" yaml:"speed"`           // Gb/s
	GIDs      []GIDEntry `json:"gids,omitempty" yaml:"gids,omitempty"`
}

// RDMAInfo contains information about a detected RDMA device.
type RDMAInfo struct {
	Name         string     `json:"name" yaml:"name"`
	DevicePath   string     `json:"device_path" yaml:"device_path"`
	NodeGUID     string     `json:"node_guid" yaml:"node_guid"`
	SysImageGUID string     `json:"sys_image_guid" yaml:"sys_image_guid"`
	BoardID      string     `json:"board_id" yaml:"board_id"`
	FirmwareVer  string     `json:"firmware_version" yaml:"firmware_version"`
	NodeType     string     `json:"node_type" yaml:"node_type"` // CA, Switch, Router
	Ports        []PortInfo `json:"ports" yaml:"ports"`
}

// Sysfs reads RDMA state below Root/class/infiniband.
type Sysfs struct {
	Root string
}

// NewSysfs returns a reader rooted at root, or at DefaultSysfsRoot when root
// is empty.
func NewSysfs(root string) *Sysfs {
	if root == "" {
		root = DefaultSysfsRoot
	}

	return &Sysfs{Root: root}
}

func (s *Sysfs) infinibandPath(elem ...string) string {
	return filepath.Join(append([]string{s.Root, "class", "infiniband"}, elem...)...)
}

// RDMADevices lists every device under class/infiniband.
func (s *Sysfs) RDMADevices() ([]RDMAInfo, error) {
	rdmaPath := s.infinibandPath()

	entries, err := os.ReadDir(rdmaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rdmaPath, err)
	}

	devices := make([]RDMAInfo, 0, len(entries))

	for _, entry := range entries {
		devicePath := filepath.Join(rdmaPath, entry.Name())
		device := RDMAInfo{
			Name:       entry.Name(),
			DevicePath: devicePath,
		}

		device.NodeGUID = readSysfsFile(filepath.Join(devicePath, "node_guid"))
		device.SysImageGUID = readSysfsFile(filepath.Join(devicePath, "sys_image_guid"))
		device.BoardID = readSysfsFile(filepath.Join(devicePath, "board_id"))
		device.FirmwareVer = readSysfsFile(filepath.Join(devicePath, "fw_ver"))
		device.NodeType = parseNodeType(readSysfsFile(filepath.Join(devicePath, "node_type")))

		portEntries, err := os.ReadDir(filepath.Join(devicePath, "ports"))
		if err != nil {
			log.Debug().Err(err).Str("device", entry.Name()).Msg("Device has no ports directory")
			devices = append(devices, device)

			continue
		}

		for _, pe := range portEntries {
			num, err := strconv.Atoi(pe.Name())
			if err != nil {
				continue
			}

			portPath := filepath.Join(devicePath, "ports", pe.Name())
			port := PortInfo{
				Number:    num,
				LinkLayer: readSysfsFile(filepath.Join(portPath, "link_layer")),
				State:     readSysfsFile(filepath.Join(portPath, "state")),
				Speed:     parseSpeed(readSysfsFile(filepath.Join(portPath, "rate"))),
			}

			if gids, err := s.GIDEntries(entry.Name(), num); err == nil {
				port.GIDs = gids
			}

			device.Ports = append(device.Ports, port)
		}

		sort.Slice(device.Ports, func(i, j int) bool { return device.Ports[i].Number < device.Ports[j].Number })
		devices = append(devices, device)
	}

	return devices, nil
}

// GIDEntries returns the populated GID table entries of one port ordered by
// index. Slots whose type attribute cannot be read are unpopulated and are
// skipped, as are all-zero GIDs.
func (s *Sysfs) GIDEntries(device string, port int) ([]GIDEntry, error) {
	portPath := s.infinibandPath(device, "ports", strconv.Itoa(port))
	typesPath := filepath.Join(portPath, "gid_attrs", "types")

	entries, err := os.ReadDir(typesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", typesPath, err)
	}

	gids := make([]GIDEntry, 0, len(entries))

	for _, entry := range entries {
		idx, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		gidType, err := os.ReadFile(filepath.Join(typesPath, entry.Name())) // #nosec G304 - path built from sysfs listing
		if err != nil {
			continue
		}

		gid := readSysfsFile(filepath.Join(portPath, "gids", entry.Name()))
		if gid == "" || isZeroGID(gid) {
			continue
		}

		gids = append(gids, GIDEntry{
			Index: idx,
			Type:  strings.TrimSpace(string(gidType)),
			GID:   gid,
		})
	}

	sort.Slice(gids, func(i, j int) bool { return gids[i].Index < gids[j].Index })

	return gids, nil
}

func isZeroGID(gid string) bool {
	return strings.Trim(gid, "0:") == ""
}

// Detector periodically refreshes the RDMA inventory.
type Detector struct {
	sysfs       *Sysfs
	lastUpdated time.Time
	lastErr     error
	devices     []RDMAInfo
	refreshRate time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	mu          sync.RWMutex
}

// NewDetector creates a new hardware detector.
func NewDetector(sysfs *Sysfs) *Detector {
	if sysfs == nil {
		sysfs = NewSysfs("")
	}

	return &Detector{
		sysfs:       sysfs,
		refreshRate: 30 * time.Second,
		stopCh:      make(chan struct{}),
	}
}

// Start begins periodic hardware detection.
func (d *Detector) Start() {
	d.Refresh()

	go func() {
		ticker := time.NewTicker(d.refreshRate)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.Refresh()
			case <-d.stopCh:
				return
			}
		}
	}()
}

// Stop stops periodic hardware detection.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Refresh updates hardware detection results.
func (d *Detector) Refresh() {
	log.Debug().Msg("Refreshing RDMA device inventory")

	devices, err := d.sysfs.RDMADevices()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.devices = devices
	d.lastErr = err
	d.lastUpdated = time.Now()

	if err != nil {
		log.Debug().Err(err).Msg("No RDMA devices found in sysfs")
		return
	}

	log.Info().Int("rdma_devices", len(devices)).Msg("RDMA device inventory refreshed")
}

// Devices returns the last detected inventory.
func (d *Detector) Devices() []RDMAInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return append([]RDMAInfo(nil), d.devices...)
}

// HasDevice reports whether name was present at the last refresh.
func (d *Detector) HasDevice(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, dev := range d.devices {
		if dev.Name == name {
			return true
		}
	}

	return false
}

// LastError returns the error of the last refresh, if any.
func (d *Detector) LastError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.lastErr
}

// readSysfsFile reads a sysfs file and returns its content.
func readSysfsFile(path string) string {
	data, err := os.ReadFile(path) // #nosec G304 - sysfs paths
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

// parseNodeType converts node type number to string.
func parseNodeType(nodeType string) string {
	// node_type reads like "1: CA"
	num, _, _ := strings.Cut(strings.TrimSpace(nodeType), ":")

	switch num {
	case "1":
		return "CA" // Channel Adapter
	case "2":
		return "Switch"
	case "3":
		return "Router"
	default:
		return "Unknown"
	}
}

// parseSpeed parses speed string to Gb/s.
func parseSpeed(rate string) uint64 {
	// Rate is usually in format "100 Gb/sec (4X EDR)"
	parts := strings.Fields(rate)
	if len(parts) >= 1 {
		speed, _ := strconv.ParseUint(parts[0], 10, 64)
		return speed
	}

	return 0
}
