package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/rdmalink/internal/config"
	"github.com/piwi3910/rdmalink/internal/hardware"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

// Device inventory sources.
const (
	sourceSysfs = "sysfs"
	sourceVerbs = "verbs"
)

// NewDevicesCmd creates the devices command
func NewDevicesCmd() *cobra.Command {
	var output, source string

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List RDMA devices and their GID tables",
		Long: `List RDMA devices with their ports and populated GID table entries.

The inventory comes from sysfs for the hardware backend and from the verbs
backend itself for the simulated one; --source overrides that.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.Options{})
			if err != nil {
				return err
			}

			if source == "" {
				source = sourceVerbs
				if cfg.RDMA.Backend == rdma.BackendHardware {
					source = sourceSysfs
				}
			}

			var devices []hardware.RDMAInfo

			switch source {
			case sourceSysfs:
				devices, err = hardware.NewSysfs(cfg.RDMA.SysfsRoot).RDMADevices()
			case sourceVerbs:
				devices, err = verbsDevices(cfg)
			default:
				return fmt.Errorf("unknown device source %q (sysfs, verbs)", source)
			}

			if err != nil {
				return err
			}

			return printDevices(cmd.OutOrStdout(), output, devices)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, yaml or json")
	cmd.Flags().StringVar(&source, "source", "", "Inventory source: sysfs or verbs")

	return cmd
}

// verbsDevices builds the inventory from the verbs backend and its GID
// table.
func verbsDevices(cfg *config.Config) ([]hardware.RDMAInfo, error) {
	backend, err := rdma.NewBackend(cfg.RDMA.Backend)
	if err != nil {
		return nil, err
	}
	defer backend.Close()

	list, err := backend.GetDeviceList()
	if err != nil {
		return nil, err
	}

	gids := rdma.DefaultGIDTable(backend, cfg.RDMA.SysfsRoot)
	devices := make([]hardware.RDMAInfo, 0, len(list))

	for _, d := range list {
		info := hardware.RDMAInfo{
			Name:        d.Name,
			NodeGUID:    formatGUID(d.GUID),
			FirmwareVer: d.FWVer,
			NodeType:    nodeType(d.NodeType),
		}

		for port := 1; port <= d.PhysPortCnt; port++ {
			p := hardware.PortInfo{Number: port}
			if entries, err := gids.GIDEntries(d.Name, port); err == nil {
				p.GIDs = entries
			}

			info.Ports = append(info.Ports, p)
		}

		devices = append(devices, info)
	}

	return devices, nil
}

// formatGUID renders a GUID the way sysfs does: four groups of four hex
// digits.
func formatGUID(guid uint64) string {
	return fmt.Sprintf("%04x:%04x:%04x:%04x",
		uint16(guid>>48), uint16(guid>>32), uint16(guid>>16), uint16(guid)) //nolint:gosec // G115: truncation intended
}

func nodeType(t int) string {
	switch t {
	case 1:
		return "CA"
	case 2:
		return "Switch"
	case 3:
		return "Router"
	default:
		return "Unknown"
	}
}

func printDevices(w io.Writer, output string, devices []hardware.RDMAInfo) error {
	switch output {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(devices); err != nil {
			return err
		}

		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(devices)
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q (table, yaml, json)", output)
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Device", "Node GUID", "Firmware", "Port", "State", "Link", "GID Index", "GID Type", "GID"})
	table.SetAutoMergeCells(true)
	table.SetRowLine(false)

	for _, dev := range devices {
		if len(dev.Ports) == 0 {
			table.Append([]string{dev.Name, dev.NodeGUID, dev.FirmwareVer, "-", "-", "-", "-", "-", "-"})
			continue
		}

		for _, port := range dev.Ports {
			row := []string{dev.Name, dev.NodeGUID, dev.FirmwareVer, strconv.Itoa(port.Number), dash(port.State), dash(port.LinkLayer)}

			if len(port.GIDs) == 0 {
				table.Append(append(row, "-", "-", "-"))
				continue
			}

			for _, gid := range port.GIDs {
				table.Append(append(row[:6:6], strconv.Itoa(gid.Index), gid.Type, gid.GID))
			}
		}
	}

	table.Render()

	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}
