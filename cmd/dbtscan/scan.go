package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/dbthost/internal/adapter"
	"github.com/srg/dbthost/internal/device"
	"github.com/srg/dbthost/internal/listener"
	"github.com/srg/dbthost/internal/mgmt"
	"github.com/srg/dbthost/pkg/config"
)

// scanCmd discovers nearby BLE devices by opening the MGMT control channel,
// bringing up the requested adapter, and running LE discovery for a bounded
// duration (or indefinitely with --watch).
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

This talks directly to the kernel's MGMT control channel and a raw HCI
socket, bypassing BlueZ's D-Bus daemon, and prints discovered devices'
names, addresses, RSSI, and advertised services.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanWatch    bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Print devices as they're found, in addition to the final table")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format %q: must be table or json", scanFormat)
	}

	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cfg := config.LoadEnv()

	adapterIdx, _ := cmd.Flags().GetUint16("adapter")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	mgmtT, err := mgmt.Open(ctx, cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("open mgmt control channel: %w", err)
	}
	defer mgmtT.Close()

	a, err := adapter.Open(ctx, mgmtT, adapterIdx, mgmt.BTModeLE, cfg, logger)
	if err != nil {
		return fmt.Errorf("bring up adapter hci%d: %w", adapterIdx, err)
	}
	defer a.Close()

	if scanWatch {
		a.StatusListeners().Add(&listener.AdapterStatusFuncs{
			OnDeviceFound: func(dev interface{}, ts time.Time) {
				if d, ok := dev.(*device.Device); ok {
					fmt.Printf("found %s %q\n", d.Address.String(), d.Name())
				}
			},
		})
	}

	if err := a.StartDiscovery(adapter.ScanLE, false); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	defer a.StopDiscovery()

	if scanDuration > 0 {
		select {
		case <-time.After(scanDuration):
		case <-ctx.Done():
		}
	} else {
		<-ctx.Done()
	}

	return displayDevices(a.GetDevices(), scanFormat)
}

// deviceRow is the flattened, JSON/table-printable snapshot of a device's
// merged EIR state and lifecycle position.
type deviceRow struct {
	Address  string   `json:"address"`
	Name     string   `json:"name"`
	RSSI     int8     `json:"rssi,omitempty"`
	HasRSSI  bool     `json:"-"`
	Services []string `json:"services,omitempty"`
	State    string   `json:"state"`
}

func displayDevices(devices []*device.Device, format string) error {
	rows := make([]deviceRow, 0, len(devices))
	for _, d := range devices {
		rssi, hasRSSI := d.RSSI()
		svcUUIDs := d.Services()
		svcs := make([]string, 0, len(svcUUIDs))
		for _, u := range svcUUIDs {
			svcs = append(svcs, u.String())
		}
		rows = append(rows, deviceRow{
			Address:  d.Address.String(),
			Name:     d.Name(),
			RSSI:     rssi,
			HasRSSI:  hasRSSI,
			Services: svcs,
			State:    d.State().String(),
		})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].RSSI > rows[j].RSSI })

	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	return displayDevicesTable(rows)
}

func displayDevicesTable(rows []deviceRow) error {
	if len(rows) == 0 {
		fmt.Println("no devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tSTATE\tSERVICES")
	for _, r := range rows {
		name := r.Name
		if name == "" {
			name = "(unnamed)"
		}
		rssiStr := "?"
		if r.HasRSSI {
			rssiStr = rssiColor(r.RSSI).Sprintf("%d dBm", r.RSSI)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Address, name, rssiStr, r.State, strings.Join(r.Services, ","))
	}
	return w.Flush()
}

// rssiColor grades signal strength the way a field technician would read a
// bar graph: green nearby, yellow mid-range, red weak.
func rssiColor(rssi int8) *color.Color {
	switch {
	case rssi >= -60:
		return color.New(color.FgGreen)
	case rssi >= -80:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}
