package main

import (
	"flag"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	usb "github.com/driverkit/usb"
	"golang.org/x/sync/errgroup"
)

var (
	verbose = flag.Bool("v", false, "Verbose output (reads configuration descriptors)")
	device  = flag.String("d", "", "Show only devices with the given VID:PID (e.g. 1d6b:0002)")
	version = flag.Bool("V", false, "Show version")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("lsusb (driverkit-usb) %s\n", usb.Version())
		return
	}

	ctx, err := usb.NewContext()
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	defer ctx.Close()

	devices, err := ctx.DeviceList()
	if err != nil {
		log.Fatalf("failed to list devices: %v", err)
	}
	defer usb.FreeDeviceList(devices, true)

	devices = filter(devices)
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].BusNumber() != devices[j].BusNumber() {
			return devices[i].BusNumber() < devices[j].BusNumber()
		}
		return devices[i].Address() < devices[j].Address()
	})

	// Descriptor reads hit sysfs per device; do them concurrently and
	// print in order afterwards.
	lines := make([]string, len(devices))
	var g errgroup.Group
	for i, d := range devices {
		i, d := i, d
		g.Go(func() error {
			lines[i] = describe(d)
			return nil
		})
	}
	g.Wait()

	for _, line := range lines {
		fmt.Println(line)
	}
}

func filter(devices []*usb.Device) []*usb.Device {
	if *device == "" {
		return devices
	}
	parts := strings.SplitN(*device, ":", 2)
	if len(parts) != 2 {
		log.Fatalf("bad -d filter %q, want VID:PID", *device)
	}
	vid, err1 := strconv.ParseUint(parts[0], 16, 16)
	pid, err2 := strconv.ParseUint(parts[1], 16, 16)
	if err1 != nil || err2 != nil {
		log.Fatalf("bad -d filter %q, want hex VID:PID", *device)
	}

	var out []*usb.Device
	for _, d := range devices {
		desc := d.Descriptor()
		if desc.VendorID == uint16(vid) && desc.ProductID == uint16(pid) {
			out = append(out, d)
		}
	}
	return out
}

func describe(d *usb.Device) string {
	desc := d.Descriptor()
	name := usb.VendorName(desc.VendorID)
	if name == "" {
		name = "Unknown"
	}
	product := usb.ProductName(desc.VendorID, desc.ProductID)

	line := fmt.Sprintf("Bus %03d Device %03d: ID %04x:%04x %s %s",
		d.BusNumber(), d.Address(), desc.VendorID, desc.ProductID, name, product)

	if !*verbose {
		return line
	}

	cfg, err := d.ActiveConfigDescriptor()
	if err != nil {
		return line + fmt.Sprintf("\n  (config descriptor unavailable: %v)", err)
	}
	var sb strings.Builder
	sb.WriteString(line)
	fmt.Fprintf(&sb, "\n  Configuration %d: %d interface(s), %d mA",
		cfg.ConfigurationValue, cfg.NumInterfaces, int(cfg.MaxPower)*2)
	for _, iface := range cfg.Interfaces {
		for _, alt := range iface.AltSettings {
			fmt.Fprintf(&sb, "\n    Interface %d alt %d class %s (%d endpoints)",
				alt.InterfaceNumber, alt.AlternateSetting,
				usb.ClassName(alt.InterfaceClass), alt.NumEndpoints)
		}
	}
	return sb.String()
}
