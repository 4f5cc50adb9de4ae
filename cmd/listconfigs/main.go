package main

import (
	"flag"
	"fmt"
	"log"

	usb "github.com/driverkit/usb"
)

var debug = flag.Int("debug", 0, "Library debug level (0-3)")

func main() {
	flag.Parse()

	ctx, err := usb.NewContext()
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	defer ctx.Close()
	ctx.SetDebug(*debug)

	devices, err := ctx.DeviceList()
	if err != nil {
		log.Fatalf("failed to list devices: %v", err)
	}
	defer usb.FreeDeviceList(devices, true)

	for _, d := range devices {
		desc := d.Descriptor()
		fmt.Printf("Bus %03d Device %03d: ID %04x:%04x (%d configuration(s))\n",
			d.BusNumber(), d.Address(), desc.VendorID, desc.ProductID, desc.NumConfigurations)

		cfg, err := d.ActiveConfigDescriptor()
		if err != nil {
			fmt.Printf("  active config unavailable: %v\n", err)
			continue
		}
		fmt.Printf("  Active configuration %d (attributes %#02x, %d mA)\n",
			cfg.ConfigurationValue, cfg.Attributes, int(cfg.MaxPower)*2)
		for _, iface := range cfg.Interfaces {
			for _, alt := range iface.AltSettings {
				fmt.Printf("    Interface %d alt %d: class %#02x subclass %#02x protocol %#02x\n",
					alt.InterfaceNumber, alt.AlternateSetting,
					alt.InterfaceClass, alt.InterfaceSubClass, alt.InterfaceProtocol)
				for _, ep := range alt.Endpoints {
					dir := "OUT"
					if ep.IsInput() {
						dir = "IN"
					}
					fmt.Printf("      Endpoint %#02x %s %v, maxpacket %d, interval %d\n",
						ep.EndpointAddr, dir, ep.TransferType(), ep.MaxPacketSize, ep.Interval)
				}
			}
		}
	}
}
