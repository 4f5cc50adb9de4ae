//go:build ignore

// Asynchronous bulk reader: opens a device by VID:PID, claims an
// interface and keeps a bulk IN transfer in flight, printing whatever the
// device sends. Build with: go run example/bulk_reader.go -d 1d6b:0104
package main

import (
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	usb "github.com/driverkit/usb"
)

var (
	device   = flag.String("d", "", "Device VID:PID (hex)")
	endpoint = flag.Uint("e", 0x81, "Bulk IN endpoint address")
	iface    = flag.Int("i", 0, "Interface number to claim")
)

func main() {
	flag.Parse()
	parts := strings.SplitN(*device, ":", 2)
	if len(parts) != 2 {
		log.Fatal("usage: bulk_reader -d VID:PID [-e 0x81] [-i 0]")
	}
	vid, _ := strconv.ParseUint(parts[0], 16, 16)
	pid, _ := strconv.ParseUint(parts[1], 16, 16)

	ctx, err := usb.NewContext()
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	defer ctx.Close()

	h, err := ctx.OpenDeviceWithVIDPID(uint16(vid), uint16(pid))
	if err != nil {
		log.Fatalf("open %04x:%04x: %v", vid, pid, err)
	}
	defer h.Close()

	if err := h.ClaimInterface(*iface); err != nil {
		log.Fatalf("claim interface %d: %v", *iface, err)
	}
	defer h.ReleaseInterface(*iface)

	buf := make([]byte, 512)
	t := usb.NewTransfer(0)
	t.FillBulk(h, uint8(*endpoint), buf, func(t *usb.Transfer) {
		switch t.Status() {
		case usb.TransferCompleted:
			fmt.Printf("read %d bytes: %x\n", t.ActualLength(), t.Buffer()[:t.ActualLength()])
		case usb.TransferTimedOut:
			fmt.Println("(no data)")
		default:
			log.Fatalf("transfer failed: %v", t.Status())
		}
		if err := t.Submit(); err != nil {
			log.Fatalf("resubmit: %v", err)
		}
	}, nil, time.Second)

	if err := t.Submit(); err != nil {
		log.Fatalf("submit: %v", err)
	}
	for {
		if err := ctx.HandleEvents(); err != nil {
			log.Fatalf("event loop: %v", err)
		}
	}
}
