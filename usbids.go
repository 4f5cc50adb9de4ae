package usb

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
)

// IDDatabase resolves vendor/product IDs and class codes to names. Vendor
// and product names are fed from the usb.ids file shipped by
// usbutils/hwdata; class names come from a built-in table, as the parser
// stops at the file's class section.
type IDDatabase struct {
	mu      sync.RWMutex
	vendors map[uint16]idVendor
	classes map[uint8]string
	loaded  bool
}

type idVendor struct {
	name     string
	products map[uint16]string
}

var idDatabasePaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/usr/share/usb.ids",
	"/var/lib/usbutils/usb.ids",
}

var globalIDs = &IDDatabase{
	vendors: make(map[uint16]idVendor),
	classes: map[uint8]string{
		0x00: "Defined at interface level",
		0x01: "Audio",
		0x02: "Communications",
		0x03: "Human Interface Device",
		0x05: "Physical",
		0x06: "Image",
		0x07: "Printer",
		0x08: "Mass Storage",
		0x09: "Hub",
		0x0a: "CDC Data",
		0x0b: "Smart Card",
		0x0d: "Content Security",
		0x0e: "Video",
		0x0f: "Personal Healthcare",
		0xdc: "Diagnostic",
		0xe0: "Wireless",
		0xef: "Miscellaneous Device",
		0xfe: "Application Specific",
		0xff: "Vendor Specific",
	},
}

// LoadFromFile parses a usb.ids database file.
func (db *IDDatabase) LoadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	db.mu.Lock()
	defer db.mu.Unlock()

	var vendor uint16
	var inVendor bool

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		// The class section terminates the vendor list.
		if strings.HasPrefix(line, "C ") {
			break
		}

		if strings.HasPrefix(line, "\t") {
			if !inVendor {
				continue
			}
			entry := strings.TrimPrefix(line, "\t")
			if len(entry) < 6 {
				continue
			}
			pid, err := strconv.ParseUint(entry[:4], 16, 16)
			if err != nil {
				continue
			}
			v := db.vendors[vendor]
			if v.products == nil {
				v.products = make(map[uint16]string)
			}
			v.products[uint16(pid)] = strings.TrimSpace(entry[4:])
			db.vendors[vendor] = v
			continue
		}

		if len(line) < 6 {
			inVendor = false
			continue
		}
		vid, err := strconv.ParseUint(line[:4], 16, 16)
		if err != nil {
			inVendor = false
			continue
		}
		vendor = uint16(vid)
		v := db.vendors[vendor]
		v.name = strings.TrimSpace(line[4:])
		db.vendors[vendor] = v
		inVendor = true
	}

	db.loaded = true
	return scanner.Err()
}

func (db *IDDatabase) ensureLoaded() {
	db.mu.RLock()
	loaded := db.loaded
	db.mu.RUnlock()
	if loaded {
		return
	}
	for _, path := range idDatabasePaths {
		if err := db.LoadFromFile(path); err == nil {
			return
		}
	}
	db.mu.Lock()
	db.loaded = true // don't retry on every lookup
	db.mu.Unlock()
}

// VendorName returns the registered vendor name, or "".
func VendorName(vid uint16) string {
	globalIDs.ensureLoaded()
	globalIDs.mu.RLock()
	defer globalIDs.mu.RUnlock()
	return globalIDs.vendors[vid].name
}

// ProductName returns the registered product name, or "".
func ProductName(vid, pid uint16) string {
	globalIDs.ensureLoaded()
	globalIDs.mu.RLock()
	defer globalIDs.mu.RUnlock()
	return globalIDs.vendors[vid].products[pid]
}

// ClassName returns a human-readable device class name, or "".
func ClassName(class uint8) string {
	globalIDs.mu.RLock()
	defer globalIDs.mu.RUnlock()
	return globalIDs.classes[class]
}
