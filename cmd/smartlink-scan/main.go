// Command smartlink-scan lists nearby BLE advertisements and marks the ones
// a smartlink device would accept.
//
// Usage:
//
//	go run ./cmd/smartlink-scan [--timeout 10s] [--capabilities caps.yaml]
package main

import (
	"flag"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/chaz8081/smartlink/internal/ble"
	"github.com/chaz8081/smartlink/internal/capability"
	"github.com/chaz8081/smartlink/internal/config"
)

func main() {
	timeout := flag.Duration("timeout", config.Default().ScanTimeout, "how long to scan")
	capsPath := flag.String("capabilities", "", "capability description file (default: built-in)")
	flag.Parse()

	caps := capability.Default()
	if *capsPath != "" {
		var err error
		if caps, err = capability.Load(*capsPath); err != nil {
			log.Fatalf("capabilities: %v", err)
		}
	}
	low, high := caps.RSSIWindow()
	primaries := caps.PrimaryServices()

	fmt.Printf("Scanning for %s (window %d..%d dBm)...\n", *timeout, low, high)
	found, err := ble.ScanForDevices(ble.NewTinyGoTransport(), low, high, *timeout)
	if err != nil {
		log.Fatalf("scan: %v", err)
	}
	if len(found) == 0 {
		fmt.Println("Nothing found.")
		return
	}

	for _, f := range found {
		mark := " "
		if f.InRange {
			mark = "*"
		}
		name := f.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%s %4d dBm  %-20s %s\n", mark, f.RSSI, f.Address, name)
		for _, s := range f.Services {
			label := s
			if svc, ok := caps.ServiceName(s); ok {
				label = fmt.Sprintf("%s (%s)", s, svc)
			}
			if slices.Contains(primaries, s) {
				label += " primary"
			}
			fmt.Println("      ", strings.TrimSpace(label))
		}
	}
	fmt.Println("* signal inside the acceptance window")
}
