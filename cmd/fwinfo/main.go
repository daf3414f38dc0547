// Command fwinfo prints the header of an OAD firmware image.
//
// Usage:
//
//	go run ./cmd/fwinfo image.bin [image.bin ...]
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/chaz8081/smartlink/internal/firmware"
)

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: fwinfo image.bin [image.bin ...]")
		os.Exit(2)
	}

	failed := false
	for _, path := range flag.Args() {
		if err := describe(path); err != nil {
			log.Printf("ERROR: %s: %v", path, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func describe(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// Header first; the body may still fail to load.
	fmt.Printf("%s: %s\n", path, firmware.VersionFromFile(f))
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	img, err := firmware.ReadImage(f)
	if err != nil {
		return err
	}
	h := img.Header
	fmt.Printf("  Version: %d (code %#04x)\n", h.Version(), h.VersionCode)
	fmt.Printf("  Slot:    %s\n", h.Slot())
	fmt.Printf("  Length:  %d words, %d blocks of %d bytes\n", h.Length, img.BlockCount(), firmware.BlockSize)
	fmt.Printf("  File:    %d bytes\n", len(img.Data))
	fmt.Printf("  BLAKE2b: %s\n", img.Digest())
	return nil
}
