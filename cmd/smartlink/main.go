package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/smartlink/internal/ble"
	"github.com/chaz8081/smartlink/internal/capability"
	"github.com/chaz8081/smartlink/internal/config"
	"github.com/chaz8081/smartlink/internal/driver"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/smartlink/config.yaml)")
	imagePath := flag.String("firmware", "", "firmware image to upload once the device reports its version")
	demo := flag.Bool("demo", false, "sweep motor and rudder once the vehicle service is up")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	if *imagePath != "" {
		cfg.Firmware.Image = *imagePath
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	caps, err := loadCapabilities(cfg.CapabilityPath)
	if err != nil {
		log.Fatalf("capabilities: %v", err)
	}

	printBanner(cfg)

	registry := driver.NewRegistry(driver.Options{
		MotorSmoothing:  cfg.Smoothing.Motor,
		RudderSmoothing: cfg.Smoothing.Rudder,
		HandshakeDelay:  cfg.Firmware.HandshakeDelay,
		BlockStartDelay: cfg.Firmware.BlockStartDelay,
	})
	dev, err := ble.NewDevice(ble.NewTinyGoTransport(), caps, registry, ble.Options{
		DeviceNames:   cfg.DeviceNames,
		AutoReconnect: cfg.AutoReconnect,
		SoftLimit:     cfg.Queue.SoftLimit,
		HardLimit:     cfg.Queue.HardLimit,
	})
	if err != nil {
		log.Fatalf("device: %v", err)
	}

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{ctx: ctx, image: cfg.Firmware.Image, demo: *demo}
	dev.SetDelegate(a)

	if err := dev.Connect(); err != nil {
		if errors.Is(err, ble.ErrRadioDisabled) {
			log.Fatalf("Bluetooth is off: %v\n\nEnable Bluetooth and grant this terminal Bluetooth access.", err)
		}
		log.Fatalf("connect: %v", err)
	}
	log.Println("Scanning for", strings.Join(cfg.DeviceNames, ", "), "... Ctrl+C to quit.")

	rssi := time.NewTicker(5 * time.Second)
	defer rssi.Stop()
	for {
		select {
		case <-rssi.C:
			dev.UpdateSignalStrength()
		case <-ctx.Done():
			log.Println("Shutting down...")
			if err := dev.Close(); err != nil {
				log.Printf("ERROR: close: %v", err)
			}
			log.Println("Goodbye!")
			return
		}
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

func loadCapabilities(path string) (*capability.Table, error) {
	if path == "" {
		return capability.Default(), nil
	}
	return capability.Load(path)
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== smartlink ===")
	caps := cfg.CapabilityPath
	if caps == "" {
		caps = "(built-in)"
	}
	fmt.Printf("  Capabilities: %s\n", caps)
	fmt.Printf("  Devices:      %s\n", strings.Join(cfg.DeviceNames, ", "))
	fmt.Printf("  Reconnect:    %v\n", cfg.AutoReconnect)
	fmt.Printf("  Queue:        soft %d, hard %d\n", cfg.Queue.SoftLimit, cfg.Queue.HardLimit)
	fmt.Printf("  Smoothing:    motor %d, rudder %d\n", cfg.Smoothing.Motor, cfg.Smoothing.Rudder)
	if cfg.Firmware.Image != "" {
		fmt.Printf("  Firmware:     %s\n", cfg.Firmware.Image)
	}
	fmt.Printf("  Log:          %s\n", cfg.LogLevel)
	fmt.Println("=================")
}
