// Command tunbridge runs the session processor against a locally created tun device.
// Traffic routed into the device is re-originated from this host as ordinary kernel
// sockets. Outbound sockets can be tagged with an fwmark so host policy routing keeps
// them out of the tunnel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ghodss/yaml"
	"github.com/tunbridge/tunbridge-core/common"
	"github.com/tunbridge/tunbridge-core/common/errors"
	"github.com/tunbridge/tunbridge-core/common/log"
	"github.com/tunbridge/tunbridge-core/tun"
	"github.com/tunbridge/tunbridge-core/vpn"
	"golang.org/x/sys/unix"
)

// Config is the harness configuration. Flags seed the defaults; a YAML file given with
// -config overrides them.
type Config struct {
	Tun struct {
		Name string `json:"name"`
		MTU  uint32 `json:"mtu"`
	} `json:"tun"`
	Log struct {
		Level string `json:"level"`
	} `json:"log"`
	// Mark is set as SO_MARK on every outbound socket; 0 disables protection.
	Mark int `json:"mark"`
}

var (
	configFile = flag.String("config", "", "Path to a YAML config file.")
	tunName    = flag.String("tun", "tb0", "Name of the tun interface to create.")
	tunMTU     = flag.Uint("mtu", 1500, "MTU of the tun interface.")
	logLevel   = flag.String("loglevel", "info", "Log level: error, warning, info or debug.")
	mark       = flag.Int("mark", 0, "fwmark applied to outbound sockets (0 disables).")
)

func loadConfig() (*Config, error) {
	config := &Config{}
	config.Tun.Name = *tunName
	config.Tun.MTU = uint32(*tunMTU)
	config.Log.Level = *logLevel
	config.Mark = *mark

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return nil, errors.New("failed to read config file").Base(err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, errors.New("failed to parse config file").Base(err)
		}
	}
	return config, nil
}

func parseSeverity(level string) log.Severity {
	switch level {
	case "error":
		return log.SeverityError
	case "warning":
		return log.SeverityWarning
	case "debug":
		return log.SeverityDebug
	default:
		return log.SeverityInfo
	}
}

// markingProtector tags a descriptor with the given fwmark so policy routing can steer
// its traffic around the tunnel.
func markingProtector(fwmark int) vpn.ProtectFunc {
	return func(fd int) bool {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, fwmark); err != nil {
			errors.LogError(context.Background(), "failed to mark socket ", fd, err)
			return false
		}
		return true
	}
}

func run() error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	log.SetLevel(parseSeverity(config.Log.Level))

	device, err := tun.New(tun.Options{Name: config.Tun.Name, MTU: config.Tun.MTU})
	if err != nil {
		return errors.New("failed to create tun device").Base(err)
	}
	if err := device.Start(); err != nil {
		_ = device.Close()
		return errors.New("failed to bring tun device up").Base(err)
	}
	errors.LogInfo(context.Background(), config.Tun.Name, " up")

	var options vpn.Options
	if config.Mark != 0 {
		options.Protect = markingProtector(config.Mark)
	}

	// the core owns the descriptor from here; the device keeps only the link state
	if err := vpn.InitInstance(device.Release(), options); err != nil {
		_ = device.Close()
		return err
	}

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)
	<-osSignals

	common.Must(vpn.ReleaseInstance())
	return device.Close()
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
