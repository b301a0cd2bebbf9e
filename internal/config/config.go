// Package config loads the daemon's static deployment configuration
// (device paths, bus addresses, bind addresses) from a TOML file and
// watches it for changes: on a relevant change the process exits 0 so
// systemd can restart it with the new file, rather than trying to
// hot-swap state.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"
	"github.com/rjeczalik/notify"
	"github.com/sirupsen/logrus"
)

// DefaultConfigDir is the directory read when no --config-dir flag is
// supplied.
const DefaultConfigDir = "/etc/sc-hat-controller"

// ConfigFileName is the file looked for inside the config directory.
const ConfigFileName = "sc-hat-controller.toml"

// Config is the static, rarely-changing deployment configuration.
// Charge tunables are NOT here — those live in the persistence store
// and can change at runtime via the command protocol.
type Config struct {
	LogLevel string `toml:"log_level"`

	// Supervisor serial link.
	SerialDevice string `toml:"serial_device"`
	SerialBaud   int    `toml:"serial_baud"`

	// HTTP/JSON + websocket endpoint.
	HTTPListenAddress string `toml:"http_listen_address"`

	// I2C transaction proxy to the power-stage MCU.
	DBusI2CName     string `toml:"dbus_i2c_name"`
	PowerMCUAddress byte   `toml:"power_mcu_address"`

	// D-Bus broadcast of state changes and safety events.
	DBusEventsName string `toml:"dbus_events_name"`

	// GPIO pin names (periph.io/x/conn/v3/gpio/gpioreg).
	LoadControlPin string `toml:"load_control_pin"`
	SolarIndicator string `toml:"solar_indicator_pin"`

	// Tunable/cycle-state store paths.
	BoltPath     string `toml:"bolt_path"`
	FallbackPath string `toml:"fallback_path"`
}

// Default returns the configuration used when no file is present yet;
// the installer only writes a file for the fields it overrides.
func Default() Config {
	return Config{
		LogLevel:          "info",
		SerialDevice:      "/dev/serial0",
		SerialBaud:        9600,
		HTTPListenAddress: ":8080",
		DBusI2CName:       "org.solarhat.i2c",
		PowerMCUAddress:   0x2A,
		DBusEventsName:    "org.solarhat.events",
		LoadControlPin:    "GPIO17",
		SolarIndicator:    "GPIO27",
		BoltPath:          "/var/lib/sc-hat-controller/store.bolt",
		FallbackPath:      "/var/lib/sc-hat-controller/tunables.json",
	}
}

// Load reads the TOML file from configDir, falling back to Default()
// values for any field left unset in the file.
func Load(configDir string) (*Config, error) {
	cfg := Default()
	path := filepath.Join(configDir, ConfigFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WatchAndRestartOnChange watches the config file and exits the
// process with status 0 whenever its parsed contents change, so that
// systemd (or an equivalent supervisor) restarts the daemon with the
// new configuration loaded from scratch. It never returns on success;
// callers should run it in its own goroutine.
func WatchAndRestartOnChange(log *logrus.Logger, configDir string, current *Config) error {
	path := filepath.Join(configDir, ConfigFileName)
	events := make(chan notify.EventInfo, 1)
	if err := notify.Watch(path, events, notify.InCloseWrite, notify.InMovedTo); err != nil {
		return err
	}
	defer notify.Stop(events)

	for range events {
		// Debounce rapid successive writes from editors/installers.
		time.Sleep(100 * time.Millisecond)
		newCfg, err := Load(configDir)
		if err != nil {
			log.WithError(err).Error("error reloading config")
			continue
		}
		diff := cmp.Diff(current, newCfg)
		if diff == "" {
			log.Info("config file changed but no relevant difference, ignoring")
			continue
		}
		log.WithField("diff", diff).Info("config changed, exiting so the service manager can restart us")
		os.Exit(0)
	}
	return nil
}
