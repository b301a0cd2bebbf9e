// Command sc-hat-controller is the solar/DC charge controller daemon:
// it samples the power-stage MCU, drives the charge state machine and
// PWM regulator, serves the supervisor serial link and the JSON/HTTP
// surface, and persists tunables across restarts.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/tarm/serial"

	"github.com/SolarHatProject/sc-hat-controller/internal/chargestate"
	"github.com/SolarHatProject/sc-hat-controller/internal/config"
	"github.com/SolarHatProject/sc-hat-controller/internal/controller"
	"github.com/SolarHatProject/sc-hat-controller/internal/events"
	"github.com/SolarHatProject/sc-hat-controller/internal/i2cbus"
	"github.com/SolarHatProject/sc-hat-controller/internal/persist"
	"github.com/SolarHatProject/sc-hat-controller/internal/protocol"
	"github.com/SolarHatProject/sc-hat-controller/internal/solarlog"
	"github.com/SolarHatProject/sc-hat-controller/internal/webapi"
)

var version = "<not set>"

// Args is the top-level CLI surface.
type Args struct {
	ConfigDir string         `arg:"--config-dir" help:"directory containing sc-hat-controller.toml" default:"/etc/sc-hat-controller"`
	LogLevel  string         `arg:"--log-level" help:"debug, info, warn, or error" default:"info"`
	Registers *RegistersArgs `arg:"subcommand:registers" help:"read or write a raw power-stage MCU register for bench debugging"`
}

// RegistersArgs is the bench-debug subcommand: a thin pass-through to
// internal/i2cbus, useful for checking sensor wiring without the full
// daemon running.
type RegistersArgs struct {
	Read  *RegistersReadArgs  `arg:"subcommand:read"`
	Write *RegistersWriteArgs `arg:"subcommand:write"`
}

type RegistersReadArgs struct {
	Register string `arg:"positional,required" help:"register address, e.g. 0x10"`
	Length   int    `arg:"--length" default:"2" help:"number of bytes to read"`
}

type RegistersWriteArgs struct {
	Register string `arg:"positional,required" help:"register address, e.g. 0x20"`
	Bytes    string `arg:"positional,required" help:"comma-separated byte values, e.g. 0xFF,0x01"`
}

func (Args) Version() string {
	return "sc-hat-controller " + version
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var args Args
	arg.MustParse(&args)

	log := solarlog.New(args.LogLevel)
	log.Infof("sc-hat-controller %s starting", version)

	cfg, err := config.Load(args.ConfigDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if args.Registers != nil {
		return runRegisters(cfg, args.Registers)
	}

	return runDaemon(log, args.ConfigDir, cfg)
}

func runRegisters(cfg *config.Config, args *RegistersArgs) error {
	switch {
	case args.Read != nil:
		register, err := strconv.ParseUint(strings.TrimPrefix(args.Read.Register, "0x"), 16, 8)
		if err != nil {
			return fmt.Errorf("registers: invalid register address %q: %w", args.Read.Register, err)
		}
		data, err := i2cbus.Tx(cfg.DBusI2CName, cfg.PowerMCUAddress, []byte{byte(register)}, args.Read.Length, i2cbus.DefaultTimeoutMillis)
		if err != nil {
			return err
		}
		fmt.Printf("register 0x%02X: % X\n", register, data)
		return nil
	case args.Write != nil:
		register, err := strconv.ParseUint(strings.TrimPrefix(args.Write.Register, "0x"), 16, 8)
		if err != nil {
			return fmt.Errorf("registers: invalid register address %q: %w", args.Write.Register, err)
		}
		values, err := parseByteList(args.Write.Bytes)
		if err != nil {
			return err
		}
		write := append([]byte{byte(register)}, values...)
		_, err = i2cbus.Tx(cfg.DBusI2CName, cfg.PowerMCUAddress, write, 0, i2cbus.DefaultTimeoutMillis)
		return err
	default:
		return fmt.Errorf("registers: specify a read or write subcommand")
	}
}

func parseByteList(s string) ([]byte, error) {
	parts := strings.Split(s, ",")
	out := make([]byte, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimPrefix(p, "0x"))
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("registers: invalid byte value %q: %w", p, err)
		}
		out = append(out, byte(v))
	}
	return out, nil
}

func runDaemon(log *solarlog.Logger, configDir string, cfg *config.Config) error {
	if _, err := i2cbus.StartService(log, cfg.DBusI2CName, ""); err != nil {
		return fmt.Errorf("starting i2c service: %w", err)
	}

	evts := events.Connect(log, cfg.DBusEventsName)

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening persistence store: %w", err)
	}
	defer store.Close()

	ctrl, err := controller.New(log, controller.Config{
		BusName:         cfg.DBusI2CName,
		PowerMCUAddress: cfg.PowerMCUAddress,
		LoadControlPin:  cfg.LoadControlPin,
	}, store, evts, chargestate.Default())
	if err != nil {
		return fmt.Errorf("constructing controller: %w", err)
	}

	if err := ctrl.Boot(); err != nil {
		return err
	}

	go func() {
		if err := config.WatchAndRestartOnChange(log, configDir, cfg); err != nil {
			log.WithError(err).Warn("config watcher exited")
		}
	}()

	webSrv := webapi.New(log, ctrl)
	go func() {
		log.Infof("webapi listening on %s", cfg.HTTPListenAddress)
		if err := http.ListenAndServe(cfg.HTTPListenAddress, webSrv.Handler()); err != nil {
			log.WithError(err).Error("webapi server exited")
		}
	}()

	serialPort, err := serial.OpenPort(&serial.Config{
		Name: cfg.SerialDevice,
		Baud: cfg.SerialBaud,
	})
	if err != nil {
		log.WithError(err).Warn("could not open supervisor serial link, command protocol disabled")
	}

	return mainLoop(log, ctrl, webSrv, serialPort)
}

func openStore(cfg *config.Config) (*persist.TunableStore, error) {
	bolt, err := persist.OpenBolt(cfg.BoltPath)
	if err != nil {
		return nil, fmt.Errorf("opening bolt store at %s: %w", cfg.BoltPath, err)
	}
	fallback := persist.NewFallbackFile(cfg.FallbackPath)
	store := persist.NewTunableStore(bolt, fallback)
	if err := store.RecoverFromFallback(); err != nil {
		return nil, err
	}
	return store, nil
}

// mainLoop is the cooperative scheduler: drain the command link as
// lines arrive, and run one controller Tick (plus the websocket
// broadcast and heartbeat) every second.
func mainLoop(log *solarlog.Logger, ctrl *controller.Controller, webSrv *webapi.Server, serialPort *serial.Port) error {
	lines := make(chan string, 16)
	if serialPort != nil {
		framer := protocol.NewFramer(serialPort)
		go func() {
			for {
				line, err := framer.ReadLine()
				if err != nil {
					log.WithError(err).Warn("supervisor serial link closed")
					return
				}
				lines <- line
			}
		}()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case line := <-lines:
			resp := protocol.Dispatch(line, ctrl)
			if serialPort != nil {
				if _, err := serialPort.Write([]byte(resp + "\n")); err != nil {
					log.WithError(err).Error("failed writing to supervisor serial link")
				}
			}
		case now := <-ticker.C:
			ctrl.Tick(now)
			webSrv.BroadcastSnapshot()
			if ctrl.MaybeHeartbeat(now) && serialPort != nil {
				if _, err := serialPort.Write([]byte(protocol.Heartbeat + "\n")); err != nil {
					log.WithError(err).Error("failed writing heartbeat to supervisor serial link")
				}
			}
		}
	}
}
