package i2cbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Service exports a Tx method on busName over the system D-Bus,
// serializing access to the real I2C bus behind a busy-pin handshake
// with the power-stage MCU.
type Service struct {
	log      *logrus.Logger
	busName  string
	busyPin  gpio.PinIO
	bus      i2c.Bus
	mu       sync.Mutex
	requests chan request
}

type request struct {
	address  byte
	write    []byte
	readLen  int
	timeout  int
	response chan response
}

type response struct {
	data []byte
	err  *dbus.Error
}

// StartService claims busName on the system bus and begins serializing
// I2C transactions to it. busyPinName may be empty, in which case the
// busy-pin handshake is skipped (useful on boards without one wired).
func StartService(log *logrus.Logger, busName, busyPinName string) (*Service, error) {
	log.Infof("starting i2cbus service on %s", busName)
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, errors.New("i2cbus: dbus name already taken")
	}

	if _, err := host.Init(); err != nil {
		return nil, err
	}
	bus, err := i2creg.Open("")
	if err != nil {
		return nil, err
	}

	var pin gpio.PinIO
	if busyPinName != "" {
		pin = gpioreg.ByName(busyPinName)
		if pin == nil {
			return nil, fmt.Errorf("i2cbus: gpio pin %s not found", busyPinName)
		}
		if err := releaseLock(pin); err != nil {
			return nil, err
		}
	}

	s := &Service{
		log:      log,
		busName:  busName,
		busyPin:  pin,
		bus:      bus,
		requests: make(chan request, 20),
	}

	go func() {
		for req := range s.requests {
			req.response <- s.processTransaction(req)
			if s.busyPin != nil {
				if err := releaseLock(s.busyPin); err != nil {
					s.log.WithError(err).Error("error releasing i2c lock")
				}
			}
		}
	}()

	if err := conn.Export(s, dbus.ObjectPath("/"+pathFromName(busName)), busName); err != nil {
		return nil, err
	}
	node := &introspect.Node{Interfaces: []introspect.Interface{{Name: busName, Methods: introspect.Methods(s)}}}
	return s, conn.Export(introspect.NewIntrospectable(node), dbus.ObjectPath("/"+pathFromName(busName)), "org.freedesktop.DBus.Introspectable")
}

// Tx is the exported D-Bus method.
func (s *Service) Tx(address byte, write []byte, readLen int, timeoutMillis int) ([]byte, *dbus.Error) {
	respCh := make(chan response, 1)
	s.requests <- request{address: address, write: write, readLen: readLen, timeout: timeoutMillis, response: respCh}
	r := <-respCh
	return r.data, r.err
}

func (s *Service) processTransaction(req request) response {
	if s.busyPin != nil {
		if err := s.waitForLock(req.timeout); err != nil {
			return response{err: dbus.NewError(s.busName+".BusyTimeout", nil)}
		}
		defer s.busyPin.In(gpio.PullUp, gpio.NoEdge)
	}

	read := make([]byte, req.readLen)
	const retries = 2
	var lastErr error
	for i := 0; i <= retries; i++ {
		if err := s.bus.Tx(uint16(req.address), req.write, read); err == nil {
			return response{data: read}
		} else {
			lastErr = err
			time.Sleep(20 * time.Millisecond)
		}
	}
	s.log.WithError(lastErr).Errorf("i2c tx failed, address 0x%x", req.address)
	return response{err: dbus.NewError(s.busName+".TxError", []interface{}{lastErr.Error()})}
}

func (s *Service) waitForLock(timeoutMillis int) error {
	start := time.Now()
	for {
		if s.busyPin.Read() == gpio.High {
			if err := s.busyPin.Out(gpio.Low); err != nil {
				return err
			}
			return nil
		}
		if time.Since(start) > time.Duration(timeoutMillis)*time.Millisecond {
			return errors.New("timed out waiting for busy pin")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func releaseLock(pin gpio.PinIO) error {
	return pin.In(gpio.PullUp, gpio.NoEdge)
}
