// Package events broadcasts charge-state transitions and safety
// faults as D-Bus signals, so external supervisors on the same host
// can react without polling the serial or HTTP surfaces.
package events

import (
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const signalInterface = ".StateChanged"

// Bus publishes state-change signals on a claimed D-Bus name.
type Bus struct {
	log  *logrus.Logger
	conn *dbus.Conn
	name string
}

// Connect claims name on the system bus. If the bus is unreachable
// (e.g. in a test sandbox) it logs and returns a Bus whose Publish
// calls are no-ops, since event broadcast is a diagnostic convenience,
// not part of the safety-critical path.
func Connect(log *logrus.Logger, name string) *Bus {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		log.WithError(err).Warn("events: could not connect to system bus, broadcasts disabled")
		return &Bus{log: log}
	}
	if _, err := conn.RequestName(name, dbus.NameFlagDoNotQueue); err != nil {
		log.WithError(err).Warn("events: could not claim dbus name, broadcasts disabled")
		return &Bus{log: log}
	}
	return &Bus{log: log, conn: conn, name: name}
}

// Publish emits a StateChanged signal carrying state and note. Errors
// are logged, never returned, for the same reason as Connect.
func (b *Bus) Publish(state, note string) {
	if b.conn == nil {
		return
	}
	err := b.conn.Emit(dbus.ObjectPath("/"+pathFromName(b.name)), b.name+signalInterface, state, note, time.Now().Unix())
	if err != nil {
		b.log.WithError(err).Debug("events: failed to emit state-change signal")
	}
}

func pathFromName(name string) string {
	out := make([]byte, 0, len(name))
	for _, r := range name {
		if r == '.' {
			out = append(out, '/')
		} else {
			out = append(out, byte(r))
		}
	}
	return string(out)
}
