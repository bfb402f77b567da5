//go:build linux

package keystore

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/google/crumbles/internal/logging"
)

// logind D-Bus constants
const (
	logindService          = "org.freedesktop.login1"
	logindManagerPath      = "/org/freedesktop/login1"
	logindManagerInterface = "org.freedesktop.login1.Manager"
	logindSessionInterface = "org.freedesktop.login1.Session"
	propertiesInterface    = "org.freedesktop.DBus.Properties"
	lockedHintProperty     = "LockedHint"
)

// LogindAuthorizer treats a session unlock as a user authorization. It
// resolves the calling process's logind session and watches LockedHint
// transitions; each locked-to-unlocked transition stamps a fresh
// authorization.
type LogindAuthorizer struct {
	conn        *dbus.Conn
	sessionPath dbus.ObjectPath
	log         *logging.Logger

	mu   sync.Mutex
	last time.Time

	signals chan *dbus.Signal
	done    chan struct{}
}

var _ Authorizer = (*LogindAuthorizer)(nil)

// NewLogindAuthorizer connects to the system bus and starts watching the
// current session's lock state. If the session is unlocked at startup,
// startup counts as the last authorization.
func NewLogindAuthorizer(logger *logging.Logger) (*LogindAuthorizer, error) {
	if logger == nil {
		logger = logging.Default().WithComponent("authz")
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("keystore: connect system bus: %w", err)
	}

	a := &LogindAuthorizer{
		conn:    conn,
		log:     logger,
		signals: make(chan *dbus.Signal, 16),
		done:    make(chan struct{}),
	}

	if err := a.resolveSession(); err != nil {
		conn.Close()
		return nil, err
	}

	locked, err := a.lockedHint()
	if err != nil {
		a.log.Warn("could not read session lock state", "error", err)
	} else if !locked {
		a.mu.Lock()
		a.last = time.Now()
		a.mu.Unlock()
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(a.sessionPath),
		dbus.WithMatchInterface(propertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("keystore: subscribe to session signals: %w", err)
	}
	conn.Signal(a.signals)
	go a.watchLoop()

	a.log.Info("watching logind session for unlocks", "session", string(a.sessionPath))
	return a, nil
}

// resolveSession finds the logind session object for this process.
func (a *LogindAuthorizer) resolveSession() error {
	manager := a.conn.Object(logindService, logindManagerPath)
	// PID 0 means the caller's own session.
	call := manager.Call(logindManagerInterface+".GetSessionByPID", 0, uint32(os.Getpid()))
	if call.Err != nil {
		return fmt.Errorf("keystore: resolve logind session: %w", call.Err)
	}
	return call.Store(&a.sessionPath)
}

func (a *LogindAuthorizer) lockedHint() (bool, error) {
	session := a.conn.Object(logindService, a.sessionPath)
	variant, err := session.GetProperty(logindSessionInterface + "." + lockedHintProperty)
	if err != nil {
		return false, err
	}
	locked, ok := variant.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected LockedHint type %T", variant.Value())
	}
	return locked, nil
}

func (a *LogindAuthorizer) watchLoop() {
	for {
		select {
		case <-a.done:
			return
		case sig, ok := <-a.signals:
			if !ok {
				return
			}
			a.handleSignal(sig)
		}
	}
}

// handleSignal inspects PropertiesChanged bodies for LockedHint flips.
func (a *LogindAuthorizer) handleSignal(sig *dbus.Signal) {
	if sig.Path != a.sessionPath || len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != logindSessionInterface {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	variant, ok := changed[lockedHintProperty]
	if !ok {
		return
	}
	locked, ok := variant.Value().(bool)
	if !ok || locked {
		return
	}
	a.mu.Lock()
	a.last = time.Now()
	a.mu.Unlock()
	a.log.Debug("session unlocked, authorization refreshed")
}

// LastAuthorization implements Authorizer.
func (a *LogindAuthorizer) LastAuthorization() (time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, nil
}

// Close stops the watch loop and releases the bus connection.
func (a *LogindAuthorizer) Close() error {
	close(a.done)
	a.conn.RemoveSignal(a.signals)
	return a.conn.Close()
}
