// Package notify renders local desktop notifications over the D-Bus
// org.freedesktop.Notifications interface.
package notify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/godbus/dbus/v5"
)

// Notification is one desktop notification to render. A non-zero
// ReplacesID updates the existing notification with that id instead of
// creating a new one.
type Notification struct {
	Title      string
	Body       string
	Icon       []byte // optional raw image, written to a spool file for the daemon
	ReplacesID uint32
}

// Sink is the local notification daemon boundary. Implementations must
// be safe for use from a single engine loop; they are not required to be
// goroutine safe.
type Sink interface {
	// Notify renders a notification and returns the daemon-assigned id.
	Notify(ctx context.Context, n Notification) (uint32, error)

	// Dismiss closes a previously rendered notification. Dismissing an
	// id the daemon no longer knows is not an error.
	Dismiss(ctx context.Context, id uint32) error
}

const (
	notificationsDest = "org.freedesktop.Notifications"
	notificationsPath = "/org/freedesktop/Notifications"

	// expireTimeoutMs matches the classic pbns behavior of 5 second
	// notifications.
	expireTimeoutMs = int32(5000)
)

// DBusSink renders notifications via the session bus.
type DBusSink struct {
	conn    *dbus.Conn
	obj     dbus.BusObject
	appName string
	appIcon string

	// iconDir spools per-notification icon images for the daemon to read.
	iconDir string
}

// NewDBusSink connects to the session bus. appIcon is an optional icon
// name or absolute path used when a notification carries no image of its
// own.
func NewDBusSink(appName, appIcon string) (*DBusSink, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to session bus: %w", err)
	}

	iconDir, err := os.MkdirTemp("", "pbrelay-icons-")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating icon spool dir: %w", err)
	}

	return &DBusSink{
		conn:    conn,
		obj:     conn.Object(notificationsDest, dbus.ObjectPath(notificationsPath)),
		appName: appName,
		appIcon: appIcon,
		iconDir: iconDir,
	}, nil
}

// Notify implements Sink.
func (s *DBusSink) Notify(ctx context.Context, n Notification) (uint32, error) {
	icon := s.appIcon
	if len(n.Icon) > 0 {
		if path, err := s.spoolIcon(n.Icon); err == nil {
			icon = path
		}
	}

	call := s.obj.CallWithContext(ctx, notificationsDest+".Notify", 0,
		s.appName,
		n.ReplacesID,
		icon,
		n.Title,
		n.Body,
		[]string{},
		map[string]dbus.Variant{},
		expireTimeoutMs,
	)

	var id uint32
	if err := call.Store(&id); err != nil {
		return 0, fmt.Errorf("calling Notify: %w", err)
	}

	return id, nil
}

// Dismiss implements Sink.
func (s *DBusSink) Dismiss(ctx context.Context, id uint32) error {
	call := s.obj.CallWithContext(ctx, notificationsDest+".CloseNotification", 0, id)
	if call.Err != nil {
		return fmt.Errorf("calling CloseNotification: %w", call.Err)
	}

	return nil
}

// Close disconnects from the bus and removes the icon spool directory.
func (s *DBusSink) Close() error {
	os.RemoveAll(s.iconDir)
	return s.conn.Close()
}

// spoolIcon writes the image bytes where the notification daemon can read
// them. One file is reused per sink; notifications render immediately, so
// overwriting between calls is not observable.
func (s *DBusSink) spoolIcon(data []byte) (string, error) {
	path := filepath.Join(s.iconDir, "icon.img")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}

	return path, nil
}
