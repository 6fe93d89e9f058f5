package relay

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"

	"pbrelay/internal/dedup"
	"pbrelay/internal/notify"
	"pbrelay/pushbullet"
)

// bodyWrapWidth matches the classic pbns behavior of wrapping bodies at
// 70 columns before handing them to the notification daemon.
const bodyWrapWidth = 70

// DispatchResult describes what the dispatcher did with an event.
type DispatchResult int

const (
	// ResultRendered means a notification was created or updated.
	ResultRendered DispatchResult = iota

	// ResultDismissed means a previously rendered notification was closed.
	ResultDismissed

	// ResultSkipped means the event required no action (unmatched
	// dismissal, push already dismissed at the source, device change).
	ResultSkipped

	// ResultFailed means the sink was unavailable. The event counts as
	// delivered-attempted and is not retried.
	ResultFailed
)

// deviceResolver names source devices for push titles. *state.State
// satisfies this; lookups degrade to partial rendering on error.
type deviceResolver interface {
	Device(iden string) (*pushbullet.Device, error)
}

// Dispatcher maps decoded, admitted events onto the local notification
// sink and records what it rendered so later dismissals can find it.
type Dispatcher struct {
	sink    notify.Sink
	store   *dedup.Store
	devices deviceResolver
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher. devices may be nil, in which case
// push titles fall back to sender names only.
func NewDispatcher(sink notify.Sink, store *dedup.Store, devices deviceResolver, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sink:    sink,
		store:   store,
		devices: devices,
		logger:  logger,
	}
}

// Dispatch renders, updates, or dismisses based on the event kind.
// Failures are logged and absorbed; the engine never stops for a sink
// problem.
func (d *Dispatcher) Dispatch(ctx context.Context, ev pushbullet.Event) DispatchResult {
	switch ev.Kind {
	case pushbullet.KindMirror:
		return d.dispatchMirror(ctx, ev)
	case pushbullet.KindDismissal:
		return d.dispatchDismissal(ctx, ev)
	case pushbullet.KindPush:
		return d.dispatchPush(ctx, ev)
	default:
		return ResultSkipped
	}
}

// dispatchMirror renders a mirrored phone notification. A second mirror
// with the same notification key (the phone updating a notification in
// place) replaces the first rather than stacking a duplicate.
func (d *Dispatcher) dispatchMirror(ctx context.Context, ev pushbullet.Event) DispatchResult {
	m := ev.Mirror
	key := m.NotificationKey()

	n := notify.Notification{
		Title: mirrorTitle(m),
		Body:  wrapBody(m.Body),
	}

	if m.Icon != "" {
		icon, err := base64.StdEncoding.DecodeString(m.Icon)
		if err != nil {
			d.logger.Debug("undecodable mirror icon", slog.String("package", m.PackageName))
		} else {
			n.Icon = icon
		}
	}

	if prev, ok := d.store.LookupRendered(key); ok {
		n.ReplacesID = prev
	}

	id, err := d.sink.Notify(ctx, n)
	if err != nil {
		d.logger.Warn("rendering mirror failed",
			slog.String("package", m.PackageName),
			slog.String("error", err.Error()),
		)
		return ResultFailed
	}

	d.store.RecordRendered(key, id, ev.ID)
	d.logger.Debug("rendered mirror",
		slog.String("package", m.PackageName),
		slog.Uint64("notification_id", uint64(id)),
	)

	return ResultRendered
}

// dispatchDismissal closes the notification previously rendered for the
// same key. No prior render means nothing to do; that is expected when
// the mirror was muted, evicted, or never delivered.
func (d *Dispatcher) dispatchDismissal(ctx context.Context, ev pushbullet.Event) DispatchResult {
	key := ev.Dismissal.NotificationKey()

	id, ok := d.store.LookupRendered(key)
	if !ok {
		return ResultSkipped
	}

	d.store.RemoveRendered(key)

	if err := d.sink.Dismiss(ctx, id); err != nil {
		d.logger.Warn("dismissing notification failed",
			slog.Uint64("notification_id", uint64(id)),
			slog.String("error", err.Error()),
		)
		return ResultFailed
	}

	return ResultDismissed
}

// dispatchPush renders a note, link, or file push.
func (d *Dispatcher) dispatchPush(ctx context.Context, ev pushbullet.Event) DispatchResult {
	p := ev.Push
	if p.Dismissed {
		return ResultSkipped
	}

	n := notify.Notification{
		Title: d.pushTitle(p),
		Body:  wrapBody(pushBody(p)),
	}

	id, err := d.sink.Notify(ctx, n)
	if err != nil {
		d.logger.Warn("rendering push failed",
			slog.String("iden", p.Iden),
			slog.String("error", err.Error()),
		)
		return ResultFailed
	}

	d.store.RecordRendered(ev.ID, id, ev.ID)
	d.logger.Debug("rendered push",
		slog.String("iden", p.Iden),
		slog.String("type", p.Type),
	)

	return ResultRendered
}

// Notice renders an out-of-band notification (startup, connection lost)
// that does not originate from a stream event.
func (d *Dispatcher) Notice(ctx context.Context, title, body string) {
	if _, err := d.sink.Notify(ctx, notify.Notification{Title: title, Body: wrapBody(body)}); err != nil {
		d.logger.Warn("rendering notice failed", slog.String("error", err.Error()))
	}
}

// mirrorTitle formats "[AppName] Title".
func mirrorTitle(m *pushbullet.Mirror) string {
	app := m.ApplicationName
	if app == "" {
		app = m.PackageName
	}
	return "[" + app + "] " + strings.TrimSpace(m.Title)
}

// pushTitle prefers the push's own title, then the sender name, then the
// source device's nickname from the cached catalog.
func (d *Dispatcher) pushTitle(p *pushbullet.Push) string {
	if p.Title != "" {
		return strings.TrimSpace(p.Title)
	}
	if p.SenderName != "" {
		return p.SenderName
	}

	if d.devices != nil && p.SourceDeviceIden != "" {
		device, err := d.devices.Device(p.SourceDeviceIden)
		if err != nil {
			d.logger.Debug("device lookup failed",
				slog.String("iden", p.SourceDeviceIden),
				slog.String("error", err.Error()),
			)
		} else if device != nil && device.Nickname != "" {
			return device.Nickname
		}
	}

	return "Pushbullet"
}

// pushBody picks the body text per push type.
func pushBody(p *pushbullet.Push) string {
	switch p.Type {
	case "file":
		if p.Body == "" {
			return "New file received: " + p.FileName
		}
		return p.Body
	case "link":
		if p.Body == "" {
			return p.URL
		}
		return p.Body + "\n" + p.URL
	default:
		return p.Body
	}
}

// wrapBody folds text at word boundaries to bodyWrapWidth columns,
// preserving existing line breaks. Words longer than the width stay on
// their own line unbroken.
func wrapBody(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	var out strings.Builder
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(wrapLine(line))
	}

	return out.String()
}

func wrapLine(line string) string {
	words := strings.Fields(line)
	if len(words) == 0 {
		return ""
	}

	var out strings.Builder
	width := 0
	for i, word := range words {
		if i == 0 {
			out.WriteString(word)
			width = len(word)
			continue
		}

		if width+1+len(word) > bodyWrapWidth {
			out.WriteByte('\n')
			out.WriteString(word)
			width = len(word)
			continue
		}

		out.WriteByte(' ')
		out.WriteString(word)
		width += 1 + len(word)
	}

	return out.String()
}
