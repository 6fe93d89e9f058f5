package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pbrelay/internal/dedup"
	"pbrelay/internal/notify"
	"pbrelay/pushbullet"
)

// fakeSink records Notify and Dismiss calls, handing out sequential ids
// the way a notification daemon does.
type fakeSink struct {
	nextID    uint32
	notified  []notify.Notification
	dismissed []uint32

	notifyErr  error
	dismissErr error
}

func (s *fakeSink) Notify(_ context.Context, n notify.Notification) (uint32, error) {
	if s.notifyErr != nil {
		return 0, s.notifyErr
	}

	s.nextID++
	s.notified = append(s.notified, n)

	return s.nextID, nil
}

func (s *fakeSink) Dismiss(_ context.Context, id uint32) error {
	if s.dismissErr != nil {
		return s.dismissErr
	}

	s.dismissed = append(s.dismissed, id)

	return nil
}

// fakeDevices resolves device idens from a fixed catalog.
type fakeDevices struct {
	devices map[string]*pushbullet.Device
}

func (f *fakeDevices) Device(iden string) (*pushbullet.Device, error) {
	return f.devices[iden], nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeSink, *dedup.Store) {
	t.Helper()

	sink := &fakeSink{}
	store := dedup.New(16)
	d := NewDispatcher(sink, store, nil, testLogger())

	return d, sink, store
}

func testMirror(id string) pushbullet.Event {
	return pushbullet.Event{
		Kind: pushbullet.KindMirror,
		ID:   "ev-mirror-" + id,
		Mirror: &pushbullet.Mirror{
			PackageName:     "com.example.chat",
			ApplicationName: "Chat",
			NotificationID:  id,
			Title:           "Alice",
			Body:            "hello",
		},
	}
}

func testDismissal(id string) pushbullet.Event {
	return pushbullet.Event{
		Kind: pushbullet.KindDismissal,
		ID:   "ev-dismiss-" + id,
		Dismissal: &pushbullet.Dismissal{
			PackageName:    "com.example.chat",
			NotificationID: id,
		},
	}
}

// --- Mirror tests ---

func TestDispatch_MirrorRenders(t *testing.T) {
	d, sink, _ := newTestDispatcher(t)

	result := d.Dispatch(context.Background(), testMirror("abc"))

	assert.Equal(t, ResultRendered, result)
	require.Len(t, sink.notified, 1)
	assert.Equal(t, "[Chat] Alice", sink.notified[0].Title)
	assert.Equal(t, "hello", sink.notified[0].Body)
	assert.Zero(t, sink.notified[0].ReplacesID)
}

func TestDispatch_MirrorUpdateReplacesInPlace(t *testing.T) {
	d, sink, _ := newTestDispatcher(t)

	first := testMirror("abc")
	require.Equal(t, ResultRendered, d.Dispatch(context.Background(), first))

	// Same notification key, new content: the phone updated the
	// notification in place.
	second := testMirror("abc")
	second.ID = "ev-mirror-abc-2"
	second.Mirror.Body = "hello again"
	require.Equal(t, ResultRendered, d.Dispatch(context.Background(), second))

	require.Len(t, sink.notified, 2)
	assert.Equal(t, uint32(1), sink.notified[1].ReplacesID,
		"second render must replace the first notification")
}

func TestDispatch_MirrorDecodesIcon(t *testing.T) {
	d, sink, _ := newTestDispatcher(t)

	icon := []byte{0x89, 'P', 'N', 'G'}
	ev := testMirror("abc")
	ev.Mirror.Icon = base64.StdEncoding.EncodeToString(icon)

	require.Equal(t, ResultRendered, d.Dispatch(context.Background(), ev))
	require.Len(t, sink.notified, 1)
	assert.Equal(t, icon, sink.notified[0].Icon)
}

func TestDispatch_MirrorBadIconStillRenders(t *testing.T) {
	d, sink, _ := newTestDispatcher(t)

	ev := testMirror("abc")
	ev.Mirror.Icon = "not-base64!!!"

	require.Equal(t, ResultRendered, d.Dispatch(context.Background(), ev))
	require.Len(t, sink.notified, 1)
	assert.Nil(t, sink.notified[0].Icon)
}

func TestDispatch_MirrorFallsBackToPackageName(t *testing.T) {
	d, sink, _ := newTestDispatcher(t)

	ev := testMirror("abc")
	ev.Mirror.ApplicationName = ""

	require.Equal(t, ResultRendered, d.Dispatch(context.Background(), ev))
	assert.Equal(t, "[com.example.chat] Alice", sink.notified[0].Title)
}

func TestDispatch_SinkFailureReportsFailed(t *testing.T) {
	d, sink, store := newTestDispatcher(t)
	sink.notifyErr = errors.New("daemon unavailable")

	result := d.Dispatch(context.Background(), testMirror("abc"))

	assert.Equal(t, ResultFailed, result)
	_, ok := store.LookupRendered(testMirror("abc").Mirror.NotificationKey())
	assert.False(t, ok, "failed renders must not record a mapping")
}

// --- Dismissal tests ---

func TestDispatch_DismissalClosesRendered(t *testing.T) {
	d, sink, store := newTestDispatcher(t)

	require.Equal(t, ResultRendered, d.Dispatch(context.Background(), testMirror("abc")))

	result := d.Dispatch(context.Background(), testDismissal("abc"))

	assert.Equal(t, ResultDismissed, result)
	assert.Equal(t, []uint32{1}, sink.dismissed)

	_, ok := store.LookupRendered(testDismissal("abc").Dismissal.NotificationKey())
	assert.False(t, ok, "dismissal must remove the rendered mapping")
}

func TestDispatch_DismissalWithoutRenderSkips(t *testing.T) {
	d, sink, _ := newTestDispatcher(t)

	result := d.Dispatch(context.Background(), testDismissal("never-rendered"))

	assert.Equal(t, ResultSkipped, result)
	assert.Empty(t, sink.dismissed)
}

func TestDispatch_DismissalForOtherNotificationSkips(t *testing.T) {
	d, sink, _ := newTestDispatcher(t)

	require.Equal(t, ResultRendered, d.Dispatch(context.Background(), testMirror("abc")))

	result := d.Dispatch(context.Background(), testDismissal("xyz"))

	assert.Equal(t, ResultSkipped, result)
	assert.Empty(t, sink.dismissed)
}

func TestDispatch_DismissalSinkFailure(t *testing.T) {
	d, sink, _ := newTestDispatcher(t)

	require.Equal(t, ResultRendered, d.Dispatch(context.Background(), testMirror("abc")))
	sink.dismissErr = errors.New("daemon unavailable")

	result := d.Dispatch(context.Background(), testDismissal("abc"))
	assert.Equal(t, ResultFailed, result)
}

// --- Push tests ---

func TestDispatch_NotePush(t *testing.T) {
	d, sink, _ := newTestDispatcher(t)

	ev := pushbullet.Event{
		Kind: pushbullet.KindPush,
		ID:   "push1:1.0",
		Push: &pushbullet.Push{
			Iden:  "push1",
			Type:  "note",
			Title: "Reminder",
			Body:  "buy milk",
		},
	}

	assert.Equal(t, ResultRendered, d.Dispatch(context.Background(), ev))
	require.Len(t, sink.notified, 1)
	assert.Equal(t, "Reminder", sink.notified[0].Title)
	assert.Equal(t, "buy milk", sink.notified[0].Body)
}

func TestDispatch_LinkPushAppendsURL(t *testing.T) {
	d, sink, _ := newTestDispatcher(t)

	ev := pushbullet.Event{
		Kind: pushbullet.KindPush,
		ID:   "push2:1.0",
		Push: &pushbullet.Push{
			Iden:  "push2",
			Type:  "link",
			Title: "Article",
			Body:  "worth a read",
			URL:   "https://example.com/a",
		},
	}

	require.Equal(t, ResultRendered, d.Dispatch(context.Background(), ev))
	assert.Equal(t, "worth a read\nhttps://example.com/a", sink.notified[0].Body)
}

func TestDispatch_FilePushWithoutBody(t *testing.T) {
	d, sink, _ := newTestDispatcher(t)

	ev := pushbullet.Event{
		Kind: pushbullet.KindPush,
		ID:   "push3:1.0",
		Push: &pushbullet.Push{
			Iden:     "push3",
			Type:     "file",
			Title:    "Photo",
			FileName: "img_0042.jpg",
		},
	}

	require.Equal(t, ResultRendered, d.Dispatch(context.Background(), ev))
	assert.Equal(t, "New file received: img_0042.jpg", sink.notified[0].Body)
}

func TestDispatch_DismissedPushSkipped(t *testing.T) {
	d, sink, _ := newTestDispatcher(t)

	ev := pushbullet.Event{
		Kind: pushbullet.KindPush,
		ID:   "push4:1.0",
		Push: &pushbullet.Push{Iden: "push4", Type: "note", Dismissed: true},
	}

	assert.Equal(t, ResultSkipped, d.Dispatch(context.Background(), ev))
	assert.Empty(t, sink.notified)
}

func TestDispatch_PushTitleFallbacks(t *testing.T) {
	devices := &fakeDevices{devices: map[string]*pushbullet.Device{
		"dev1": {Iden: "dev1", Nickname: "My Phone"},
	}}

	sink := &fakeSink{}
	d := NewDispatcher(sink, dedup.New(16), devices, testLogger())

	cases := []struct {
		name string
		push pushbullet.Push
		want string
	}{
		{"own title wins", pushbullet.Push{Title: "T", SenderName: "Bob", SourceDeviceIden: "dev1"}, "T"},
		{"sender name next", pushbullet.Push{SenderName: "Bob", SourceDeviceIden: "dev1"}, "Bob"},
		{"device nickname next", pushbullet.Push{SourceDeviceIden: "dev1"}, "My Phone"},
		{"unknown device falls through", pushbullet.Push{SourceDeviceIden: "dev9"}, "Pushbullet"},
		{"nothing set", pushbullet.Push{}, "Pushbullet"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.push
			p.Type = "note"

			assert.Equal(t, tc.want, d.pushTitle(&p))
		})
	}
}

// --- Notice tests ---

func TestNotice_Renders(t *testing.T) {
	d, sink, _ := newTestDispatcher(t)

	d.Notice(context.Background(), "pbrelay started", "listening for notifications")

	require.Len(t, sink.notified, 1)
	assert.Equal(t, "pbrelay started", sink.notified[0].Title)
}

func TestNotice_AbsorbsSinkFailure(t *testing.T) {
	d, sink, _ := newTestDispatcher(t)
	sink.notifyErr = errors.New("daemon unavailable")

	// Must not panic or propagate.
	d.Notice(context.Background(), "pbrelay started", "")
}

// --- Body wrapping tests ---

func TestWrapBody(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"short line untouched", "hello world", "hello world"},
		{
			"wraps at word boundary",
			strings.Repeat("word ", 20),
			strings.TrimSpace(strings.Repeat("word ", 14)) + "\n" + strings.TrimSpace(strings.Repeat("word ", 6)),
		},
		{"preserves existing breaks", "line one\nline two", "line one\nline two"},
		{"long word stays unbroken", strings.Repeat("x", 100), strings.Repeat("x", 100)},
		{"trims surrounding space", "  hello  ", "hello"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, wrapBody(tc.in))
		})
	}
}

func TestWrapBody_NoLineExceedsWidth(t *testing.T) {
	wrapped := wrapBody(strings.Repeat("abcdefg ", 50))

	for _, line := range strings.Split(wrapped, "\n") {
		assert.LessOrEqual(t, len(line), bodyWrapWidth)
	}
}
