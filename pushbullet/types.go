package pushbullet

import "encoding/json"

// REST API types.

// User is returned from GET /v2/users/me. Iden doubles as the salt for
// end-to-end key derivation.
type User struct {
	Iden          string  `json:"iden"`
	Email         string  `json:"email"`
	Name          string  `json:"name"`
	Created       float64 `json:"created"`
	Modified      float64 `json:"modified"`
	MaxUploadSize int64   `json:"max_upload_size"`
}

// Device is one entry from GET /v2/devices.
type Device struct {
	Iden     string  `json:"iden"`
	Nickname string  `json:"nickname"`
	Kind     string  `json:"kind"`
	Type     string  `json:"type"`
	Active   bool    `json:"active"`
	Pushable bool    `json:"pushable"`
	Modified float64 `json:"modified"`
}

// Push is a persistent push from GET /v2/pushes. Type is one of
// "note", "link", or "file".
type Push struct {
	Iden             string  `json:"iden"`
	Type             string  `json:"type"`
	Active           bool    `json:"active"`
	Dismissed        bool    `json:"dismissed"`
	Created          float64 `json:"created"`
	Modified         float64 `json:"modified"`
	Title            string  `json:"title"`
	Body             string  `json:"body"`
	URL              string  `json:"url"`
	FileName         string  `json:"file_name"`
	FileType         string  `json:"file_type"`
	FileURL          string  `json:"file_url"`
	SenderName       string  `json:"sender_name"`
	SenderIden       string  `json:"sender_iden"`
	SourceDeviceIden string  `json:"source_device_iden"`
	TargetDeviceIden string  `json:"target_device_iden"`
	ChannelIden      string  `json:"channel_iden"`
}

// pushListResponse is returned from GET /v2/pushes.
type pushListResponse struct {
	Pushes []Push `json:"pushes"`
	Cursor string `json:"cursor"`
}

// deviceListResponse is returned from GET /v2/devices.
type deviceListResponse struct {
	Devices []Device `json:"devices"`
}

// APIError is the error envelope the API returns on non-2xx responses.
type APIError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Cat     string `json:"cat"`
	} `json:"error"`
}

// Stream frame types.

// StreamFrame is the outer envelope of a websocket frame. Type is the
// discriminator: "nop" (heartbeat), "tickle", or "push".
type StreamFrame struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Push    json.RawMessage `json:"push"`
}

// ephemeralEnvelope is the inner "push" object of a stream frame before
// the variant is known. When Encrypted is set, Ciphertext holds the
// opaque payload and every other field is absent.
type ephemeralEnvelope struct {
	Type       string `json:"type"`
	Encrypted  bool   `json:"encrypted"`
	Ciphertext string `json:"ciphertext"`
}

// Mirror is a phone notification relayed verbatim. PackageName,
// NotificationID, and NotificationTag together form the stable key a
// later Dismissal refers to.
type Mirror struct {
	PackageName      string `json:"package_name"`
	ApplicationName  string `json:"application_name"`
	NotificationID   string `json:"notification_id"`
	NotificationTag  string `json:"notification_tag"`
	SourceUserIden   string `json:"source_user_iden"`
	SourceDeviceIden string `json:"source_device_iden"`
	Title            string `json:"title"`
	Body             string `json:"body"`
	Icon             string `json:"icon"`
	Dismissible      bool   `json:"dismissible"`
}

// Dismissal signals that a previously mirrored notification was
// dismissed on the phone.
type Dismissal struct {
	PackageName      string `json:"package_name"`
	NotificationID   string `json:"notification_id"`
	NotificationTag  string `json:"notification_tag"`
	SourceUserIden   string `json:"source_user_iden"`
	SourceDeviceIden string `json:"source_device_iden"`
}

// NotificationKey returns the identity a Dismissal uses to find the
// Mirror it refers to.
func (m Mirror) NotificationKey() string {
	return notificationKey(m.PackageName, m.NotificationID, m.NotificationTag)
}

// NotificationKey returns the identity of the Mirror this Dismissal
// refers to.
func (d Dismissal) NotificationKey() string {
	return notificationKey(d.PackageName, d.NotificationID, d.NotificationTag)
}

func notificationKey(pkg, id, tag string) string {
	return pkg + "\x00" + id + "\x00" + tag
}

// EventKind discriminates the decoded event variants.
type EventKind string

const (
	// KindPush is a persistent push (note, link, or file), delivered via
	// tickle backfill rather than inline on the stream.
	KindPush EventKind = "push"

	// KindMirror is a mirrored phone notification.
	KindMirror EventKind = "mirror"

	// KindDismissal dismisses a previously mirrored notification.
	KindDismissal EventKind = "dismissal"

	// KindDeviceChange signals that the device list changed.
	KindDeviceChange EventKind = "device_change"
)

// Event is a decoded, decrypted stream event. ID is stable across
// redeliveries: for pushes it is the server-assigned iden, for
// ephemerals it is derived from the payload (see deriveEventID).
// Exactly one of Push, Mirror, Dismissal is set for the matching kind.
type Event struct {
	Kind         EventKind
	ID           string
	SourceDevice string

	Push      *Push
	Mirror    *Mirror
	Dismissal *Dismissal
}
