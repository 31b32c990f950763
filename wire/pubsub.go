package wire

// PubSubType is PubSubMessage.Type from spec.md §3.
type PubSubType int

const (
	PubSubQueryDB PubSubType = iota
	PubSubDeliver
	PubSubConnected
	PubSubMultiDevice
	PubSubClose
	PubSubKeepalive
	PubSubCheck
	PubSubQueryOnline
	PubSubFriend
	PubSubNotification
)

// PubSubMessage is the internal envelope published on the Redis bus.
// Content is the nested, type-specific payload — for PubSubDeliver it is a
// serialized Envelope, for PubSubConnected it is a ConnectedPayload, for
// PubSubFriend it is a serialized FriendEvent batch, and so on.
type PubSubMessage struct {
	Type    PubSubType
	Content []byte
}

// ConnectedPayload is the content of a PubSubConnected message: the
// identity of the channel that just subscribed, used for connected-notify
// arbitration (spec.md §4.2 step 3).
type ConnectedPayload struct {
	Identity uint64
}

// FriendEventKind enumerates the events the FRIEND handler persists on
// failure (spec.md §4.3, supplemented per SPEC_FULL.md §3).
type FriendEventKind int

const (
	FriendRequest FriendEventKind = iota
	FriendReply
	FriendDelete
)

// FriendEvent is one entry of a FRIEND batch forwarded to the client, or
// persisted via the Contacts DAO for replay on next login.
type FriendEvent struct {
	Kind FriendEventKind
	From string
	To   string
	Body []byte
}

// MultiDeviceEventType enumerates the MULTI_DEVICE events that additionally
// trigger a disconnect (spec.md §4.3).
type MultiDeviceEventType int

const (
	MultiDeviceOther MultiDeviceEventType = iota
	DeviceAuth
	DeviceKickedByOther
	DeviceKickedByMaster
	MasterLogout
)

// MultiDeviceEvent is the content of a PubSubMultiDevice message.
type MultiDeviceEvent struct {
	Type MultiDeviceEventType
	Body []byte
}
