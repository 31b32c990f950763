// Package wire implements the dispatch core's wire types: the end-to-end
// Envelope, the durable StoredMessage mirror, the internal PubSubMessage bus
// envelope, and the client-facing Mailbox batch.
package wire

import "time"

// EnvelopeType is the Envelope.Type enum from spec.md §3.
type EnvelopeType int

const (
	EnvelopeUnknown EnvelopeType = iota
	EnvelopeCiphertext
	EnvelopeKeyExchange
	EnvelopePrekeyBundle
	EnvelopeReceipt
	EnvelopeNoise
)

// PushPriority is Envelope.push from spec.md §3.
type PushPriority int

const (
	PushNormal PushPriority = iota
	PushSilent
)

// Envelope is the wire unit of a single P2P message. Content is opaque to
// the dispatch core.
type Envelope struct {
	Type               EnvelopeType
	Source             string
	SourceDevice       uint32
	SourceRegistration uint32
	SourceExtra        string
	Timestamp          time.Time
	Relay              string
	Content            []byte
	Push               PushPriority
}

// IsNoise reports whether this envelope is a NOISE decoy, which is dropped
// silently on delivery failure (spec.md §4.3.2 step 6).
func (e Envelope) IsNoise() bool { return e.Type == EnvelopeNoise }

// IsReceipt reports whether this envelope is a delivery receipt, which
// never produces a further receipt (spec.md §3).
func (e Envelope) IsReceipt() bool { return e.Type == EnvelopeReceipt }

// StoredMessage is the durable mirror of an undelivered Envelope, keyed
// (Destination, DestinationDevice, ID). FIFO by ID per (destination,
// destinationDevice) (spec.md §3).
type StoredMessage struct {
	ID                        uint64
	Destination               string
	DestinationDevice         uint32
	DestinationRegistrationID uint32
	Source                    string
	Envelope                  Envelope
}

// Mailbox is the batch payload dispatched as PUT /api/v1/messages.
type Mailbox struct {
	Envelopes []Envelope
}

// Notification is the push payload constructed by the channel's P2P
// delivery failure path and by the offline push round (spec.md §4.3.2,
// §4.6). Badge is always 1 for group-variant notifications per spec.md §4.6.
type Notification struct {
	UID          string
	DeviceID     uint32
	Badge        int
	GID          string // non-empty for group-variant notifications
	MessageID    uint64
	APNSID       string
	APNSType     string
	VoipApnID    string
	FCMID        string
	UmengID      string
	OSType       string
	OSVersion    string
	PhoneModel   string
	BCMBuildCode int
}

// Vendor derives the push vendor to dispatch a Notification to, from
// whichever token field is populated. Returns "" if no vendor token is
// present.
func (n Notification) Vendor() string {
	switch {
	case n.APNSID != "" || n.VoipApnID != "":
		return "apns"
	case n.FCMID != "":
		return "fcm"
	case n.UmengID != "":
		return "umeng"
	default:
		return ""
	}
}
