package connection

import "strings"

// StreamKind is one of the typed streams a decrypted inbound message is
// routed to by prefix. Consumers subscribe to exactly
// the stream they care about instead of filtering a shared broadcast.
type StreamKind int

const (
	StreamLinkedDevice StreamKind = iota
	StreamGroupInvitations
	StreamGroupData
	StreamTyping
	StreamReceipts
	StreamPeerMessages
	// StreamLegacyMessages mirrors every routed message during migration.
	//
	// Deprecated: consumers should subscribe to the specific typed stream
	// instead; this exists only until the legacy consumer is retired.
	StreamLegacyMessages
)

// linkedDevicePeerPrefix marks a peer id as a linked-device proxy
// connection rather than an ordinary contact. Routing on this case
// dispatches by peer id, not by message body, since every message from
// such a peer belongs to the device-link channel regardless of its
// content.
const linkedDevicePeerPrefix = "link_"

// RoutedMessage is one decrypted inbound payload, already classified and
// prefix-stripped.
type RoutedMessage struct {
	PeerId string
	Kind StreamKind
	Body []byte
}

type prefixRule struct {
	prefix string
	kind StreamKind
	strip bool
}

// prefixTable mirrors the table exactly; order matters only in
// that no two prefixes here are a prefix of one another.
var prefixTable = []prefixRule{
	{"ginv:", StreamGroupInvitations, true},
	{"grp:", StreamGroupData, true},
	{"typ:", StreamTyping, true},
	{"rcpt:", StreamReceipts, true},
}

// Router delivers each inbound message to exactly one of the typed
// mailboxes below, plus a mirrored copy on the deprecated legacy stream.
// Each channel is single-consumer and buffered: a consumer that stops
// draining its channel blocks production for that stream only, rather
// than silently dropping messages the way a broadcast-with-filter
// subscription would.
type Router struct {
	linkedDevice chan RoutedMessage
	groupInvitations chan RoutedMessage
	groupData chan RoutedMessage
	typing chan RoutedMessage
	receipts chan RoutedMessage
	peerMessages chan RoutedMessage
	legacyMessages chan RoutedMessage

	closed bool
}

// NewRouter constructs a Router with the given per-stream buffer size.
func NewRouter(bufferSize int) *Router {
	return &Router{
		linkedDevice: make(chan RoutedMessage, bufferSize),
		groupInvitations: make(chan RoutedMessage, bufferSize),
		groupData: make(chan RoutedMessage, bufferSize),
		typing: make(chan RoutedMessage, bufferSize),
		receipts: make(chan RoutedMessage, bufferSize),
		peerMessages: make(chan RoutedMessage, bufferSize),
		legacyMessages: make(chan RoutedMessage, bufferSize),
	}
}

// LinkedDevice is the single-consumer channel for messages arriving from a
// peer whose id carries the "link_" device-link proxy prefix.
func (r *Router) LinkedDevice() <-chan RoutedMessage { return r.linkedDevice }

// GroupInvitations is the single-consumer channel for "ginv:" messages.
func (r *Router) GroupInvitations() <-chan RoutedMessage { return r.groupInvitations }

// GroupData is the single-consumer channel for "grp:" messages.
func (r *Router) GroupData() <-chan RoutedMessage { return r.groupData }

// TypingEvents is the single-consumer channel for "typ:" messages.
func (r *Router) TypingEvents() <-chan RoutedMessage { return r.typing }

// ReceiptEvents is the single-consumer channel for "rcpt:" messages.
func (r *Router) ReceiptEvents() <-chan RoutedMessage { return r.receipts }

// PeerMessages is the single-consumer channel for unprefixed 1:1 chat
// messages.
func (r *Router) PeerMessages() <-chan RoutedMessage { return r.peerMessages }

// LegacyMessages mirrors every routed message.
//
// Deprecated: migration-only, see StreamLegacyMessages.
func (r *Router) LegacyMessages() <-chan RoutedMessage { return r.legacyMessages }

// Route classifies a decrypted inbound payload by prefix and delivers it
// to the matching typed channel plus the legacy mirror. Route
// blocks if the destination channel's buffer is full; callers running
// Route from the connection's read loop should size buffers generously or
// run Route from its own goroutine per peer.
func (r *Router) Route(peerId string, plaintext []byte) {
	if r.closed {
		return
	}
	if strings.HasPrefix(peerId, linkedDevicePeerPrefix) {
		msg := RoutedMessage{PeerId: peerId, Kind: StreamLinkedDevice, Body: plaintext}
		r.deliver(StreamLinkedDevice, msg)
		r.mirrorLegacy(msg)
		return
	}
	text := string(plaintext)
	for _, rule := range prefixTable {
		if strings.HasPrefix(text, rule.prefix) {
			body := plaintext
			if rule.strip {
				body = plaintext[len(rule.prefix):]
			}
			msg := RoutedMessage{PeerId: peerId, Kind: rule.kind, Body: body}
			r.deliver(rule.kind, msg)
			r.mirrorLegacy(msg)
			return
		}
	}
	msg := RoutedMessage{PeerId: peerId, Kind: StreamPeerMessages, Body: plaintext}
	r.deliver(StreamPeerMessages, msg)
	r.mirrorLegacy(msg)
}

func (r *Router) deliver(kind StreamKind, msg RoutedMessage) {
	switch kind {
	case StreamLinkedDevice:
		r.linkedDevice <- msg
	case StreamGroupInvitations:
		r.groupInvitations <- msg
	case StreamGroupData:
		r.groupData <- msg
	case StreamTyping:
		r.typing <- msg
	case StreamReceipts:
		r.receipts <- msg
	case StreamPeerMessages:
		r.peerMessages <- msg
	}
}

func (r *Router) mirrorLegacy(msg RoutedMessage) {
	select {
	case r.legacyMessages <- msg:
	default:
		// The legacy stream is deprecated and explicitly best-effort: a
		// slow or absent legacy consumer must never back-pressure the
		// typed streams above.
	}
}

// Dispose closes every channel. Safe to call once; callers must not call
// Route after Dispose.
func (r *Router) Dispose() {
	if r.closed {
		return
	}
	r.closed = true
	close(r.linkedDevice)
	close(r.groupInvitations)
	close(r.groupData)
	close(r.typing)
	close(r.receipts)
	close(r.peerMessages)
	close(r.legacyMessages)
}
