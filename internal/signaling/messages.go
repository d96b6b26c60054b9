// Package signaling implements the client side of the WebSocket JSON
// message catalog exchanged with the bootstrap/relay signaling server.
// Follows the SAGE-X pkg/agent/transport/websocket client idiom
// (persistent *websocket.Conn, a dial-with-timeout constructor, a
// background read loop) but dispatches by envelope type instead of
// correlating request/response ids.
package signaling

import "encoding/json"

// Envelope is the wire frame every message on the signaling socket uses:
// a type discriminator plus a type-specific payload.
type Envelope struct {
	Type string `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message type discriminators.
const (
	TypeRegister = "register"
	TypeRegistered = "registered"
	TypeRegisterRendezvous = "register_rendezvous"
	TypeRendezvousResult = "rendezvous_result"
	TypeUpdateLoad = "update_load"
	TypeRendezvousMatch = "rendezvous_match"

	TypeChunkAnnounce = "chunk_announce"
	TypeChunkRequest = "chunk_request"
	TypeChunkRequestMeta = "chunk_request_meta"
	TypeChunkPush = "chunk_push"
	TypeChunkPull = "chunk_pull"
	TypeChunkData = "chunk_data"
	TypeChunkAvailable = "chunk_available"
	TypeChunkNotFound = "chunk_not_found"

	TypeIntroductionForward = "introduction_forward"
	TypeIntroductionError = "introduction_error"

	TypeSignalOffer = "signal_offer"
	TypeSignalAnswer = "signal_answer"
)

// RegisterMsg is the client->server "register" payload.
type RegisterMsg struct {
	PeerId string `json:"peerId"`
	PublicKey string `json:"publicKey"`
	MaxConnections int `json:"maxConnections"`
}

// RelayInfo describes one relay offered back by "registered".
type RelayInfo struct {
	PeerId string `json:"peerId"`
	PublicKey string `json:"publicKey"`
	Capacity int `json:"capacity"`
}

// RegisteredMsg is the server->client reply to "register".
type RegisteredMsg struct {
	Relays []RelayInfo `json:"relays"`
}

// RegisterRendezvousMsg is the client->server "register_rendezvous"
// payload.
type RegisterRendezvousMsg struct {
	PeerId string `json:"peerId"`
	DailyPoints []string `json:"dailyPoints"`
	HourlyTokens []string `json:"hourlyTokens"`
	DeadDrop []byte `json:"deadDrop"`
	RelayId string `json:"relayId"`
}

// LiveMatchMsg is one live-registration match within a rendezvous_result.
type LiveMatchMsg struct {
	PeerId string `json:"peerId"`
	RelayId string `json:"relayId"`
}

// RendezvousResultMsg is the server->client reply to
// "register_rendezvous".
type RendezvousResultMsg struct {
	LiveMatches []LiveMatchMsg `json:"liveMatches"`
	DeadDrops [][]byte `json:"deadDrops"`
}

// UpdateLoadMsg is the client->server "update_load" payload.
type UpdateLoadMsg struct {
	PeerId string `json:"peerId"`
	ConnectedCount int `json:"connectedCount"`
}

// RendezvousMatchMsg is pushed server->client when a new peer matches an
// active registration.
type RendezvousMatchMsg struct {
	Match LiveMatchMsg `json:"match"`
}

// ChunkDescriptor is one entry in a chunk_announce's chunk list.
type ChunkDescriptor struct {
	ChunkId string `json:"chunkId"`
	RoutingHash string `json:"routingHash"`
}

// ChunkAnnounceMsg implements chunk_announce (C->S).
type ChunkAnnounceMsg struct {
	PeerId string `json:"peerId"`
	ChannelId string `json:"channelId"`
	Chunks []ChunkDescriptor `json:"chunks"`
}

// ChunkRequestMsg implements chunk_request (C->S).
type ChunkRequestMsg struct {
	PeerId string `json:"peerId"`
	ChunkId string `json:"chunkId"`
	ChannelId string `json:"channelId,omitempty"`
}

// ChunkRequestMetaMsg implements chunk_request_meta (C->S).
type ChunkRequestMetaMsg struct {
	PeerId string `json:"peerId"`
	RoutingHash string `json:"routingHash"`
	Sequence uint64 `json:"sequence"`
	ChunkIndex uint32 `json:"chunkIndex"`
}

// ChunkPushMsg implements chunk_push. data is a JSON object,
// not a base64 string
// must marshal/unmarshal Data as a generic object, never as raw bytes.
type ChunkPushMsg struct {
	PeerId string `json:"peerId"`
	ChunkId string `json:"chunkId"`
	ChannelId string `json:"channelId"`
	Data json.RawMessage `json:"data"`
}

// ChunkPullMsg implements chunk_pull (S->C).
type ChunkPullMsg struct {
	ChunkId string `json:"chunkId"`
}

// ChunkDataMsg is the server's chunk_data push (S->C). Data may be a JSON
// object (fresh push) or a JSON-encoded string (cache hit); consumers
// must try both.
type ChunkDataMsg struct {
	ChunkId string `json:"chunkId"`
	ChannelId string `json:"channelId"`
	Data json.RawMessage `json:"data"`
}

// ChunkAvailableMsg implements chunk_available (S->C). Either
// ChunkId alone or ChannelId+ChunkIds is populated.
type ChunkAvailableMsg struct {
	ChunkId string `json:"chunkId,omitempty"`
	ChannelId string `json:"channelId,omitempty"`
	ChunkIds []string `json:"chunkIds,omitempty"`
}

// ChunkNotFoundMsg implements chunk_not_found (S->C).
type ChunkNotFoundMsg struct {
	ChunkId string `json:"chunkId"`
}

// IntroductionForwardMsg is what a relay peer sends on to the resolved
// target of a send_introduction request.
type IntroductionForwardMsg struct {
	FromSourceId string `json:"fromSourceId"`
	EncryptedPayload []byte `json:"encryptedPayload"`
}

// IntroductionErrorMsg is the relay's reply when the target source id is
// unknown.
type IntroductionErrorMsg struct {
	Reason string `json:"reason"`
}

// SignalMsg carries a WebRTC offer or answer between two peers that are
// both currently connected to the same signaling server, used for
// rendezvous_result's live matches: since the server already knows both
// peerIds are online (they are in its conns table), the offer/answer
// exchange is forwarded through it directly rather than through a
// relay's data channel, which is what dead-drop-derived connections use
// instead since the target peer may not share a relay with us at all.
// ToPeerId addresses the C->S send; the server rewrites it to FromPeerId
// on forward so the recipient knows who to answer.
type SignalMsg struct {
	ToPeerId string `json:"toPeerId,omitempty"`
	FromPeerId string `json:"fromPeerId,omitempty"`
	Kind string `json:"kind"`
	SDP string `json:"sdp"`
}
