package rendezvous

import (
	"errors"
	"fmt"
	"time"
)

// ErrPeerNotFound is returned when the signaling server has no record of
// the requested StableId.
var ErrPeerNotFound = errors.New("rendezvous: peer not found")

// Match describes one way a peer was found: either live (the signaling
// server saw an active registration for the same token) or as a decrypted
// dead drop left behind earlier.
type Match struct {
	PeerId string
	RelayId string
	SourceId string
	DeadDrop *DeadDrop
}

// RegistrationRequest is what register_for_peer sends to the signaling
// server.
type RegistrationRequest struct {
	PeerId string
	DailyPoints []string
	HourlyTokens []string
	DeadDrop []byte
	RelayId string
}

// RegistrationResult is what the signaling server answers with
// (rendezvous_result).
type RegistrationResult struct {
	LiveMatches []LiveMatch
	DeadDrops [][]byte
}

// LiveMatch is an already-online peer sharing one of our tokens.
type LiveMatch struct {
	PeerId string
	RelayId string
}

// Signaler is the subset of the signaling client rendezvous depends on, so
// this package stays decoupled from the WebSocket transport.
type Signaler interface {
	RegisterRendezvous(req RegistrationRequest) (RegistrationResult, error)
}

// Service implements the client-side rendezvous protocol.
type Service struct {
	selfPeerId string
	selfID []byte
	signaler Signaler
}

// NewService constructs a rendezvous Service bound to a signaling client.
func NewService(selfPeerId string, selfID []byte, signaler Signaler) *Service {
	return &Service{selfPeerId: selfPeerId, selfID: selfID, signaler: signaler}
}

// RegisterForPeer derives daily+hourly tokens for peerID, packages a dead
// drop sealed with sessionKey, and asks the signaling server for any
// live or dead-drop matches.
func (s *Service) RegisterForPeer(peerID []byte, drop DeadDrop, sessionKey [32]byte, relayId string) (RegistrationResult, error) {
	now := time.Now()
	daily := DailyMeetingPoints(s.selfID, peerID, now)
	hourly := HourlyTokens(sessionKey[:], now)

	packaged, err := PackageDeadDrop(drop, sessionKey)
	if err != nil {
		return RegistrationResult{}, fmt.Errorf("rendezvous: package dead drop: %w", err)
	}

	req := RegistrationRequest{
		PeerId: s.selfPeerId,
		DailyPoints: daily,
		HourlyTokens: hourly,
		DeadDrop: packaged,
		RelayId: relayId,
	}
	return s.signaler.RegisterRendezvous(req)
}

// ConnectionPlan is the outcome of applying the "prefer live matches over
// dead drops" policy to a RegistrationResult.
type ConnectionPlan struct {
	// LiveMatches should be reconnected to directly via relay introduction.
	LiveMatches []LiveMatch
	// DirectDeadDrops are fresh enough (<1h) to try a direct IP connect.
	DirectDeadDrops []*DeadDrop
	// RelayedDeadDrops are stale and must route via their enclosed relayId/sourceId.
	RelayedDeadDrops []*DeadDrop
}

// PlanConnections decrypts every dead drop in result and splits it into a
// ConnectionPlan per the result-processing policy. Dead drops that fail to
// decrypt are silently dropped (the caller surfaces ErrDeadDropDecryptFailed
// at the point of first use if it wants to warn the user).
func PlanConnections(result RegistrationResult, sessionKey [32]byte) ConnectionPlan {
	plan := ConnectionPlan{LiveMatches: result.LiveMatches}
	for _, framed := range result.DeadDrops {
		drop, err := OpenDeadDrop(framed, sessionKey)
		if err != nil {
			continue
		}
		if drop.IsStale() {
			plan.RelayedDeadDrops = append(plan.RelayedDeadDrops, drop)
		} else {
			plan.DirectDeadDrops = append(plan.DirectDeadDrops, drop)
		}
	}
	return plan
}
