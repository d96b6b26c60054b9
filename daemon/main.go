// Command zajel-daemon is the always-running process on a device: it
// loads the local identity, registers with a signaling server for relay
// discovery and rendezvous, maintains WebRTC data channels to contacts
// and to peers acting as relays, and drives chunk distribution for
// broadcast channels.
//
// Grounded on daemon/main.go's flag-parse / observability-init /
// signal-handling shape, with the QUIC listener, gRPC/REST API, and
// file-transfer session wiring replaced end to end by the rendezvous,
// relay-client, connection, and chunk-sync actors this daemon actually
// runs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	webrtcpkg "github.com/pion/webrtc/v4"

	"github.com/zajel/zajel/daemon/config"
	"github.com/zajel/zajel/internal/chunksync"
	"github.com/zajel/zajel/internal/connection"
	"github.com/zajel/zajel/internal/crypto"
	"github.com/zajel/zajel/internal/identity"
	"github.com/zajel/zajel/internal/observability"
	"github.com/zajel/zajel/internal/relayclient"
	"github.com/zajel/zajel/internal/rendezvous"
	"github.com/zajel/zajel/internal/signaling"
	"github.com/zajel/zajel/internal/store"
	"github.com/zajel/zajel/internal/transport/webrtc"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file, defaults embedded if omitted")
	metricsAddr := flag.String("metrics-addr", "", "override observability.metricsAddr")
	signalingURL := flag.String("signaling-url", "", "override signaling.url")
	background := flag.Bool("background", false, "start in background re-announce cadence")
	flag.Parse()

	logger := observability.NewLogger("zajel-daemon", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker("1.0.0")
	if shutdown, err := observability.InitTracing(context.Background(), "zajel-daemon"); err == nil {
		defer shutdown(context.Background())
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal(err, "failed to load config")
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}
	if *signalingURL != "" {
		cfg.Signaling.URL = *signalingURL
	}
	logger.Info("zajel daemon starting")

	passphrase := ""
	if cfg.Identity.PassphraseEnv != "" {
		passphrase = os.Getenv(cfg.Identity.PassphraseEnv)
	}
	id, err := identity.LoadOrCreate(cfg.Identity.StableIDPath, cfg.Identity.KeystorePath, passphrase)
	if err != nil {
		logger.Fatal(err, "failed to load or create identity")
	}
	selfPeerId := peerIdForStableId(id.StableId)
	logger.Info(fmt.Sprintf("identity loaded: stableId=%016x peerId=%s", id.StableId, selfPeerId))

	health.RegisterCheck("keystore", observability.KeystoreCheck(true))
	health.RegisterCheck("database", observability.DatabaseCheck(cfg.Storage.DatabasePath))

	db, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		logger.Fatal(err, "failed to open local store")
	}
	defer db.Close()

	connStore := connection.NewStore()
	peers, err := db.ListPeers()
	if err != nil {
		logger.Fatal(err, "failed to list trusted peers")
	}
	for _, rec := range peers {
		connStore.Trust(rec)
	}
	logger.Info(fmt.Sprintf("loaded %d trusted peers", len(peers)))

	connMgr := connection.NewManager(connStore, &id.Encryption.PrivateKey, func(msg connection.SystemMessage) {
		logger.Info(fmt.Sprintf("system message for %s: %s", msg.PeerId, msg.Text))
	})

	sigClient := signaling.NewClient(cfg.Signaling.URL)
	if err := sigClient.Connect(); err != nil {
		logger.Error(err, "signaling connect failed, continuing to retry lazily")
	}
	defer sigClient.Close()

	directory := newPeerDirectory()

	rtcCfg := webrtc.Config{}
	for _, s := range cfg.Transport.STUNServers {
		rtcCfg.ICEServers = append(rtcCfg.ICEServers, webrtcpkg.ICEServer{URLs: []string{s}})
	}
	for _, t := range cfg.Transport.TURNServers {
		rtcCfg.ICEServers = append(rtcCfg.ICEServers, webrtcpkg.ICEServer{URLs: []string{t.URL}, Username: t.Username, Credential: t.Password})
	}
	if len(rtcCfg.ICEServers) == 0 {
		rtcCfg = webrtc.DefaultConfig()
	}

	onOpen, onMessage := handshakeCallbacks(connMgr, id, logger, metrics)

	webrtcDirect := webrtc.NewManager(rtcCfg, sigClient.SendSignal, onOpen, onMessage)
	defer webrtcDirect.Close()

	// webrtcRelayControl and relayClient are mutually referential: the
	// manager's callbacks need relayClient to dispatch frames, and
	// relayclient.NewClient needs the manager wrapped as a dialer. The
	// closures below capture the variable, not its (not yet assigned)
	// value, so the forward reference resolves once relayClient is set.
	var relayClient *relayclient.Client
	var webrtcViaRelay *webrtc.Manager
	relayOnOpen := func(peerId string, ch *webrtc.Channel) {
		relayClient.RegisterInboundRelayClient(peerId, ch)
	}
	relayOnMessage := func(peerId string, data []byte) {
		handleRelayControlFrame(relayClient, directory, webrtcViaRelay, peerId, data, logger)
	}
	webrtcRelayControl := webrtc.NewManager(rtcCfg, sigClient.SendSignal, relayOnOpen, relayOnMessage)
	defer webrtcRelayControl.Close()

	relayClient, err = relayclient.NewClient(webrtc.RelayDialer{M: webrtcRelayControl}, cfg.Relay.MaxConnections, "")
	if err != nil {
		logger.Fatal(err, "failed to construct relay client")
	}

	relaySignal := func(peerId, kind, sdp string) error {
		route, ok := directory.byPeer(peerId)
		if !ok || route.RelayId == "" {
			return fmt.Errorf("zajel-daemon: no relay route known for %s", peerId)
		}
		payload, err := encryptSignal(route.SessionKey, kind, sdp)
		if err != nil {
			return err
		}
		return relayClient.SendIntroduction(route.RelayId, relayclient.IntroductionRequest{
			TargetSourceId: route.SourceId, EncryptedPayload: payload,
		})
	}
	webrtcViaRelay = webrtc.NewManager(rtcCfg, relaySignal, onOpen, onMessage)
	defer webrtcViaRelay.Close()

	// Route inbound signal_offer/signal_answer from the central dispatch
	// server to whichever manager is waiting on that peerId: a known live
	// contact goes to webrtcDirect, anything else is treated as this
	// device dialing out to a relay's control channel.
	go func() {
		for sig := range sigClient.Signals() {
			if route, ok := directory.byPeer(sig.FromPeerId); ok && route.Live {
				if err := webrtcDirect.HandleRemoteSDP(sig.FromPeerId, sig.Kind, sig.SDP); err != nil {
					logger.Error(err, "handle direct signal failed")
				}
				continue
			}
			if err := webrtcRelayControl.HandleRemoteSDP(sig.FromPeerId, sig.Kind, sig.SDP); err != nil {
				logger.Error(err, "handle relay-control signal failed")
			}
		}
	}()

	sigClient.Register(signaling.RegisterMsg{
		PeerId:         selfPeerId,
		PublicKey:      fmt.Sprintf("%x", id.Encryption.PublicKey[:]),
		MaxConnections: cfg.Relay.MaxConnections,
	})
	sigClient.OnRegistered(func(reg signaling.RegisteredMsg) {
		var candidates []relayclient.RelayConnection
		for _, r := range reg.Relays {
			candidates = append(candidates, relayclient.RelayConnection{PeerId: r.PeerId})
		}
		relayClient.ConnectToRelays(candidates, func(peerId string, err error) {
			logger.RelayConnectFailed(peerId, err)
		})
	})

	rendezvousSvc := rendezvous.NewService(selfPeerId, stableIdBytes(id.StableId), sigClient)
	go func() {
		for m := range sigClient.Matches() {
			directory.put(peerRoute{PeerId: m.Match.PeerId, RelayId: m.Match.RelayId, Live: true})
			logger.RendezvousMatched(selfPeerId, m.Match.PeerId, m.Match.RelayId)
			if _, err := webrtcDirect.Dial(m.Match.PeerId); err != nil {
				logger.Error(err, "dial live rendezvous match failed")
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runRendezvousLoop(ctx, rendezvousSvc, relayClient, webrtcDirect, webrtcViaRelay, directory, db, id, cfg, logger, metrics)

	chunkSvc := chunksync.NewService(selfPeerId, sigClient, db, logger)
	chunkSvc.SetBackground(*background)
	chunkSvc.Start(ctx)
	defer chunkSvc.Stop()

	go startObservabilityServer(cfg.Observability.MetricsAddr, metrics, health, logger)

	logger.Info("zajel daemon running, press Ctrl+C to stop")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down gracefully")
	connMgr.Dispose()
}

// peerIdForStableId derives this daemon's signaling-server identity from
// its StableId: the full 16 hex digits, wider than identity.Identity's
// 4-digit Tag display form since this value must be collision-resistant
// across the whole network, not just readable in a UI.
func peerIdForStableId(stableId uint64) string {
	return fmt.Sprintf("%016x", stableId)
}

func stableIdBytes(stableId uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(stableId >> (8 * i))
	}
	return b
}

// handshakeCallbacks builds the onOpen/onMessage pair shared by every
// webrtc.Manager that can end up holding a contact's data channel,
// regardless of which signaling carrier (direct or relay-introduced)
// negotiated it: once open, the post-handshake protocol is identical.
func handshakeCallbacks(connMgr *connection.Manager, id *identity.Identity, logger *observability.Logger, metrics *observability.Metrics) (
	func(peerId string, ch *webrtc.Channel), func(peerId string, data []byte),
) {
	onOpen := func(peerId string, ch *webrtc.Channel) {
		connMgr.BeginHandshake(peerId, ch)
		msg, err := connection.EncodeHandshake(connection.HandshakeMessage{
			PublicKey: id.Encryption.PublicKey[:],
			StableId:  peerIdForStableId(id.StableId),
		})
		if err != nil {
			logger.Error(err, "encode handshake failed")
			return
		}
		if err := ch.Send(msg); err != nil {
			logger.Error(err, "send handshake failed")
		}
	}
	onMessage := func(peerId string, data []byte) {
		conn := connMgr.Get(peerId)
		if conn == nil {
			return
		}
		if conn.State.Current() != connection.StateConnected {
			outcome, err := connMgr.CompleteHandshake(peerId, data)
			if err != nil {
				logger.HandshakeAborted(peerId, err.Error())
				metrics.RecordHandshake("aborted")
				return
			}
			logger.HandshakeCompleted(peerId, outcome.StableId, outcome.KeyRotated)
			metrics.RecordHandshake("completed")
			return
		}
		if err := connMgr.Dispatch(peerId, data); err != nil {
			logger.Error(err, "dispatch inbound message failed")
		}
	}
	return onOpen, onMessage
}

// handleRelayControlFrame parses one frame arriving on a relay-control
// data channel, from either side: a relay this device dialed out to, or
// a peer that dialed in treating this device as its relay.
func handleRelayControlFrame(relayClient *relayclient.Client, directory *peerDirectory, webrtcViaRelay *webrtc.Manager, peerId string, data []byte, logger *observability.Logger) {
	if !relayClient.AllowIncomingHandshake() {
		return
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		logger.Warn(fmt.Sprintf("relay control: malformed frame from %s", peerId))
		return
	}
	switch head.Type {
	case "relay_handshake":
		var msg struct {
			SourceId string `json:"sourceId"`
		}
		if json.Unmarshal(data, &msg) == nil {
			relayClient.RegisterSource(msg.SourceId, peerId)
			logger.RelayConnected(peerId, msg.SourceId)
		}
	case "introduction":
		var msg relayclient.IntroductionRequest
		if json.Unmarshal(data, &msg) != nil {
			return
		}
		fromSource, _ := relayClient.SourceForPeer(peerId)
		targetPeerId, ok := relayClient.ResolveSource(msg.TargetSourceId)
		if !ok {
			_ = relayClient.SendIntroductionError(peerId, signaling.IntroductionErrorMsg{Reason: "target_not_found"})
			return
		}
		_ = relayClient.ForwardIntroduction(targetPeerId, signaling.IntroductionForwardMsg{
			FromSourceId: fromSource, EncryptedPayload: msg.EncryptedPayload,
		})
	case "introduction_forward":
		var msg signaling.IntroductionForwardMsg
		if json.Unmarshal(data, &msg) != nil {
			return
		}
		introducerPeerId, ok := directory.peerForSource(msg.FromSourceId)
		if !ok {
			logger.Warn(fmt.Sprintf("relay control: introduction_forward from unknown sourceId %s", msg.FromSourceId))
			return
		}
		route, ok := directory.byPeer(introducerPeerId)
		if !ok {
			return
		}
		kind, sdp, err := decryptSignal(route.SessionKey, msg.EncryptedPayload)
		if err != nil {
			logger.Error(err, "decrypt relay-introduced signal failed")
			return
		}
		if err := webrtcViaRelay.HandleRemoteSDP(introducerPeerId, kind, sdp); err != nil {
			logger.Error(err, "handle relay-introduced signal failed")
		}
	case "introduction_error":
		var msg signaling.IntroductionErrorMsg
		if json.Unmarshal(data, &msg) == nil {
			logger.Warn(fmt.Sprintf("relay control: introduction_error from %s: %s", peerId, msg.Reason))
		}
	}
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}

// runRendezvousLoop re-runs register_for_peer for every trusted contact on
// a fixed interval, independent of the hourly meeting-point boundary, so a
// contact that comes online mid-hour is still found without waiting for
// the next hour token.
func runRendezvousLoop(
	ctx context.Context,
	svc *rendezvous.Service,
	relayClient *relayclient.Client,
	webrtcDirect *webrtc.Manager,
	webrtcViaRelay *webrtc.Manager,
	directory *peerDirectory,
	db *store.DB,
	id *identity.Identity,
	cfg *config.Config,
	logger *observability.Logger,
	metrics *observability.Metrics,
) {
	ticker := time.NewTicker(cfg.Signaling.RegistrationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		peers, err := db.ListPeers()
		if err != nil {
			logger.Error(err, "rendezvous loop: list peers failed")
			continue
		}
		relayId := ""
		if conns := relayClient.Connections(); len(conns) > 0 {
			relayId = conns[0].PeerId
		}
		for _, peer := range peers {
			registerOnePeer(svc, relayClient, webrtcDirect, webrtcViaRelay, directory, id, peer, relayId, logger, metrics)
		}
	}
}

func registerOnePeer(
	svc *rendezvous.Service,
	relayClient *relayclient.Client,
	webrtcDirect *webrtc.Manager,
	webrtcViaRelay *webrtc.Manager,
	directory *peerDirectory,
	id *identity.Identity,
	peer connection.PeerRecord,
	relayId string,
	logger *observability.Logger,
	metrics *observability.Metrics,
) {
	if len(peer.PublicKey) != 32 {
		return
	}
	var theirPub [32]byte
	copy(theirPub[:], peer.PublicKey)
	sessionKey, err := crypto.X25519Exchange(&id.Encryption.PrivateKey, &theirPub)
	if err != nil {
		logger.Error(err, "rendezvous: derive pairing key failed")
		return
	}

	peerPeerId := peer.StableId
	drop := rendezvous.DeadDrop{
		PublicKey: id.Encryption.PublicKey[:],
		StableId:  id.StableId,
		RelayId:   relayId,
		SourceId:  relayClient.SourceId(),
	}
	result, err := svc.RegisterForPeer(peer.PublicKey, drop, sessionKey, relayId)
	if err != nil {
		logger.Error(err, "rendezvous: register_for_peer failed")
		return
	}
	metrics.RendezvousRegistrationsTotal.WithLabelValues("hourly").Inc()

	// DirectDeadDrops and RelayedDeadDrops are handled identically here:
	// this codebase's only transport is WebRTC, whose ICE/STUN layer
	// already subsumes direct IP connectivity, so there is no separate
	// raw-socket "direct connect" path for a fresh dead drop to prefer
	// over relay introduction.
	plan := rendezvous.PlanConnections(result, sessionKey)
	for _, lm := range plan.LiveMatches {
		directory.put(peerRoute{PeerId: lm.PeerId, RelayId: lm.RelayId, Live: true, SessionKey: sessionKey})
		if _, err := webrtcDirect.Dial(lm.PeerId); err != nil {
			logger.Error(err, "dial live match failed")
		}
	}
	for _, dd := range append(plan.DirectDeadDrops, plan.RelayedDeadDrops...) {
		if dd.RelayId == "" || dd.SourceId == "" {
			continue
		}
		directory.put(peerRoute{
			PeerId: peerPeerId, RelayId: dd.RelayId, SourceId: dd.SourceId,
			PublicKey: dd.PublicKey, SessionKey: sessionKey,
		})
		relayClient.ConnectToRelays([]relayclient.RelayConnection{{PeerId: dd.RelayId}}, func(peerId string, err error) {
			logger.RelayConnectFailed(peerId, err)
		})
		if _, err := webrtcViaRelay.Dial(peerPeerId); err != nil {
			logger.Error(err, "dial relay-introduced peer failed")
		}
	}
}
