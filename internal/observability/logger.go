package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID).Logger(),
	}
}

// WithPeer adds peer_id context to logger.
func (l *Logger) WithPeer(peerID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer_id", peerID).Logger(),
	}
}

// WithFile adds file context to logger.
func (l *Logger) WithFile(filePath string, fileSize int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("file_path", filePath).
			Int64("file_size", fileSize).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// RendezvousMatched logs a live rendezvous match between two peers.
func (l *Logger) RendezvousMatched(peerId, otherPeerId, relayId string) {
	l.logger.Info().
		Str("peer_id", peerId).
		Str("other_peer_id", otherPeerId).
		Str("relay_id", relayId).
		Msg("rendezvous match")
}

// HandshakeCompleted logs a successful per-peer handshake.
func (l *Logger) HandshakeCompleted(peerId, stableId string, keyRotated bool) {
	l.logger.Info().
		Str("peer_id", peerId).
		Str("stable_id", stableId).
		Bool("key_rotated", keyRotated).
		Msg("handshake completed")
}

// HandshakeAborted logs a handshake abandoned mid-flight, e.g. the
// post-await existence check finding the peer already gone.
func (l *Logger) HandshakeAborted(peerId, reason string) {
	l.logger.Warn().
		Str("peer_id", peerId).
		Str("reason", reason).
		Msg("handshake aborted")
}

// ChunkPushed logs an outbound chunk_push.
func (l *Logger) ChunkPushed(chunkId, channelId string, chunkIndex int, size int) {
	l.logger.Debug().
		Str("chunk_id", chunkId).
		Str("channel_id", channelId).
		Int("chunk_index", chunkIndex).
		Int("size", size).
		Msg("chunk pushed")
}

// ChunkVerifyFailed logs a chunk that failed one of the five verification
// steps on receipt; step names the step that failed.
func (l *Logger) ChunkVerifyFailed(chunkId, step string, err error) {
	l.logger.Warn().
		Str("chunk_id", chunkId).
		Str("step", step).
		Err(err).
		Msg("chunk verification failed")
}

// KeyRotationDetected logs a peer's public key changing under a stable
// trusted record, surfaced to the user as a safety-number banner.
func (l *Logger) KeyRotationDetected(stableId string) {
	l.logger.Warn().
		Str("stable_id", stableId).
		Msg("key rotation detected, safety number changed")
}

// RelayConnected logs a successful relay control connection.
func (l *Logger) RelayConnected(peerId string, sourceId string) {
	l.logger.Info().
		Str("peer_id", peerId).
		Str("source_id", sourceId).
		Msg("relay connection established")
}

// RelayConnectFailed logs a failed relay control connection attempt; the
// caller continues with the remaining relays.
func (l *Logger) RelayConnectFailed(peerId string, err error) {
	l.logger.Warn().
		Str("peer_id", peerId).
		Err(err).
		Msg("relay connection failed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
