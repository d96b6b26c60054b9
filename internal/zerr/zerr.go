// Package zerr defines the flat error taxonomy shared by every zajel
// package: Transport, Protocol, Crypto, Auth, State, Resource,
// Validation, NotFound. Packages wrap a sentinel with fmt.Errorf("%w: ..")
// the way internal/validation and internal/crypto/aead.go do; nothing here
// introduces a new wrapping framework.
package zerr

import "errors"

// Kind classifies an error into one of the buckets so callers can
// branch on category (e.g. to decide whether to retry) without string
// matching the message.
type Kind int

const (
	KindTransport Kind = iota
	KindProtocol
	KindCrypto
	KindAuth
	KindState
	KindResource
	KindValidation
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindCrypto:
		return "crypto"
	case KindAuth:
		return "auth"
	case KindState:
		return "state"
	case KindResource:
		return "resource"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Sentinel errors, one representative per component; packages define their
// own more specific sentinels and wrap one of these with fmt.Errorf so
// errors.Is still classifies correctly up the stack.
var (
	ErrTransport = errors.New("zajel: transport error")
	ErrProtocol = errors.New("zajel: malformed wire frame")
	ErrCrypto = errors.New("zajel: cryptographic failure")
	ErrAuth = errors.New("zajel: unauthorized")
	ErrState = errors.New("zajel: invalid state")
	ErrResource = errors.New("zajel: resource exhausted")
	ErrValidation = errors.New("zajel: invalid input")
	ErrNotFound = errors.New("zajel: not found")
)

var sentinelKind = map[error]Kind{
	ErrTransport: KindTransport,
	ErrProtocol: KindProtocol,
	ErrCrypto: KindCrypto,
	ErrAuth: KindAuth,
	ErrState: KindState,
	ErrResource: KindResource,
	ErrValidation: KindValidation,
	ErrNotFound: KindNotFound,
}

// Classify walks err's chain and returns the Kind of the first taxonomy
// sentinel it wraps. Unrecognized errors classify as KindState, the
// catch-all for "something local went wrong" rather than a silent zero.
func Classify(err error) Kind {
	for sentinel, kind := range sentinelKind {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindState
}
