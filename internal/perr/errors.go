// Package perr defines the sentinel errors shared across PeerCrypt's core
// components, so callers can classify a failure with errors.Is instead of
// string matching.
package perr

import "errors"

// Protocol errors: fatal to the session, no retry.
var (
	ErrUnsupportedVersion = errors.New("peercrypt: unsupported frame version")
	ErrUnknownFrameType   = errors.New("peercrypt: unknown frame type")
	ErrLengthOverflow     = errors.New("peercrypt: payload length exceeds buffer remainder")
	ErrBadCRC             = errors.New("peercrypt: CRC-16 mismatch")
	ErrShortBuffer        = errors.New("peercrypt: buffer does not yet hold a full frame")
)

// Cryptographic errors: drop the frame, count it, escalate on rate.
var (
	ErrAuthFailed  = errors.New("peercrypt: HMAC authentication failed")
	ErrBadIVLength = errors.New("peercrypt: invalid IV length")
	ErrCiphertext  = errors.New("peercrypt: ciphertext shorter than MAC+IV overhead")
)

// Integrity errors: fatal, receiver discards partial output.
var ErrChecksumMismatch = errors.New("peercrypt: file-level checksum mismatch")

// Session / state-machine errors.
var (
	ErrInvalidTransition = errors.New("peercrypt: invalid state transition")
	ErrSessionClosed     = errors.New("peercrypt: session already closed")
	ErrSessionCancelled  = errors.New("peercrypt: session cancelled")
)

// Transport / timeout errors, recovered via retry/backoff at the membership
// and coordinator layers.
var (
	ErrHandshakeTimeout = errors.New("peercrypt: connection handshake timed out")
	ErrStalledSession   = errors.New("peercrypt: session made no progress within max RTO")
	ErrPeerUnreachable  = errors.New("peercrypt: peer failed health check")
)

// Membership errors.
var ErrPeerNotFound = errors.New("peercrypt: peer not known to local table")
