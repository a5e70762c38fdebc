package session

import "errors"

// Session errors.
var (
	// ErrNoSession is returned when a frame references a session id that
	// is neither live nor persisted.
	ErrNoSession = errors.New("session: no such session")

	// ErrReplay is returned when a frame reuses a nonce already accepted
	// on its session.
	ErrReplay = errors.New("session: nonce replayed")

	// ErrClientKey is returned when the handshake client key cannot be
	// parsed.
	ErrClientKey = errors.New("session: invalid client key")
)
