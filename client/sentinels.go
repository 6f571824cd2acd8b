package client

import "errors"

var (
	ErrMissingIdentity  = errors.New("missing identity")
	ErrMissingTransport = errors.New("missing transport")
	ErrAlreadyConnected = errors.New("client is already connected")
	ErrNotConnected     = errors.New("client is not connected to a hub")
	ErrInvalidHubHash   = errors.New("hub hash must be exactly 16 bytes")
	ErrNoPathToHub      = errors.New("no path to hub; it may be offline or unreachable")
	ErrIdentityUnknown  = errors.New("hub identity not yet known; it may still be announcing")
	ErrHashMismatch     = errors.New("announced identity does not derive the requested hub hash")
	ErrLinkLost         = errors.New("hub link lost")
	ErrNoWelcome        = errors.New("hub did not answer hello")
	ErrInvalidRoom      = errors.New("room name is empty after normalization")
	ErrInvalidText      = errors.New("message text is empty or not sendable")
	ErrInvalidNick      = errors.New("nickname is empty after sanitization")
	ErrMessageTooLarge  = errors.New("message is too large for the link packet size")
)
