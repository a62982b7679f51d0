// Package auth implements the challenge-response authenticator used on
// every freshly opened control or data connection when a shared secret
// is configured (spec §4.2).
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/kallelund/boretun/internal/proto"
	"github.com/kallelund/boretun/internal/tunerr"
)

// Timeout bounds the entire challenge-response exchange, end to end.
const Timeout = 10 * time.Second

// Authenticator computes and checks HMAC-SHA256 tags over a challenge
// UUID's canonical string form. crypto/hmac and crypto/sha256 are used
// directly from the standard library: spec §1 lists HMAC as an assumed
// stdlib primitive, not something to source from a third-party module.
type Authenticator struct {
	secret []byte
}

// New returns an Authenticator for secret. An empty secret disables
// authentication; callers should check Enabled before invoking either
// handshake.
func New(secret string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret)}
}

// Enabled reports whether a is configured to require authentication. A
// nil receiver is treated as disabled so callers can pass a possibly-nil
// *Authenticator around without an extra check.
func (a *Authenticator) Enabled() bool { return a != nil }

// Tag returns the lowercase-hex HMAC-SHA256 of id's canonical
// hyphenated string form under a's secret.
func (a *Authenticator) Tag(id uuid.UUID) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(id.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// ServerHandshake issues a fresh challenge over f and validates the
// client's Authenticate reply. Called only when a is enabled.
func (a *Authenticator) ServerHandshake(f *proto.Framer) error {
	challenge := uuid.New()
	if err := f.Send(proto.Challenge(challenge)); err != nil {
		return err
	}
	msg, err := f.Recv(Timeout)
	if err != nil {
		return err
	}
	if msg.Kind != proto.KindAuthenticate {
		return &tunerr.ProtocolError{Reason: "expected Authenticate"}
	}
	want := a.Tag(challenge)
	if !hmac.Equal([]byte(want), []byte(msg.HexHMAC)) {
		return &tunerr.AuthError{Reason: "invalid secret"}
	}
	return nil
}

// ClientHandshake reads one frame from f. If it is a Challenge, it
// replies with the computed tag (failing with AuthError if a is not
// enabled) and returns nil, nil to indicate the caller should proceed
// to its own protocol logic with a clean connection. If it is any other
// message, the connection is unauthenticated (either auth is not
// required by the server, or this peer only speaks unauthenticated) and
// that message is returned so the caller doesn't lose it.
func (a *Authenticator) ClientHandshake(f *proto.Framer) (*proto.Message, error) {
	msg, err := f.Recv(Timeout)
	if err != nil {
		return nil, err
	}
	if msg.Kind == proto.KindChallenge {
		if !a.Enabled() {
			return nil, &tunerr.AuthError{Reason: "server requires authentication, but no secret was provided"}
		}
		if err := f.Send(proto.Authenticate(a.Tag(msg.UUID))); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &msg, nil
}
