package secure

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/flynn/noise"
	"golang.org/x/crypto/blake2b"
)

var (
	// ErrEmptyPassphrase indicates pairing was requested without a passphrase
	ErrEmptyPassphrase = errors.New("pairing passphrase is empty")
	// ErrWrongRole indicates an operation reserved for the other role
	ErrWrongRole = errors.New("operation not valid for this pairing role")
	// ErrPairingFailed indicates the peer's handshake message did not authenticate
	ErrPairingFailed = errors.New("pairing failed")
	// ErrPairingComplete indicates the initiator already finished with a different answer
	ErrPairingComplete = errors.New("pairing already complete")
)

// Role says which side of the pairing handshake this is.
type Role uint8

const (
	// Initiator sends the first message. The headset initiates.
	Initiator Role = iota
	// Responder answers. The host responds.
	Responder
)

// String returns the role name.
func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

var prologue = []byte("vrlink pairing v1")

// PSK derives the 32-byte pre-shared key from a passphrase.
func PSK(passphrase string) [32]byte {
	return blake2b.Sum256([]byte(passphrase))
}

// Pairing runs a Noise NNpsk0 handshake carried inside the connection
// handshake. Both sides prove knowledge of the passphrase and derive fresh
// session keys. Discovery may repeat the hello several times, so the
// initiator reuses its first message and the responder caches its answer
// for the last hello it saw.
type Pairing struct {
	role Role
	psk  [32]byte

	mu sync.Mutex

	// initiator state
	state   *noise.HandshakeState
	hello   []byte
	answer  []byte
	channel *Channel

	// responder state
	lastHello   []byte
	lastAnswer  []byte
	lastChannel *Channel
}

// NewPairing creates a pairing for role keyed by passphrase.
func NewPairing(role Role, passphrase string) (*Pairing, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	return &Pairing{role: role, psk: PSK(passphrase)}, nil
}

// Role returns the pairing role.
func (p *Pairing) Role() Role {
	return p.role
}

func (p *Pairing) newState() (*noise.HandshakeState, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:           noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:                rand.Reader,
		Pattern:               noise.HandshakeNN,
		Initiator:             p.role == Initiator,
		Prologue:              prologue,
		PresharedKey:          p.psk[:],
		PresharedKeyPlacement: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}
	return hs, nil
}

// Hello returns the initiator's first message, creating it on first use.
// The same bytes are returned until Rekey.
func (p *Pairing) Hello() ([]byte, error) {
	if p.role != Initiator {
		return nil, ErrWrongRole
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hello != nil {
		return bytes.Clone(p.hello), nil
	}

	hs, err := p.newState()
	if err != nil {
		return nil, err
	}
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("initiator write failed: %w", err)
	}
	p.state = hs
	p.hello = msg
	return bytes.Clone(msg), nil
}

// Finish completes the initiator side with the responder's answer. A repeat
// of the answer already accepted returns the same channel.
func (p *Pairing) Finish(answer []byte) (*Channel, error) {
	if p.role != Initiator {
		return nil, ErrWrongRole
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if bytes.Equal(answer, p.answer) {
			return p.channel, nil
		}
		return nil, ErrPairingComplete
	}
	if p.state == nil {
		return nil, fmt.Errorf("%w: no hello was sent", ErrPairingFailed)
	}

	_, send, recv, err := p.state.ReadMessage(nil, answer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPairingFailed, err)
	}
	if send == nil || recv == nil {
		return nil, fmt.Errorf("%w: handshake incomplete", ErrPairingFailed)
	}

	p.channel = newChannel(send, recv)
	p.answer = bytes.Clone(answer)
	p.state = nil
	return p.channel, nil
}

// Answer processes an initiator hello and returns the response message and
// the responder's channel. The same hello yields the cached answer and
// channel so duplicate hellos do not rekey the session.
func (p *Pairing) Answer(hello []byte) ([]byte, *Channel, error) {
	if p.role != Responder {
		return nil, nil, ErrWrongRole
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lastChannel != nil && bytes.Equal(hello, p.lastHello) {
		return bytes.Clone(p.lastAnswer), p.lastChannel, nil
	}

	hs, err := p.newState()
	if err != nil {
		return nil, nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, hello); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrPairingFailed, err)
	}
	answer, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("responder write failed: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, nil, fmt.Errorf("%w: handshake incomplete", ErrPairingFailed)
	}

	// cs1 protects initiator to responder traffic.
	ch := newChannel(cs2, cs1)
	p.lastHello = bytes.Clone(hello)
	p.lastAnswer = answer
	p.lastChannel = ch
	return bytes.Clone(answer), ch, nil
}

// Rekey discards the handshake so the next Hello starts a fresh one.
func (p *Pairing) Rekey() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = nil
	p.hello = nil
	p.answer = nil
	p.channel = nil
	p.lastHello = nil
	p.lastAnswer = nil
	p.lastChannel = nil
}
