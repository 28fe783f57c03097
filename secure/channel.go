package secure

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/flynn/noise"
)

var (
	// ErrShortMessage indicates a sealed message too short to hold a nonce and tag
	ErrShortMessage = errors.New("sealed message too short")
	// ErrReplay indicates a nonce that was already accepted or fell behind the window
	ErrReplay = errors.New("replayed or stale nonce")
	// ErrDecrypt indicates authentication failed
	ErrDecrypt = errors.New("decryption failed")
	// ErrNonceExhausted indicates the send nonce space is used up
	ErrNonceExhausted = errors.New("nonce space exhausted")
)

const (
	nonceSize = 8
	tagSize   = 16
	// Overhead is the number of bytes Seal adds to a plaintext.
	Overhead = nonceSize + tagSize
)

// Channel seals and opens datagram payloads with the keys of a completed
// pairing. Each sealed message carries its nonce, so loss and reordering do
// not desynchronize the peers. Seal and Open are safe for concurrent use.
type Channel struct {
	sendMu sync.Mutex
	send   noise.Cipher
	next   uint64

	recvMu sync.Mutex
	recv   noise.Cipher
	window replayWindow
}

func newChannel(send, recv *noise.CipherState) *Channel {
	return &Channel{send: send.Cipher(), recv: recv.Cipher()}
}

// Seal encrypts plaintext as [nonce(8)][ciphertext+tag].
func (c *Channel) Seal(plaintext []byte) ([]byte, error) {
	c.sendMu.Lock()
	n := c.next
	if n == math.MaxUint64 {
		c.sendMu.Unlock()
		return nil, ErrNonceExhausted
	}
	c.next++
	c.sendMu.Unlock()

	out := make([]byte, nonceSize, Overhead+len(plaintext))
	binary.BigEndian.PutUint64(out, n)
	return c.send.Encrypt(out, n, nil, plaintext), nil
}

// Open authenticates and decrypts a sealed message. A nonce that was already
// opened, or that is older than the replay window, is rejected.
func (c *Channel) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(sealed))
	}
	n := binary.BigEndian.Uint64(sealed[:nonceSize])

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if !c.window.check(n) {
		return nil, fmt.Errorf("%w: nonce %d", ErrReplay, n)
	}
	plaintext, err := c.recv.Decrypt(nil, n, nil, sealed[nonceSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	c.window.accept(n)
	return plaintext, nil
}
