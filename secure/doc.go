// Package secure provides optional authenticated encryption for stream data.
//
// Pairing runs the Noise NNpsk0 pattern (Curve25519, ChaChaPoly, SHA-256)
// with a pre-shared key derived from a passphrase using BLAKE2b-256. Its two
// messages ride in the Pairing field of the connection handshake: the
// headset's hello carries message one and the host's handshake reply
// carries message two. A peer with a different passphrase fails to
// authenticate and is never paired.
//
// Channel seals datagram payloads with an explicit 64-bit nonce prefix so
// that lost or reordered datagrams do not break decryption, and rejects
// replays with a sliding window of 64 nonces.
//
//	host, _ := secure.NewPairing(secure.Responder, passphrase)
//	headset, _ := secure.NewPairing(secure.Initiator, passphrase)
//
//	hello, _ := headset.Hello()
//	answer, hostCh, _ := host.Answer(hello)
//	headsetCh, _ := headset.Finish(answer)
//
//	sealed, _ := headsetCh.Seal(payload)
//	plain, err := hostCh.Open(sealed)
package secure
