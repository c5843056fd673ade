// Package transport turns a raw bidirectional byte stream into an
// authenticated, confidential, length-framed packet stream.
//
// A clear-text nonce exchange assigns initiator/responder roles (the side
// with the numerically larger random value initiates), then two sequential
// X25519 + ChaCha20-Poly1305 + BLAKE2b handshakes run: the first
// authenticated by the user-configured pre-shared secret, the second
// identical in shape but keyed by the first round's output, rotating to
// transport keys with forward secrecy independent of the long-lived
// secret. The resulting Session is a byte-oriented duplex: internal/protocol
// and internal/protocol/packet layer directly on top of it without any
// awareness of the encryption underneath, exactly as they would on a plain
// net.Conn.
package transport
