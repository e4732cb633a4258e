package link

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"

	"mixnet-dht/internal/netx"
	"mixnet-dht/internal/proto"
)

// maxFrameSize bounds one encrypted frame: an envelope plus AEAD overhead.
const maxFrameSize = proto.MaxEnvelopeSize + 256

func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
}

// NewNoiseKeypair generates the static Noise keypair for this link.
func NewNoiseKeypair() (noise.DHKey, error) {
	return noise.DH25519.GenerateKeypair(rand.Reader)
}

// secureConn carries length-prefixed encrypted frames over a raw stream.
type secureConn struct {
	raw     netx.Conn
	readCS  *noise.CipherState
	writeCS *noise.CipherState
}

func (c *secureConn) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.raw, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameSize {
		return nil, fmt.Errorf("link: invalid frame length %d", n)
	}
	ct := make([]byte, n)
	if _, err := io.ReadFull(c.raw, ct); err != nil {
		return nil, err
	}
	return c.readCS.Decrypt(nil, nil, ct)
}

func (c *secureConn) WriteFrame(pt []byte) error {
	ct, err := c.writeCS.Encrypt(nil, nil, pt)
	if err != nil {
		return err
	}
	if len(ct) > maxFrameSize {
		return fmt.Errorf("link: frame too large")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ct)))
	if _, err := c.raw.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = c.raw.Write(ct)
	return err
}

func (c *secureConn) Close() error { return c.raw.Close() }

// writeHandshakeMsg sends one length-prefixed handshake message.
func writeHandshakeMsg(w io.Writer, msg []byte) error {
	if len(msg) > 0xffff {
		return fmt.Errorf("link: handshake message too long")
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readHandshakeMsg(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 {
		return nil, fmt.Errorf("link: invalid handshake message length")
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// secureClient runs a Noise_XX handshake as initiator.
func secureClient(raw netx.Conn, static noise.DHKey) (*secureConn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, err
	}

	// -> e
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(raw, msg); err != nil {
		return nil, err
	}

	// <- e, ee, s, es
	in, err := readHandshakeMsg(raw)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, in); err != nil {
		return nil, err
	}

	// -> s, se
	msg2, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(raw, msg2); err != nil {
		return nil, err
	}

	return &secureConn{raw: raw, readCS: cs2, writeCS: cs1}, nil
}

// secureServer runs a Noise_XX handshake as responder.
func secureServer(raw netx.Conn, static noise.DHKey) (*secureConn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, err
	}

	// <- e
	in, err := readHandshakeMsg(raw)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, in); err != nil {
		return nil, err
	}

	// -> e, ee, s, es
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(raw, msg); err != nil {
		return nil, err
	}

	// <- s, se
	in2, err := readHandshakeMsg(raw)
	if err != nil {
		return nil, err
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, in2)
	if err != nil {
		return nil, err
	}

	// Cipher state order is swapped relative to the initiator.
	return &secureConn{raw: raw, readCS: cs1, writeCS: cs2}, nil
}
