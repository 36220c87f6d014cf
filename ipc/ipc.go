// Package ipc implements the cluster supervisor's control-plane channel:
// typed, sequenced messages (config, broadcast, heartbeat, shutdown,
// metrics) exchanged between the supervisor and its worker processes,
// optionally sealed with AES-256-GCM. This channel never carries request
// or response bodies — those are served directly by each worker's own
// HTTP listener.
package ipc

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync/atomic"

	"github.com/xypriss/xypriss/xyerrors"
)

// MessageType enumerates the control-plane message kinds.
type MessageType string

const (
	TypeConfig    MessageType = "config"
	TypeBroadcast MessageType = "broadcast"
	TypeHeartbeat MessageType = "heartbeat"
	TypeShutdown  MessageType = "shutdown"
	TypeMetrics   MessageType = "metrics"
)

// Message is one control-plane frame. Seq is assigned by the sender and
// is monotonically increasing per connection, letting either side detect
// gaps caused by a dropped or reordered frame.
type Message struct {
	Type    MessageType     `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// HeartbeatPayload is sent periodically by a worker to report liveness.
type HeartbeatPayload struct {
	WorkerID int     `json:"worker_id"`
	CPU      float64 `json:"cpu_percent"`
	MemoryMB uint64  `json:"memory_mb"`
}

// MetricsPayload carries aggregated per-worker request metrics upstream.
type MetricsPayload struct {
	WorkerID      int     `json:"worker_id"`
	RequestCount  int64   `json:"request_count"`
	ErrorCount    int64   `json:"error_count"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
}

// ShutdownPayload tells a worker to drain and exit.
type ShutdownPayload struct {
	GraceSeconds int `json:"grace_seconds"`
}

// Conn wraps a net.Conn with framed, sequenced, optionally-encrypted
// message exchange. Frames are [4-byte big-endian length][payload]
// carrying a typed envelope.
type Conn struct {
	raw    net.Conn
	r      *bufio.Reader
	seq    atomic.Uint64
	sealer *frameSealer // nil if unencrypted
}

// NewConn wraps conn for framed message exchange. If key is non-empty,
// every frame is sealed with AES-256-GCM under it.
func NewConn(conn net.Conn, key []byte) (*Conn, error) {
	c := &Conn{raw: conn, r: bufio.NewReader(conn)}
	if len(key) > 0 {
		s, err := newFrameSealer(key)
		if err != nil {
			return nil, err
		}
		c.sealer = s
	}
	return c, nil
}

// Send assigns the next sequence number and writes msg as one frame.
func (c *Conn) Send(msgType MessageType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return xyerrors.Validation("ipc: marshal payload: %v", err)
	}
	msg := Message{Type: msgType, Seq: c.seq.Add(1), Payload: raw}
	framed, err := json.Marshal(msg)
	if err != nil {
		return xyerrors.Validation("ipc: marshal message: %v", err)
	}
	if c.sealer != nil {
		framed, err = c.sealer.seal(framed)
		if err != nil {
			return err
		}
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(framed)))
	if _, err := c.raw.Write(lenBuf[:]); err != nil {
		return xyerrors.Transient(err, "ipc: write frame length")
	}
	if _, err := c.raw.Write(framed); err != nil {
		return xyerrors.Transient(err, "ipc: write frame body")
	}
	return nil
}

// Receive blocks for the next frame and decodes it into a Message.
func (c *Conn) Receive() (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return Message{}, xyerrors.Transient(err, "ipc: read frame length")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	const maxFrame = 16 << 20
	if n > maxFrame {
		return Message{}, xyerrors.Integrity(nil, "ipc: frame of %d bytes exceeds %d byte limit", n, maxFrame)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return Message{}, xyerrors.Transient(err, "ipc: read frame body")
	}
	if c.sealer != nil {
		opened, err := c.sealer.open(body)
		if err != nil {
			return Message{}, err
		}
		body = opened
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, xyerrors.Integrity(err, "ipc: malformed frame")
	}
	return msg, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }

// frameSealer is a minimal AES-256-GCM wrapper local to ipc, kept
// separate from cache's sealer since ipc frames have no namespace
// concept and derive no subkeys.
type frameSealer struct {
	gcm cipher.AEAD
}

func newFrameSealer(key []byte) (*frameSealer, error) {
	if len(key) != 32 {
		return nil, xyerrors.Validation("ipc: encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xyerrors.Integrity(err, "ipc: cipher init failed")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xyerrors.Integrity(err, "ipc: gcm init failed")
	}
	return &frameSealer{gcm: gcm}, nil
}

func (s *frameSealer) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, xyerrors.Integrity(err, "ipc: nonce generation failed")
	}
	return s.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *frameSealer) open(sealed []byte) ([]byte, error) {
	if len(sealed) < s.gcm.NonceSize() {
		return nil, xyerrors.Integrity(nil, "ipc: sealed frame too short")
	}
	nonce, ciphertext := sealed[:s.gcm.NonceSize()], sealed[s.gcm.NonceSize():]
	pt, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, xyerrors.Integrity(err, "ipc: frame decryption failed, possible tampering")
	}
	return pt, nil
}
