// Package framedstream wraps a raw byte stream with the tunnel's framing:
// each write becomes one length-prefixed, optionally padded, optionally
// AEAD-sealed frame; each read reassembles one frame back into plaintext.
// Unlike the async, poll-based encrypted stream it is grounded on, this
// implementation uses Go's ordinary blocking io.Reader/io.Writer model —
// goroutine-per-connection blocking I/O is the idiomatic Go equivalent of a
// hand-rolled resumable state machine.
package framedstream

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"

	"github.com/postalsys/muti-metroo/internal/aead"
	"github.com/postalsys/muti-metroo/internal/wire"
)

// MaxPacketSize is the largest single frame payload, bounded by the u16
// length prefix.
const MaxPacketSize = 0xFFFF

// defPacketSize sizes the initial scratch buffer: typical MTU plus two tags
// and the two-byte length prefix (1500 + 2*16 + 2), matching the
// reference's own sizing comment.
const defPacketSize = 1534

var errDecryptFailed = errors.New("framedstream: decrypt failed")

// Stream wraps conn, encrypting/padding outbound frames with writeCipher and
// decrypting/validating inbound frames with readCipher. Once more than
// EncLimit bytes have passed in a direction, frames in that direction stop being sealed
// (but keep the length/padding envelope) — this lets a tunnel amortize CPU
// on long-lived high-throughput connections once the early handshake bytes
// that matter most for traffic analysis are protected.
type Stream struct {
	conn io.ReadWriteCloser

	readCipher *aead.Cipher
	readCount  uint64

	writeCipher *aead.Cipher
	writeCount  uint64

	padding  wire.DataPadding
	encLimit uint64
	rng      io.Reader

	pending    []byte
	pendingPos int
}

// New creates a Stream. rng supplies padding lengths and padding bytes; pass
// nil to use crypto/rand.Reader.
func New(conn io.ReadWriteCloser, readCipher, writeCipher *aead.Cipher, padding wire.DataPadding, encLimit uint64, rng io.Reader) *Stream {
	if rng == nil {
		rng = rand.Reader
	}
	return &Stream{
		conn:        conn,
		readCipher:  readCipher,
		writeCipher: writeCipher,
		padding:     padding,
		encLimit:    encLimit,
		rng:         rng,
		pending:     make([]byte, 0, defPacketSize),
	}
}

// Close closes the underlying connection.
func (s *Stream) Close() error { return s.conn.Close() }

func maxU16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}

// randRange returns a uniform value in [0, limit). limit of 0 returns 0.
func randRange(rng io.Reader, limit uint16) (uint16, error) {
	if limit == 0 {
		return 0, nil
	}
	var buf [2]byte
	if _, err := io.ReadFull(rng, buf[:]); err != nil {
		return 0, err
	}
	return uint16(binary.BigEndian.Uint16(buf[:]) % limit), nil
}

// Read implements io.Reader, returning decrypted application data.
func (s *Stream) Read(p []byte) (int, error) {
	if s.pendingPos >= len(s.pending) {
		if err := s.readFrame(); err != nil {
			return 0, err
		}
	}

	n := copy(p, s.pending[s.pendingPos:])
	s.pendingPos += n
	if s.pendingPos >= len(s.pending) {
		s.pending = s.pending[:0]
		s.pendingPos = 0
	}
	return n, nil
}

func (s *Stream) readFrame() error {
	sealed := s.readCount <= s.encLimit
	tagSize := 0
	if sealed {
		tagSize = aead.TagSize
	}

	headerSize := 2
	if s.padding.Needed() {
		headerSize += 2
	}
	headerSize += tagSize

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return err
	}

	if sealed {
		plain, ok := s.readCipher.DecryptInPlace(header)
		if !ok {
			return errDecryptFailed
		}
		header = plain
	}

	size := binary.BigEndian.Uint16(header[0:2])

	var padding uint16
	if s.padding.Needed() {
		padding = binary.BigEndian.Uint16(header[2:4])
	}

	if sealed {
		s.readCipher.IncrementNonce(maxU16(padding, 1))
	}

	if padding > 0 {
		discard := make([]byte, padding)
		if _, err := io.ReadFull(s.conn, discard); err != nil {
			return err
		}
	}

	dataReadSize := int(size)
	if sealed {
		dataReadSize += aead.TagSize
	}

	data := make([]byte, dataReadSize)
	if _, err := io.ReadFull(s.conn, data); err != nil {
		return err
	}

	if sealed {
		plain, ok := s.readCipher.DecryptInPlace(data)
		if !ok {
			return errDecryptFailed
		}
		data = plain
		s.readCipher.IncrementNonce(1)
	}

	s.readCount += uint64(size)
	s.pending = data
	s.pendingPos = 0
	return nil
}

// Write implements io.Writer. A single call may emit multiple frames when
// len(p) exceeds MaxPacketSize.
func (s *Stream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxPacketSize {
			chunk = chunk[:MaxPacketSize]
		}
		if err := s.writeFrame(chunk); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (s *Stream) writeFrame(chunk []byte) error {
	sealed := s.writeCount <= s.encLimit

	headerSize := 2
	if s.padding.Needed() {
		headerSize += 2
	}

	header := make([]byte, headerSize, headerSize+aead.TagSize)
	binary.BigEndian.PutUint16(header[0:2], uint16(len(chunk)))

	var padding uint16
	if s.padding.Needed() {
		padMax := s.padding.Max
		rateLimited := uint16((uint32(s.padding.Rate) * uint32(len(chunk))) / 100)
		if rateLimited < padMax {
			padMax = rateLimited
		}
		var err error
		padding, err = randRange(s.rng, padMax)
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint16(header[2:4], padding)
	}

	if sealed {
		header = s.writeCipher.EncryptInPlace(header, 0)
		s.writeCipher.IncrementNonce(maxU16(padding, 1))
	}

	frame := make([]byte, 0, len(header)+int(padding)+len(chunk)+aead.TagSize)
	frame = append(frame, header...)

	if padding > 0 {
		padBuf := make([]byte, padding)
		if _, err := io.ReadFull(s.rng, padBuf); err != nil {
			return err
		}
		frame = append(frame, padBuf...)
	}

	dataStart := len(frame)
	frame = append(frame, chunk...)

	if sealed {
		frame = s.writeCipher.EncryptInPlace(frame, dataStart)
		s.writeCipher.IncrementNonce(1)
	}

	s.writeCount += uint64(len(chunk))

	_, err := writeFull(s.conn, frame)
	return err
}

func writeFull(w io.Writer, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}
