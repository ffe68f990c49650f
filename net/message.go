package net

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	gonet "net"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// MaxFrameSize limits the ciphertext length a peer may announce.
const MaxFrameSize = 16 << 20

var (
	// ErrEmptyContent means the peer closed the stream before a whole frame
	// arrived. The caller should treat the remote end as gone.
	ErrEmptyContent = errors.New("empty content received")

	// ErrTimeout means no frame started arriving within the idle timeout.
	// Nothing was consumed from the stream; the caller may simply retry.
	ErrTimeout = errors.New("timed out waiting for a message")

	// ErrBodyTimeout means a frame started arriving but did not complete in
	// time. The stream position is lost.
	ErrBodyTimeout = errors.New("timed out reading message body")

	// ErrFrameTooLarge is returned for frames longer than MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// IsTimeout reports whether err is one of the receive timeouts.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrBodyTimeout)
}

// IsEmptyContent reports whether err signals that the peer hung up.
func IsEmptyContent(err error) bool {
	return errors.Is(err, ErrEmptyContent)
}

// IsDecodeError reports whether err concerns only the contents of one frame.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Conn is the part of a network connection ReadMessage needs.
type Conn interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Frame prepends the little endian uint32 length of data.
func Frame(data []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 4+len(data)))
	binary.Write(buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

// Marshal serializes v the way it is sent on the wire.
func Marshal(v interface{}) (string, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", errors.Wrap(err, "marshalling message")
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// WriteMessage serializes v to JSON, encrypts it and writes it as a single
// length-prefixed frame.
func WriteMessage(w io.Writer, c *Cryptor, v interface{}) error {
	text, err := Marshal(v)
	if err != nil {
		return err
	}
	frame := Frame(c.Encrypt(text))
	glog.V(3).Infof("outgoing message len: %d", len(frame)-4)

	if _, err := w.Write(frame); err != nil {
		return errors.Wrap(err, "writing message")
	}
	return nil
}

// ReadMessage reads one frame from conn and returns the decrypted JSON text.
//
// The first byte of the frame is awaited for at most idle; if nothing arrives
// ErrTimeout is returned. The rest of the frame must then arrive within body,
// or ErrBodyTimeout is returned. A peer closing the stream results in
// ErrEmptyContent.
func ReadMessage(conn Conn, c *Cryptor, idle, body time.Duration) ([]byte, error) {
	var header [4]byte

	if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
		return nil, errors.Wrap(err, "setting read deadline")
	}
	for {
		n, err := conn.Read(header[:1])
		if n == 1 {
			break
		}
		switch {
		case err == nil:
			continue
		case isNetTimeout(err):
			return nil, ErrTimeout
		case err == io.EOF:
			return nil, ErrEmptyContent
		default:
			return nil, errors.Wrap(err, "message len read error")
		}
	}

	if err := conn.SetReadDeadline(time.Now().Add(body)); err != nil {
		return nil, errors.Wrap(err, "setting read deadline")
	}
	if err := readFull(conn, header[1:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	glog.V(3).Infof("incoming message len: %d", size)
	if size > MaxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "peer announced %d bytes", size)
	}

	data := make([]byte, size)
	if err := readFull(conn, data); err != nil {
		return nil, err
	}

	text, err := c.Decrypt(data)
	if err != nil {
		return nil, err
	}
	return []byte(text), nil
}

// ReadInto reads one frame and unmarshals it into v. Unmarshal failures are
// returned as *DecodeError since the frame itself was consumed completely.
func ReadInto(conn Conn, c *Cryptor, idle, body time.Duration, v interface{}) error {
	data, err := ReadMessage(conn, c, idle, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &DecodeError{Err: errors.Wrap(err, "json")}
	}
	return nil
}

func readFull(r io.Reader, b []byte) error {
	_, err := io.ReadFull(r, b)
	switch {
	case err == nil:
		return nil
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return ErrEmptyContent
	case isNetTimeout(err):
		return ErrBodyTimeout
	default:
		return errors.Wrap(err, "message read error")
	}
}

func isNetTimeout(err error) bool {
	var ne gonet.Error
	return errors.As(err, &ne) && ne.Timeout()
}
