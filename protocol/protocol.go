package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Kind identifies the purpose of a frame.
type Kind int32

// Frame kinds
const (
	KindChat Kind = iota
	KindAuth
	KindCommand
	KindClose
)

// Command names carried in the Content of a COMMAND request.
const (
	CmdOnlineUsers = "onlineUsers"
	CmdAllUsers    = "allUsers"
	CmdChat        = "chat"
	CmdGlobalChat  = "globalChat"
)

// NoUsersOnline is the onlineUsers response when nobody is authenticated.
const NoUsersOnline = "No users online\n"

// MaxFieldSize bounds every length-prefixed field of a frame.
const MaxFieldSize = 1 << 20

var (
	ErrUnknownKind   = errors.New("unknown message kind")
	ErrFieldTooLarge = errors.New("field exceeds maximum size")
	ErrTrailingData  = errors.New("trailing data after frame")
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "CHAT"
	case KindAuth:
		return "AUTH"
	case KindCommand:
		return "COMMAND"
	case KindClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("Kind(%d)", int32(k))
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k >= KindChat && k <= KindClose
}

// Message is the unit of exchange between client and server.
//
// For AUTH frames Sender and Receiver carry the username and password.
// For CHAT frames they carry the author and the target user, an empty
// Receiver meaning broadcast. For COMMAND frames Content holds the command
// name on the way in and the response body on the way out.
type Message struct {
	Kind      Kind
	Sender    string
	Receiver  string
	Content   string
	Token     string
	Timestamp time.Time
}

// NewMessage returns a message stamped with the current time at millisecond
// precision.
func NewMessage(kind Kind, sender, receiver, content, token string) *Message {
	return &Message{
		Kind:      kind,
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		Token:     token,
		Timestamp: Now(),
	}
}

// Now returns the current time truncated to what the wire can carry.
func Now() time.Time {
	return time.UnixMilli(time.Now().UnixMilli())
}

// Equal reports whether two messages carry the same fields. Timestamps are
// compared as instants.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.Kind == o.Kind &&
		m.Sender == o.Sender &&
		m.Receiver == o.Receiver &&
		m.Content == o.Content &&
		m.Token == o.Token &&
		m.Timestamp.Equal(o.Timestamp)
}

// Frame layout (all integers big endian):
//
//	kind      int32
//	sender    uint32 length + bytes
//	receiver  uint32 length + bytes
//	content   uint32 length + bytes
//	token     uint32 length + bytes
//	timestamp int64 milliseconds since the Unix epoch

func frameSize(m *Message) int {
	return 4 + 4*4 + len(m.Sender) + len(m.Receiver) + len(m.Content) + len(m.Token) + 8
}

// WriteMessage writes m as a single frame with one Write call.
func WriteMessage(w io.Writer, m *Message) error {
	buf, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Encode returns the frame for m.
func Encode(m *Message) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("encode %v: %w", m.Kind, ErrUnknownKind)
	}
	buf := make([]byte, 0, frameSize(m))
	buf = binary.BigEndian.AppendUint32(buf, uint32(m.Kind))
	for _, field := range []string{m.Sender, m.Receiver, m.Content, m.Token} {
		if len(field) > MaxFieldSize {
			return nil, ErrFieldTooLarge
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
		buf = append(buf, field...)
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.Timestamp.UnixMilli()))
	return buf, nil
}

// ReadMessage reads exactly one frame from r. It returns io.EOF when the
// peer closed before the first byte and io.ErrUnexpectedEOF when the stream
// ends inside a frame. On error no message is returned.
func ReadMessage(r io.Reader) (*Message, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		return nil, err
	}
	kind := Kind(int32(binary.BigEndian.Uint32(hdr[:4])))
	if !kind.Valid() {
		return nil, fmt.Errorf("decode %v: %w", kind, ErrUnknownKind)
	}

	var fields [4]string
	for i := range fields {
		s, err := readString(r)
		if err != nil {
			return nil, eofInFrame(err)
		}
		fields[i] = s
	}

	if _, err := io.ReadFull(r, hdr[:8]); err != nil {
		return nil, eofInFrame(err)
	}
	ms := int64(binary.BigEndian.Uint64(hdr[:8]))

	return &Message{
		Kind:      kind,
		Sender:    fields[0],
		Receiver:  fields[1],
		Content:   fields[2],
		Token:     fields[3],
		Timestamp: time.UnixMilli(ms),
	}, nil
}

// Decode parses a single frame occupying all of data.
func Decode(data []byte) (*Message, error) {
	r := bytes.NewReader(data)
	m, err := ReadMessage(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, ErrTrailingData
	}
	return m, nil
}

func readString(r io.Reader) (string, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > MaxFieldSize {
		return "", ErrFieldTooLarge
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func eofInFrame(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
