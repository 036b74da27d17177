package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{
			name: "empty fields",
			msg:  &Message{Kind: KindChat, Timestamp: time.UnixMilli(0)},
		},
		{
			name: "auth",
			msg:  &Message{Kind: KindAuth, Sender: "alice", Receiver: "correct", Timestamp: time.UnixMilli(1700000000123)},
		},
		{
			name: "utf8 content",
			msg: &Message{
				Kind:      KindChat,
				Sender:    "алиса",
				Receiver:  "bob",
				Content:   "привет 👋\nsecond line",
				Token:     "abcdefghijklmnopqrstuvwxyz012345",
				Timestamp: time.UnixMilli(1712345678901),
			},
		},
		{
			name: "command with long content",
			msg: &Message{
				Kind:      KindCommand,
				Content:   strings.Repeat("x", 70000),
				Timestamp: time.UnixMilli(1),
			},
		},
		{
			name: "negative timestamp",
			msg:  &Message{Kind: KindClose, Timestamp: time.UnixMilli(-86400001)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.True(t, tt.msg.Equal(got), "want %+v, got %+v", tt.msg, got)
			assert.Equal(t, tt.msg.Timestamp.UnixMilli(), got.Timestamp.UnixMilli())
		})
	}
}

func TestStreamOfFrames(t *testing.T) {
	var buf bytes.Buffer
	first := NewMessage(KindAuth, "alice", "secret", "", "")
	second := NewMessage(KindChat, "alice", "", "hello", "tok")
	require.NoError(t, WriteMessage(&buf, first))
	require.NoError(t, WriteMessage(&buf, second))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.True(t, first.Equal(got))

	got, err = ReadMessage(&buf)
	require.NoError(t, err)
	assert.True(t, second.Equal(got))

	_, err = ReadMessage(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestNowHasMillisecondPrecision(t *testing.T) {
	ts := Now()
	assert.Zero(t, ts.Nanosecond()%int(time.Millisecond))
}

func TestReadMessageTruncated(t *testing.T) {
	data, err := Encode(NewMessage(KindChat, "alice", "bob", "hi", "tok"))
	require.NoError(t, err)

	for cut := 1; cut < len(data); cut++ {
		_, err := ReadMessage(bytes.NewReader(data[:cut]))
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("cut at %d: expected ErrUnexpectedEOF, got %v", cut, err)
		}
	}
}

func TestReadMessageEmptyStream(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadMessageUnknownKind(t *testing.T) {
	data, err := Encode(NewMessage(KindChat, "a", "b", "c", "d"))
	require.NoError(t, err)
	binary.BigEndian.PutUint32(data[:4], 42)

	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestReadMessageFieldTooLarge(t *testing.T) {
	var data []byte
	data = binary.BigEndian.AppendUint32(data, uint32(KindChat))
	data = binary.BigEndian.AppendUint32(data, MaxFieldSize+1)

	_, err := Decode(data)
	assert.ErrorIs(t, err, ErrFieldTooLarge)
}

func TestDecodeTrailingData(t *testing.T) {
	data, err := Encode(NewMessage(KindClose, "", "", "", ""))
	require.NoError(t, err)

	_, err = Decode(append(data, 0))
	assert.ErrorIs(t, err, ErrTrailingData)
}

func TestEncodeUnknownKind(t *testing.T) {
	_, err := Encode(&Message{Kind: Kind(9)})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "AUTH", KindAuth.String())
	assert.Equal(t, "CHAT", KindChat.String())
	assert.Equal(t, "COMMAND", KindCommand.String())
	assert.Equal(t, "CLOSE", KindClose.String())
	assert.Equal(t, "Kind(7)", Kind(7).String())
}
