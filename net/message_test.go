package net

import (
	"encoding/binary"
	gonet "net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMessage struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func TestFrame(t *testing.T) {
	f := Frame([]byte("abcde"))
	require.Len(t, f, 9)
	assert.Equal(t, uint32(5), binary.LittleEndian.Uint32(f[:4]))
	assert.Equal(t, "abcde", string(f[4:]))
}

func TestMarshalKeepsHTML(t *testing.T) {
	s, err := Marshal(testMessage{Name: "<b>", Message: "a & b"})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"<b>","message":"a & b"}`, s)
}

func TestWriteReadMessage(t *testing.T) {
	for _, key := range []string{"", "secret"} {
		t.Run("key="+key, func(t *testing.T) {
			c := NewCryptor(key)
			a, b := gonet.Pipe()
			defer a.Close()
			defer b.Close()

			want := testMessage{Name: "s1", Message: "hello"}
			go func() {
				WriteMessage(a, c, want)
			}()

			var got testMessage
			require.NoError(t, ReadInto(b, c, time.Second, time.Second, &got))
			assert.Equal(t, want, got)
		})
	}
}

func TestReadMessageIdleTimeout(t *testing.T) {
	a, b := gonet.Pipe()
	defer a.Close()
	defer b.Close()

	_, err := ReadMessage(b, NewCryptor("k"), 20*time.Millisecond, time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTimeout(err))
	assert.False(t, IsEmptyContent(err))
}

func TestReadMessageEmptyContent(t *testing.T) {
	t.Run("closed before header", func(t *testing.T) {
		a, b := gonet.Pipe()
		defer b.Close()
		a.Close()

		_, err := ReadMessage(b, NewCryptor("k"), time.Second, time.Second)
		assert.ErrorIs(t, err, ErrEmptyContent)
		assert.False(t, IsTimeout(err))
	})

	t.Run("closed mid header", func(t *testing.T) {
		a, b := gonet.Pipe()
		defer b.Close()
		go func() {
			a.Write([]byte{1, 0})
			a.Close()
		}()

		_, err := ReadMessage(b, NewCryptor("k"), time.Second, time.Second)
		assert.ErrorIs(t, err, ErrEmptyContent)
	})

	t.Run("closed mid body", func(t *testing.T) {
		a, b := gonet.Pipe()
		defer b.Close()
		go func() {
			a.Write([]byte{10, 0, 0, 0, 'a', 'b'})
			a.Close()
		}()

		_, err := ReadMessage(b, NewCryptor(""), time.Second, time.Second)
		assert.ErrorIs(t, err, ErrEmptyContent)
	})
}

func TestReadMessageBodyTimeout(t *testing.T) {
	a, b := gonet.Pipe()
	defer a.Close()
	defer b.Close()
	go a.Write([]byte{10, 0, 0, 0})

	_, err := ReadMessage(b, NewCryptor(""), time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrBodyTimeout)
	assert.True(t, IsTimeout(err))
	assert.False(t, IsEmptyContent(err))
}

func TestReadMessageTooLarge(t *testing.T) {
	a, b := gonet.Pipe()
	defer a.Close()
	defer b.Close()
	go a.Write([]byte{0xff, 0xff, 0xff, 0x7f})

	_, err := ReadMessage(b, NewCryptor(""), time.Second, time.Second)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadIntoMalformedJSON(t *testing.T) {
	a, b := gonet.Pipe()
	defer a.Close()
	defer b.Close()
	c := NewCryptor("k")
	go a.Write(Frame(c.Encrypt("{not json")))

	var v testMessage
	err := ReadInto(b, c, time.Second, time.Second, &v)
	assert.True(t, IsDecodeError(err))
}
