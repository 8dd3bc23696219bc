package base45

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncode(t *testing.T) {
	// Vectors from RFC 9285 section 4.3.
	assert.Equal(t, "BB8", Encode([]byte("AB")))
	assert.Equal(t, "%69 VD92EX0", Encode([]byte("Hello!!")))
	assert.Equal(t, "UJCLQE7W581", Encode([]byte("base-45")))
	assert.Equal(t, "", Encode(nil))
}

func TestDecode(t *testing.T) {
	decoded, err := Decode("QED8WEX0")
	assert.NoError(t, err)
	assert.Equal(t, "ietf!", string(decoded))

	t.Run("rejects bad length", func(t *testing.T) {
		_, err := Decode("BB8A")
		assert.ErrorIs(t, err, ErrInvalidEncoding)
	})

	t.Run("rejects symbols outside alphabet", func(t *testing.T) {
		_, err := Decode("ab!")
		assert.ErrorIs(t, err, ErrInvalidEncoding)
	})

	t.Run("rejects overflow", func(t *testing.T) {
		// ":::" decodes to 44 + 44*45 + 44*45*45 > 0xFFFF
		_, err := Decode(":::")
		assert.ErrorIs(t, err, ErrInvalidEncoding)
	})
}

func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(45))
	for i := 0; i < 64; i++ {
		buf := make([]byte, r.Intn(257))
		r.Read(buf)
		decoded, err := Decode(Encode(buf))
		assert.NoError(t, err)
		assert.Equal(t, buf, decoded)
	}
}
