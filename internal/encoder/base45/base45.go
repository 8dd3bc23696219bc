// Package base45 implements the Base45 encoding from RFC 9285, used to carry
// compressed CBOR credentials inside QR payloads.
package base45

import "github.com/pkg/errors"

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ $%*+-./:"

// ErrInvalidEncoding indicates input that is not valid Base45.
var ErrInvalidEncoding = errors.New("invalid base45 encoding")

var decodeMap [256]int

func init() {
	for i := range decodeMap {
		decodeMap[i] = -1
	}
	for i, c := range alphabet {
		decodeMap[c] = i
	}
}

// Encode encodes src as Base45 text. Each pair of bytes becomes three
// symbols, a trailing byte becomes two.
func Encode(src []byte) string {
	out := make([]byte, 0, (len(src)/2)*3+3)
	for i := 0; i+1 < len(src); i += 2 {
		v := int(src[i])<<8 | int(src[i+1])
		out = append(out, alphabet[v%45], alphabet[(v/45)%45], alphabet[v/(45*45)])
	}
	if len(src)%2 == 1 {
		v := int(src[len(src)-1])
		out = append(out, alphabet[v%45], alphabet[v/45])
	}
	return string(out)
}

// Decode decodes Base45 text back to bytes.
func Decode(s string) ([]byte, error) {
	if len(s)%3 == 1 {
		return nil, errors.Wrap(ErrInvalidEncoding, "truncated input")
	}
	out := make([]byte, 0, (len(s)/3)*2+1)
	for i := 0; i < len(s); i += 3 {
		rest := len(s) - i
		c0, c1 := decodeMap[s[i]], decodeMap[s[i+1]]
		if c0 < 0 || c1 < 0 {
			return nil, errors.Wrap(ErrInvalidEncoding, "symbol outside alphabet")
		}
		if rest == 2 {
			v := c0 + c1*45
			if v > 0xFF {
				return nil, errors.Wrap(ErrInvalidEncoding, "overflow in final pair")
			}
			out = append(out, byte(v))
			break
		}
		c2 := decodeMap[s[i+2]]
		if c2 < 0 {
			return nil, errors.Wrap(ErrInvalidEncoding, "symbol outside alphabet")
		}
		v := c0 + c1*45 + c2*45*45
		if v > 0xFFFF {
			return nil, errors.Wrap(ErrInvalidEncoding, "overflow in triple")
		}
		out = append(out, byte(v>>8), byte(v))
	}
	return out, nil
}
