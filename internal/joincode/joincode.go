package joincode

import (
	"crypto/des" //nolint:gosec // G502: DES is the deployed wire format for short-lived codes
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Join and attendance codes use the flag scheme at smaller scale: one
// DES-ECB block packing a subject id and an issuance timestamp, base32
// encoded with the padding stripped. There is no checksum/key-selection
// trick here, all codes share one per-deployment secret. DES is kept for
// wire compatibility; the codes expire within minutes so the weak cipher
// is tolerated, not endorsed.

// KeySize is the size of the shared per-deployment secret.
const KeySize = 8

var (
	ErrMalformed = errors.New("malformed code")
	ErrExpired   = errors.New("code expired")
)

// Code is the decoded content of a join/attendance code.
type Code struct {
	SubjectID uint32
	IssuedAt  time.Time // second resolution
}

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Generate mints a code binding subjectID to issuedAt under the shared key.
func Generate(key []byte, subjectID uint32, issuedAt time.Time) (string, error) {
	block, err := des.NewCipher(key) //nolint:gosec // wire format
	if err != nil {
		return "", fmt.Errorf("bad join code key: %w", err)
	}

	var plain [8]byte
	binary.LittleEndian.PutUint32(plain[:], subjectID)
	binary.LittleEndian.PutUint32(plain[4:], uint32(issuedAt.Unix()))

	var enc [8]byte
	block.Encrypt(enc[:], plain[:])

	return encoding.EncodeToString(enc[:]), nil
}

// Decode reverses Generate. Codes are typed by humans, so `0` is accepted in
// place of `O` before decoding. Validity is checked against now and the
// configured number of minutes a code stays usable.
func Decode(key []byte, code string, now time.Time, minutesValid int) (*Code, error) {
	block, err := des.NewCipher(key) //nolint:gosec // wire format
	if err != nil {
		return nil, fmt.Errorf("bad join code key: %w", err)
	}

	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "0", "O"))
	raw, err := encoding.DecodeString(normalized)
	if err != nil || len(raw) != 8 {
		return nil, ErrMalformed
	}

	var plain [8]byte
	block.Decrypt(plain[:], raw)

	decoded := &Code{
		SubjectID: binary.LittleEndian.Uint32(plain[:]),
		IssuedAt:  time.Unix(int64(binary.LittleEndian.Uint32(plain[4:])), 0),
	}

	age := now.Sub(decoded.IssuedAt)
	if age < 0 || age > time.Duration(minutesValid)*time.Minute {
		return decoded, ErrExpired
	}

	return decoded, nil
}
