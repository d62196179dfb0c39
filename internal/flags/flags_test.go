package flags_test

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsec-board/scoreboard/internal/flags"
)

const prefix = "flag"

func keyring(t *testing.T, ids ...uint16) map[uint16][]byte {
	t.Helper()

	ring := make(map[uint16][]byte, len(ids))
	for _, id := range ids {
		key, err := flags.NewKey(id)
		require.NoError(t, err, "failed to mint key")
		ring[id] = key
	}
	return ring
}

func lookup(ring map[uint16][]byte) flags.KeyFunc {
	return func(taskID uint16) ([]byte, error) {
		return ring[taskID], nil
	}
}

func TestRoundTrip(t *testing.T) {
	ring := keyring(t, 1, 2, 500, 65535)

	for id, key := range ring {
		issued := uint64(1600000000_000000 + int(id))
		token, err := flags.Generate(prefix, id, issued, key)
		require.NoError(t, err, "failed to generate flag")
		assert.True(t, strings.HasPrefix(token, prefix+"{"), "unexpected token shape")

		decoded, err := flags.Verify(prefix, token, lookup(ring))
		require.NoError(t, err, "round trip failed")
		assert.Equal(t, id, decoded.TaskID, "task id changed in transit")
		assert.Equal(t, issued, decoded.IssuedAt, "issuance time changed in transit")
	}
}

func TestKeyTaskBinding(t *testing.T) {
	ring := keyring(t, 7)

	_, err := flags.Generate(prefix, 8, 1, ring[7])
	assert.Error(t, err, "generate must refuse a key bound to another task")
}

func TestCrossTaskRejection(t *testing.T) {
	// Build a token whose ciphertext is valid under task A's key but whose
	// checksum claims task B. The claimed id resolves, B's key exists, but
	// decryption under B's key must scramble padding or the embedded id.
	ring := keyring(t, 10, 11)

	token, err := flags.Generate(prefix, 10, 1600000000_000000, ring[10])
	require.NoError(t, err)

	body, err := hex.DecodeString(token[len(prefix)+1 : len(token)-1])
	require.NoError(t, err)

	// Retarget the checksum: claimed = fold(trailer, data), so the trailer
	// for a desired claim is fold(claim, data).
	var sum uint16 = 11
	for i := 0; i+1 < 16; i += 2 {
		sum ^= binary.BigEndian.Uint16(body[i:])
	}
	binary.BigEndian.PutUint16(body[16:], sum)
	forged := prefix + "{" + hex.EncodeToString(body) + "}"

	_, err = flags.Verify(prefix, forged, lookup(ring))
	assert.ErrorIs(t, err, flags.ErrInvalid, "forged claim must not verify under the other key")
}

func TestTamperRejection(t *testing.T) {
	ring := keyring(t, 3)
	token, err := flags.Generate(prefix, 3, 1600000000_000000, ring[3])
	require.NoError(t, err)

	tampered := []byte(token)
	idx := len(prefix) + 1
	if tampered[idx] == 'a' {
		tampered[idx] = 'b'
	} else {
		tampered[idx] = 'a'
	}

	_, err = flags.Verify(prefix, string(tampered), lookup(ring))
	assert.ErrorIs(t, err, flags.ErrInvalid)
}

func TestUnknownTask(t *testing.T) {
	ring := keyring(t, 4)
	token, err := flags.Generate(prefix, 4, 1, ring[4])
	require.NoError(t, err)

	_, err = flags.Verify(prefix, token, lookup(map[uint16][]byte{}))
	assert.ErrorIs(t, err, flags.ErrInvalid, "missing key must read as invalid")

	_, details := flags.VerifyDetails(prefix, token, lookup(map[uint16][]byte{}))
	assert.ErrorContains(t, details, "no key for task", "staff variant should name the reason")
}

func TestFind(t *testing.T) {
	ring := keyring(t, 4)
	token, err := flags.Generate(prefix, 4, 1, ring[4])
	require.NoError(t, err)

	output := "some output\n" + token + "\ntrailing flag{nope} junk\n" + token
	found := flags.Find(prefix, output)
	assert.Equal(t, []string{token, token}, found, "extraction should only match well-formed bodies")

	assert.Empty(t, flags.Find(prefix, "no flags here"), "no candidates expected")
}
