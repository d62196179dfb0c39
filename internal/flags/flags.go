package flags

import (
	"crypto/aes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"
)

// Flags are tamper-evident completion tokens handed out inside challenge
// environments. The wire format is a single AES-256-ECB block (8-byte
// big-endian issuance time in µs, 2-byte big-endian task id, 6 zero bytes)
// followed by a 2-byte checksum, hex encoded:
//
//	<prefix>{<32 hex ciphertext><4 hex checksum>}
//
// The checksum is the task id XOR-folded with the ciphertext two bytes at a
// time. On verification the fold is re-run seeded with the trailing checksum,
// which yields the claimed task id; the checksum therefore doubles as the key
// selector because the plaintext carries no task id in the clear.
//
// Known weakness, kept for compatibility: anyone holding a ciphertext can
// brute-force checksums against all configured task keys. Do not "fix" this
// here, existing flags in the field depend on the exact algorithm.

const (
	blockSize    = aes.BlockSize
	checksumSize = 2

	// KeySize is the stored per-task key: big-endian uint16 task id
	// followed by the 32-byte AES-256 key.
	KeySize = 2 + 32

	bodyHexLen = (blockSize + checksumSize) * 2
)

// ErrInvalid is the uniform verification failure returned to student-facing
// paths. Use VerifyDetails when the reason matters.
var ErrInvalid = errors.New("invalid flag")

// Decoded is the payload of a successfully verified flag.
type Decoded struct {
	TaskID   uint16
	IssuedAt uint64 // microseconds since the Unix epoch
}

// KeyFunc resolves the stored key for a task id. A nil key with a nil error
// means the task is unknown.
type KeyFunc func(taskID uint16) ([]byte, error)

// NewKey mints a fresh per-task key. Keys are bound to their task at creation
// time and never rotated.
func NewKey(taskID uint16) ([]byte, error) {
	key := make([]byte, KeySize)
	binary.BigEndian.PutUint16(key, taskID)
	if _, err := rand.Read(key[2:]); err != nil {
		return nil, fmt.Errorf("failed to generate flag key: %w", err)
	}
	return key, nil
}

func splitKey(key []byte) (uint16, []byte, error) {
	if len(key) != KeySize {
		return 0, nil, fmt.Errorf("flag key has length %d, want %d", len(key), KeySize)
	}
	return binary.BigEndian.Uint16(key), key[2:], nil
}

// KeyTaskID returns the task id a stored key is bound to.
func KeyTaskID(key []byte) (uint16, error) {
	id, _, err := splitKey(key)
	return id, err
}

// fold XOR-folds data two bytes at a time into seed.
func fold(seed uint16, data []byte) uint16 {
	sum := seed
	for i := 0; i+1 < len(data); i += 2 {
		sum ^= binary.BigEndian.Uint16(data[i:])
	}
	return sum
}

// Generate mints the flag for taskID at issuedAt (µs). The key must be the
// stored KeySize-byte key for the same task.
func Generate(prefix string, taskID uint16, issuedAt uint64, key []byte) (string, error) {
	keyTaskID, cipherKey, err := splitKey(key)
	if err != nil {
		return "", err
	}
	if keyTaskID != taskID {
		return "", fmt.Errorf("flag key is bound to task %d, not %d", keyTaskID, taskID)
	}

	var plain [blockSize]byte
	binary.BigEndian.PutUint64(plain[:], issuedAt)
	binary.BigEndian.PutUint16(plain[8:], taskID)
	// plain[10:16] stays zero

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return "", err
	}

	body := make([]byte, blockSize+checksumSize)
	block.Encrypt(body, plain[:])
	binary.BigEndian.PutUint16(body[blockSize:], fold(taskID, body[:blockSize]))

	return prefix + "{" + hex.EncodeToString(body) + "}", nil
}

var (
	patternMu    sync.Mutex
	patternCache = map[string]*regexp.Regexp{}
)

// Pattern returns the extraction regexp for a deployment's flag prefix.
func Pattern(prefix string) *regexp.Regexp {
	patternMu.Lock()
	defer patternMu.Unlock()

	if re, ok := patternCache[prefix]; ok {
		return re
	}
	re := regexp.MustCompile(
		regexp.QuoteMeta(prefix) + `\{([0-9a-fA-F]{` + fmt.Sprint(bodyHexLen) + `})\}`,
	)
	patternCache[prefix] = re
	return re
}

// Find extracts all flag candidates from free-form program output.
func Find(prefix, text string) []string {
	return Pattern(prefix).FindAllString(text, -1)
}

// VerifyDetails decodes and verifies a single flag, reporting why
// verification failed. Only staff tooling may surface the reason.
func VerifyDetails(prefix, token string, lookup KeyFunc) (*Decoded, error) {
	re := Pattern(prefix)
	m := re.FindStringSubmatch(token)
	if m == nil || m[0] != token {
		return nil, errors.New("not a well-formed flag")
	}

	raw, err := hex.DecodeString(m[1])
	if err != nil {
		return nil, fmt.Errorf("bad hex encoding: %w", err)
	}
	data, trailer := raw[:blockSize], raw[blockSize:]

	// Re-running the fold seeded with the trailing checksum recovers the
	// claimed task id.
	claimed := fold(binary.BigEndian.Uint16(trailer), data)

	key, err := lookup(claimed)
	if err != nil {
		return nil, fmt.Errorf("key lookup for task %d: %w", claimed, err)
	}
	if key == nil {
		return nil, fmt.Errorf("no key for task %d", claimed)
	}

	keyTaskID, cipherKey, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	if keyTaskID != claimed {
		return nil, fmt.Errorf("stored key for task %d is bound to task %d", claimed, keyTaskID)
	}

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, err
	}
	var plain [blockSize]byte
	block.Decrypt(plain[:], data)

	issuedAt := binary.BigEndian.Uint64(plain[:8])
	storedTaskID := binary.BigEndian.Uint16(plain[8:10])

	// Rejects tokens whose checksum incidentally resolves to an unrelated
	// task: decrypting under the wrong key scrambles padding and id.
	for _, b := range plain[10:] {
		if b != 0 {
			return nil, errors.New("padding not zero after decryption")
		}
	}
	if storedTaskID != claimed {
		return nil, fmt.Errorf("decrypted task id %d does not match claimed %d", storedTaskID, claimed)
	}

	return &Decoded{TaskID: claimed, IssuedAt: issuedAt}, nil
}

// Verify is the student-facing variant of VerifyDetails: any failure
// collapses into ErrInvalid.
func Verify(prefix, token string, lookup KeyFunc) (*Decoded, error) {
	d, err := VerifyDetails(prefix, token, lookup)
	if err != nil {
		return nil, ErrInvalid
	}
	return d, nil
}
