package wecom

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	encodingKeyLength = 43
	envelopeBlockSize = 32
	randomPrefixSize  = 16
)

var (
	// ErrInvalidPadding means the decrypted envelope carried a PKCS#7 pad byte outside [1,32].
	ErrInvalidPadding = errors.New("wecom: invalid pkcs7 padding")
	// ErrReceiverMismatch means the envelope was encrypted for a different corp id.
	ErrReceiverMismatch = errors.New("wecom: receiver corp id mismatch")
)

// Codec implements the platform callback crypto scheme: AES-256-CBC with the IV
// taken from the key material, the random-prefix/length/message/receiver envelope,
// and the detached SHA-1 signature over sorted parameters.
type Codec struct {
	token  string
	corpID string
	key    []byte
}

// Encrypted is one outbound encrypted envelope plus the parameters a receiver
// needs to verify it.
type Encrypted struct {
	Ciphertext string
	Signature  string
	Timestamp  string
	Nonce      string
}

// NewCodec derives the AES key from the 43-character base64 encoding key.
//
// The platform publishes the key without its trailing "=" pad character; the
// first 16 bytes of the decoded key double as the CBC IV.
func NewCodec(token, encodingAESKey, corpID string) (*Codec, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("wecom: callback token is required")
	}
	if len(encodingAESKey) != encodingKeyLength {
		return nil, fmt.Errorf("wecom: encoding aes key must be %d characters, got %d", encodingKeyLength, len(encodingAESKey))
	}
	if strings.TrimSpace(corpID) == "" {
		return nil, errors.New("wecom: corp id is required")
	}

	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("wecom: decode encoding aes key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("wecom: encoding aes key decodes to %d bytes, want 32", len(key))
	}

	return &Codec{token: token, corpID: corpID, key: key}, nil
}

// Signature computes the callback signature: sort token, timestamp, nonce and
// payload lexicographically, concatenate, SHA-1, hex-encode.
func (c *Codec) Signature(timestamp, nonce, payload string) string {
	parts := []string{c.token, timestamp, nonce, payload}
	sort.Strings(parts)

	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// VerifySignature reports whether signature matches the given parameters.
func (c *Codec) VerifySignature(signature, timestamp, nonce, payload string) bool {
	expected := c.Signature(timestamp, nonce, payload)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Decrypt opens one base64 envelope and returns the embedded message text.
func (c *Codec) Decrypt(base64Ciphertext string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(base64Ciphertext)
	if err != nil {
		return "", fmt.Errorf("wecom: decode ciphertext: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("wecom: ciphertext length %d is not a positive multiple of %d", len(ciphertext), aes.BlockSize)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("wecom: init cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plaintext, ciphertext)

	unpadded, err := stripPKCS7(plaintext)
	if err != nil {
		return "", err
	}

	// Envelope: 16 random bytes, uint32 big-endian message length, message, receiver id.
	if len(unpadded) < randomPrefixSize+4 {
		return "", fmt.Errorf("wecom: envelope too short: %d bytes", len(unpadded))
	}
	messageLength := binary.BigEndian.Uint32(unpadded[randomPrefixSize : randomPrefixSize+4])
	messageEnd := randomPrefixSize + 4 + int(messageLength)
	if messageEnd > len(unpadded) {
		return "", fmt.Errorf("wecom: envelope message length %d exceeds payload", messageLength)
	}

	receiver := string(unpadded[messageEnd:])
	if receiver != c.corpID {
		return "", ErrReceiverMismatch
	}

	return string(unpadded[randomPrefixSize+4 : messageEnd]), nil
}

// Encrypt seals plaintext into a base64 envelope and signs it with a fresh
// timestamp and nonce.
func (c *Codec) Encrypt(plaintext string) (Encrypted, error) {
	prefix := make([]byte, randomPrefixSize)
	if _, err := rand.Read(prefix); err != nil {
		return Encrypted{}, fmt.Errorf("wecom: generate envelope prefix: %w", err)
	}

	message := []byte(plaintext)
	envelope := make([]byte, 0, randomPrefixSize+4+len(message)+len(c.corpID))
	envelope = append(envelope, prefix...)
	envelope = binary.BigEndian.AppendUint32(envelope, uint32(len(message)))
	envelope = append(envelope, message...)
	envelope = append(envelope, c.corpID...)
	envelope = padPKCS7(envelope)

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return Encrypted{}, fmt.Errorf("wecom: init cipher: %w", err)
	}

	ciphertext := make([]byte, len(envelope))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(ciphertext, envelope)

	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := uuid.NewString()

	return Encrypted{
		Ciphertext: encoded,
		Signature:  c.Signature(timestamp, nonce, encoded),
		Timestamp:  timestamp,
		Nonce:      nonce,
	}, nil
}

// padPKCS7 right-pads to a multiple of the 32-byte envelope block size.
//
// The scheme pads on a 32-byte boundary even though AES blocks are 16 bytes.
func padPKCS7(data []byte) []byte {
	padLength := envelopeBlockSize - len(data)%envelopeBlockSize
	if padLength == 0 {
		padLength = envelopeBlockSize
	}

	padding := make([]byte, padLength)
	for i := range padding {
		padding[i] = byte(padLength)
	}

	return append(data, padding...)
}

// stripPKCS7 removes envelope padding, rejecting pad bytes outside [1,32].
func stripPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidPadding
	}

	padLength := int(data[len(data)-1])
	if padLength < 1 || padLength > envelopeBlockSize || padLength > len(data) {
		return nil, ErrInvalidPadding
	}

	return data[:len(data)-padLength], nil
}
