package wxcrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

const (
	keySize    = 32
	prefixSize = 16
	lengthSize = 4

	// padBlock is the PKCS#7 block size the platform pads to. It is a
	// multiple of the AES block size, so every padded frame is CBC-aligned.
	padBlock = 32
)

// Frame is the plaintext layout carried inside the ciphertext.
type Frame struct {
	Random  [prefixSize]byte
	Payload []byte
	CorpID  string
}

// Marshal lays the frame out as random | length | payload | corp id.
func (f Frame) Marshal() []byte {
	buf := make([]byte, 0, prefixSize+lengthSize+len(f.Payload)+len(f.CorpID))
	buf = append(buf, f.Random[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Payload)))
	buf = append(buf, f.Payload...)
	buf = append(buf, f.CorpID...)
	return buf
}

// ParseFrame is the inverse of Marshal. The length field is cross-checked
// against the bytes actually present.
func ParseFrame(b []byte) (Frame, error) {
	var f Frame
	if len(b) < prefixSize+lengthSize {
		return f, fmt.Errorf("%w: frame too short (%d bytes)", ErrDecryptionFailure, len(b))
	}
	copy(f.Random[:], b[:prefixSize])

	rest := b[prefixSize:]
	n := binary.BigEndian.Uint32(rest[:lengthSize])
	rest = rest[lengthSize:]
	if uint64(n) > uint64(len(rest)) {
		return f, fmt.Errorf("%w: payload length %d exceeds frame", ErrDecryptionFailure, n)
	}

	f.Payload = rest[:n]
	f.CorpID = string(rest[n:])
	return f, nil
}

// Codec encrypts and decrypts frames for a single corp.
type Codec struct {
	block  cipher.Block
	iv     []byte
	corpID string
	rand   io.Reader
}

// NewCodec builds a codec from the EncodingAESKey shown in the admin console.
// Both the 43-character unpadded form and standard padded base64 are accepted.
func NewCodec(encodingAESKey, corpID string) (*Codec, error) {
	key, err := DecodeAESKey(encodingAESKey)
	if err != nil {
		return nil, err
	}
	if corpID == "" {
		return nil, fmt.Errorf("corp id is empty")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	copy(iv, key[:aes.BlockSize])

	return &Codec{
		block:  block,
		iv:     iv,
		corpID: corpID,
		rand:   rand.Reader,
	}, nil
}

// DecodeAESKey decodes an EncodingAESKey and checks it is 32 bytes long.
func DecodeAESKey(encodingAESKey string) ([]byte, error) {
	s := strings.TrimSpace(encodingAESKey)
	if s == "" {
		return nil, fmt.Errorf("encoding aes key is empty")
	}

	key, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("encoding aes key is not valid base64: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("encoding aes key must decode to %d bytes, got %d", keySize, len(key))
	}
	return key, nil
}

// Encrypt seals plaintext into a base64 ciphertext.
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	f := Frame{Payload: plaintext, CorpID: c.corpID}
	if _, err := io.ReadFull(c.rand, f.Random[:]); err != nil {
		return "", fmt.Errorf("read random prefix: %w", err)
	}

	data := pkcs7Pad(f.Marshal(), padBlock)
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, data)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a base64 ciphertext and returns the payload. It never panics
// on hostile input; every structural problem is ErrDecryptionFailure.
func (c *Codec) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrDecryptionFailure)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not block aligned", ErrDecryptionFailure, len(raw))
	}

	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(plain, raw)

	plain, err = pkcs7Unpad(plain, padBlock)
	if err != nil {
		return nil, err
	}

	f, err := ParseFrame(plain)
	if err != nil {
		return nil, err
	}
	if f.CorpID != c.corpID {
		return nil, ErrCorpIDMismatch
	}
	return f.Payload, nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecryptionFailure)
	}
	n := int(b[len(b)-1])
	if n < 1 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecryptionFailure)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecryptionFailure)
		}
	}
	return b[:len(b)-n], nil
}
