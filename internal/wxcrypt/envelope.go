package wxcrypt

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// Envelope is the signed wrapper around a ciphertext.
type Envelope struct {
	Signature  string
	Timestamp  string
	Nonce      string
	Ciphertext string
}

// EncryptedBody is the XML body of a callback POST.
type EncryptedBody struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	AgentID    string   `xml:"AgentID"`
	Encrypt    string   `xml:"Encrypt"`
}

// ParseEncryptedBody decodes a callback body. Missing Encrypt is a
// decryption failure since there is nothing to open.
func ParseEncryptedBody(body []byte) (EncryptedBody, error) {
	var eb EncryptedBody
	if err := xml.Unmarshal(body, &eb); err != nil {
		return eb, fmt.Errorf("%w: malformed callback body", ErrDecryptionFailure)
	}
	if eb.Encrypt == "" {
		return eb, fmt.Errorf("%w: callback body has no Encrypt element", ErrDecryptionFailure)
	}
	return eb, nil
}

type cdata struct {
	Value string `xml:",cdata"`
}

// EncryptedReply is the XML returned to the platform for a passive reply.
type EncryptedReply struct {
	XMLName      xml.Name `xml:"xml"`
	Encrypt      cdata    `xml:"Encrypt"`
	MsgSignature cdata    `xml:"MsgSignature"`
	TimeStamp    string   `xml:"TimeStamp"`
	Nonce        cdata    `xml:"Nonce"`
}

// Reply wraps a sealed envelope in the reply XML shape.
func (e Envelope) Reply() EncryptedReply {
	return EncryptedReply{
		Encrypt:      cdata{e.Ciphertext},
		MsgSignature: cdata{e.Signature},
		TimeStamp:    e.Timestamp,
		Nonce:        cdata{e.Nonce},
	}
}

// Envelope converts a parsed reply back into its envelope fields.
func (r EncryptedReply) Envelope() Envelope {
	return Envelope{
		Signature:  r.MsgSignature.Value,
		Timestamp:  r.TimeStamp,
		Nonce:      r.Nonce.Value,
		Ciphertext: r.Encrypt.Value,
	}
}

// Crypter binds the signature token to a codec. It is safe for concurrent use.
type Crypter struct {
	token string
	codec *Codec

	now   func() time.Time
	nonce func() (string, error)
}

// NewCrypter builds a Crypter for the given callback token and codec.
func NewCrypter(token string, codec *Codec) (*Crypter, error) {
	if token == "" {
		return nil, fmt.Errorf("callback token is empty")
	}
	if codec == nil {
		return nil, fmt.Errorf("codec is nil")
	}
	return &Crypter{
		token: token,
		codec: codec,
		now:   time.Now,
		nonce: randomNonce,
	}, nil
}

// Verify checks an envelope signature without decrypting it.
func (c *Crypter) Verify(env Envelope) error {
	if !VerifySignature(c.token, env.Timestamp, env.Nonce, env.Ciphertext, env.Signature) {
		return ErrSignatureMismatch
	}
	return nil
}

// Open verifies the envelope signature and only then decrypts.
func (c *Crypter) Open(env Envelope) ([]byte, error) {
	if err := c.Verify(env); err != nil {
		return nil, err
	}
	return c.codec.Decrypt(env.Ciphertext)
}

// Seal encrypts plaintext and signs the result with a fresh timestamp and nonce.
func (c *Crypter) Seal(plaintext []byte) (Envelope, error) {
	ciphertext, err := c.codec.Encrypt(plaintext)
	if err != nil {
		return Envelope{}, err
	}
	nonce, err := c.nonce()
	if err != nil {
		return Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}
	ts := strconv.FormatInt(c.now().Unix(), 10)

	return Envelope{
		Signature:  Signature(c.token, ts, nonce, ciphertext),
		Timestamp:  ts,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// Fingerprint returns a short BLAKE3 digest of a ciphertext for logs. The
// ciphertext itself is never logged.
func Fingerprint(ciphertext string) string {
	sum := blake3.Sum256([]byte(ciphertext))
	return hex.EncodeToString(sum[:8])
}

const nonceAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomNonce() (string, error) {
	b := make([]byte, 16)
	limit := big.NewInt(int64(len(nonceAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b[i] = nonceAlphabet[n.Int64()]
	}
	return string(b), nil
}
