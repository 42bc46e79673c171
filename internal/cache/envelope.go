package cache

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// envelope is the persisted form of every cache entry. When Compressed or
// Encrypted is set, Data holds a base64 JSON string of the transformed bytes.
type envelope struct {
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
	TTL        *int64          `json:"ttl"`
	Compressed bool            `json:"compressed"`
	Encrypted  bool            `json:"encrypted"`
}

// expiresAt returns the expiry in unix milliseconds, or 0 for no expiry.
func (e envelope) expiresAt() int64 {
	if e.TTL == nil {
		return 0
	}
	return e.Timestamp + *e.TTL
}

func expired(expiresAt, nowMillis int64) bool {
	return expiresAt != 0 && nowMillis > expiresAt
}

type codec struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	aead      cipher.AEAD
}

func newCodec(threshold int, secret string) (*codec, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c := &codec{threshold: threshold, encoder: encoder, decoder: decoder}
	if secret != "" {
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte("lupo cache envelope")), key); err != nil {
			c.close()
			return nil, fmt.Errorf("derive encryption key: %w", err)
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("create cipher: %w", err)
		}
		c.aead = aead
	}
	return c, nil
}

func (c *codec) close() {
	c.encoder.Close()
	c.decoder.Close()
}

// seal builds the envelope for plain JSON data. Compression and encryption
// are applied only when requested and possible; otherwise the plain form is
// stored and the corresponding flag stays false.
func (c *codec) seal(plain []byte, timestamp int64, ttl *int64, compress, encrypt bool) (envelope, error) {
	env := envelope{Timestamp: timestamp, TTL: ttl}
	payload := plain

	if compress && len(plain) > c.threshold {
		compressed := c.encoder.EncodeAll(plain, nil)
		if len(compressed) < len(plain) {
			payload = compressed
			env.Compressed = true
		}
	}

	if encrypt && c.aead != nil {
		nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(payload)+c.aead.Overhead())
		if _, err := rand.Read(nonce); err == nil {
			payload = c.aead.Seal(nonce, nonce, payload, nil)
			env.Encrypted = true
		}
	}

	if !env.Compressed && !env.Encrypted {
		env.Data = plain
		return env, nil
	}

	data, err := json.Marshal(base64.StdEncoding.EncodeToString(payload))
	if err != nil {
		return envelope{}, fmt.Errorf("encode payload: %w", err)
	}
	env.Data = data
	return env, nil
}

// open returns the plain JSON data carried by env.
func (c *codec) open(env envelope) ([]byte, error) {
	if !env.Compressed && !env.Encrypted {
		if len(env.Data) == 0 {
			return nil, fmt.Errorf("empty payload")
		}
		return env.Data, nil
	}

	var encoded string
	if err := json.Unmarshal(env.Data, &encoded); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	if env.Encrypted {
		if c.aead == nil {
			return nil, fmt.Errorf("entry is encrypted but no key is configured")
		}
		if len(payload) < c.aead.NonceSize() {
			return nil, fmt.Errorf("ciphertext too short")
		}
		nonce, ciphertext := payload[:c.aead.NonceSize()], payload[c.aead.NonceSize():]
		payload, err = c.aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("decrypt payload: %w", err)
		}
	}

	if env.Compressed {
		payload, err = c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
	}
	return payload, nil
}

func parseEnvelope(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	return env, nil
}
