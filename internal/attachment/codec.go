// Package attachment seals files into the envelope carried by chat messages
// and opens them again on receipt.
package attachment

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/hkdf"

	"securechat/internal/protocol"
)

const (
	// MaxSize is the largest attachment accepted at origination (5 MiB).
	MaxSize = 5 << 20

	// MaxFrameSize bounds one protocol frame on the wire. A MaxSize file becomes
	// a base64 data URL, gains a GCM nonce and tag and is base64-encoded again
	// inside the message JSON.
	MaxFrameSize = 4*((maxDataURLLength+sealOverhead+2)/3) + frameMargin

	// MaxMimeTypeLength caps the mime type carried in the data URL.
	MaxMimeTypeLength = 255

	maxDataURLLength = len("data:;base64,") + MaxMimeTypeLength + 4*((MaxSize+2)/3)
	sealOverhead     = 12 + 16
	frameMargin      = 64 << 10

	aes256KeySize   = 32
	defaultMimeType = "application/octet-stream"
	keyInfo         = "securechat attachment v1"
)

var (
	// ErrTooLarge indicates the file exceeds MaxSize.
	ErrTooLarge = errors.New("attachment: file exceeds 5 MiB limit")
	// ErrNoSecret indicates a codec was built without a deployment secret.
	ErrNoSecret = errors.New("attachment: secret is required")
	// ErrCorrupt indicates ciphertext or a data URL that cannot be parsed.
	ErrCorrupt = errors.New("attachment: corrupt payload")
	// ErrEncrypted indicates raw bytes were requested from a sealed attachment.
	ErrEncrypted = errors.New("attachment: payload is still encrypted")
)

// CheckSize rejects sizes over MaxSize. Callers run it before reading a file.
func CheckSize(size int64) error {
	if size > MaxSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	return nil
}

// Conversation names the two connections a key is derived for. Order does not matter.
type Conversation struct {
	A protocol.ConnectionID
	B protocol.ConnectionID
}

// ConversationOf returns the conversation a message belongs to.
func ConversationOf(msg protocol.Message) Conversation {
	return Conversation{A: msg.Sender, B: msg.Receiver}
}

func (c Conversation) salt() []byte {
	pair := []string{c.A, c.B}
	sort.Strings(pair)
	return []byte(strings.Join(pair, "|"))
}

// Codec encrypts and decrypts attachments with AES-256-GCM under keys derived
// from a deployment secret and the conversation.
type Codec struct {
	secret []byte
	logger *log.Logger
}

func NewCodec(secret []byte, logger *log.Logger) (*Codec, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Codec{secret: append([]byte(nil), secret...), logger: logger}, nil
}

func (c *Codec) key(conv Conversation) ([]byte, error) {
	key := make([]byte, aes256KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.secret, conv.salt(), []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive attachment key: %w", err)
	}
	return key, nil
}

func (c *Codec) aead(conv Conversation) (cipher.AEAD, error) {
	key, err := c.key(conv)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// EncryptFile reads the file at path fully and seals it. Oversized files are
// rejected from their stat size before any content is read.
func (c *Codec) EncryptFile(path, mimeType string, conv Conversation) (protocol.Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return protocol.Attachment{}, fmt.Errorf("stat attachment: %w", err)
	}
	if info.IsDir() {
		return protocol.Attachment{}, fmt.Errorf("read attachment %q: is a directory", path)
	}
	if err := CheckSize(info.Size()); err != nil {
		return protocol.Attachment{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.Attachment{}, fmt.Errorf("read attachment: %w", err)
	}
	if mimeType == "" {
		mimeType = detectMimeType(path, data)
	}

	return c.Encrypt(filepath.Base(path), mimeType, data, conv)
}

func detectMimeType(path string, data []byte) string {
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		return byExt
	}
	if len(data) > 0 {
		return http.DetectContentType(data)
	}
	return defaultMimeType
}

// Encrypt seals in-memory data. The plaintext is the data URL a recipient can use directly.
func (c *Codec) Encrypt(name, mimeType string, data []byte, conv Conversation) (protocol.Attachment, error) {
	if err := CheckSize(int64(len(data))); err != nil {
		return protocol.Attachment{}, err
	}
	if mimeType == "" || len(mimeType) > MaxMimeTypeLength {
		mimeType = defaultMimeType
	}

	aead, err := c.aead(conv)
	if err != nil {
		return protocol.Attachment{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return protocol.Attachment{}, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(dataURL(mimeType, data)), nil)
	return protocol.Attachment{
		Name:      name,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		Data:      base64.StdEncoding.EncodeToString(sealed),
		Encrypted: true,
	}, nil
}

// Plain wraps data without encryption.
func Plain(name, mimeType string, data []byte) (protocol.Attachment, error) {
	if err := CheckSize(int64(len(data))); err != nil {
		return protocol.Attachment{}, err
	}
	if mimeType == "" || len(mimeType) > MaxMimeTypeLength {
		mimeType = defaultMimeType
	}
	return protocol.Attachment{
		Name:     name,
		MimeType: mimeType,
		Size:     int64(len(data)),
		Data:     dataURL(mimeType, data),
	}, nil
}

// Decrypt opens a sealed attachment. Unencrypted attachments pass through.
// On failure the original attachment is returned unchanged with the error.
func (c *Codec) Decrypt(att protocol.Attachment, conv Conversation) (protocol.Attachment, error) {
	if !att.Encrypted {
		return att, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil {
		return att, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	aead, err := c.aead(conv)
	if err != nil {
		return att, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return att, fmt.Errorf("%w: ciphertext too short", ErrCorrupt)
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return att, fmt.Errorf("decrypt attachment: %w", err)
	}
	if !strings.HasPrefix(string(plaintext), "data:") {
		return att, fmt.Errorf("%w: plaintext is not a data URL", ErrCorrupt)
	}

	opened := att
	opened.Data = string(plaintext)
	opened.Encrypted = false
	return opened, nil
}

// Open is Decrypt with the fail-open policy: errors are logged and the
// ciphertext is kept so the message still renders.
func (c *Codec) Open(att protocol.Attachment, conv Conversation) protocol.Attachment {
	opened, err := c.Decrypt(att, conv)
	if err != nil {
		c.logger.Printf("attachment: decrypt %q failed, keeping ciphertext: %v", att.Name, err)
		return att
	}
	return opened
}

// Sealed is the result of an asynchronous encryption.
type Sealed struct {
	Attachment protocol.Attachment
	Err        error
}

// EncryptAsync seals the file on its own goroutine. The channel yields exactly one result.
func (c *Codec) EncryptAsync(ctx context.Context, path, mimeType string, conv Conversation) <-chan Sealed {
	out := make(chan Sealed, 1)
	go func() {
		defer close(out)
		if err := ctx.Err(); err != nil {
			out <- Sealed{Err: err}
			return
		}
		att, err := c.EncryptFile(path, mimeType, conv)
		if err == nil {
			err = ctx.Err()
		}
		out <- Sealed{Attachment: att, Err: err}
	}()
	return out
}

// Bytes decodes the data URL of an opened attachment.
func Bytes(att protocol.Attachment) ([]byte, error) {
	if att.Encrypted {
		return nil, ErrEncrypted
	}
	_, encoded, ok := strings.Cut(att.Data, ";base64,")
	if !ok || !strings.HasPrefix(att.Data, "data:") {
		return nil, fmt.Errorf("%w: not a base64 data URL", ErrCorrupt)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return data, nil
}

func dataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
