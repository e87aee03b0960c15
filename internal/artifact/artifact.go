// Package artifact issues per-purchase keys and encrypts dataset files into
// downloadable archives that only the issued key can open.
//
// A lost key cannot be recovered: keys are not escrowed and the server never
// re-derives them. Buyers must store the key they receive.
package artifact

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// KeyBytes is the amount of randomness in an issued key (256 bits).
const KeyBytes = 32

// ErrWrongKey is returned when an archive cannot be opened with the given key.
var ErrWrongKey = errors.New("wrong key or corrupted archive")

// IssueKey returns a fresh random key encoded as unpadded base64url.
func IssueKey() (string, error) {
	buf := make([]byte, KeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Encryptor turns a plaintext file into a key-protected archive.
type Encryptor interface {
	// Encrypt reads the plaintext from src and writes the archive to dst.
	// name is the file name stored inside the archive, when the format
	// has one.
	Encrypt(dst io.Writer, src io.Reader, name, key string) error

	// Decrypt writes the plaintext of the archive in src to dst.
	Decrypt(dst io.Writer, src io.ReaderAt, size int64, key string) error

	// ContentType is the media type archives are served with.
	ContentType() string

	// Extension is the file extension of produced archives, with the dot.
	Extension() string
}

// NewEncryptor returns the encryptor registered under name ("zip" or "gcm").
func NewEncryptor(name string) (Encryptor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "zip":
		return NewZipEncryptor(), nil
	case "gcm":
		return NewGCMEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryptor %q", name)
	}
}
