package artifact

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/argon2"
)

// Chunked AES-256-GCM stream format:
//
//	magic(8) | salt(16) | nonce prefix(7) | chunk...
//
// Every chunk holds up to gcmChunkSize plaintext bytes followed by the GCM
// tag. The nonce is prefix | big-endian chunk counter (4) | last flag (1),
// so reordering, dropping or truncating chunks fails authentication.
const (
	gcmChunkSize   = 64 << 10
	gcmSaltSize    = 16
	gcmPrefixSize  = 7
	gcmTagSize     = 16
	gcmKeySize     = 32
	argonTime      = 1
	argonMemoryKiB = 64 * 1024
	argonThreads   = 4
)

var gcmMagic = []byte("KNBGCM1\x00")

// GCMEncryptor streams data through AES-256-GCM with a key derived from
// the purchase key by argon2id. Memory use is bounded by the chunk size.
type GCMEncryptor struct {
	chunkSize int
}

func NewGCMEncryptor() *GCMEncryptor {
	return &GCMEncryptor{chunkSize: gcmChunkSize}
}

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemoryKiB, argonThreads, gcmKeySize)
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func chunkNonce(prefix []byte, counter uint64, last bool) ([]byte, error) {
	if counter > math.MaxUint32 {
		return nil, errors.New("stream too long")
	}
	nonce := make([]byte, gcmPrefixSize+5)
	copy(nonce, prefix)
	binary.BigEndian.PutUint32(nonce[gcmPrefixSize:], uint32(counter))
	if last {
		nonce[len(nonce)-1] = 1
	}
	return nonce, nil
}

func (g *GCMEncryptor) Encrypt(dst io.Writer, src io.Reader, name, key string) error {
	if key == "" {
		return errors.New("empty key")
	}

	header := make([]byte, 0, len(gcmMagic)+gcmSaltSize+gcmPrefixSize)
	header = append(header, gcmMagic...)
	random := make([]byte, gcmSaltSize+gcmPrefixSize)
	if _, err := rand.Read(random); err != nil {
		return fmt.Errorf("read salt: %w", err)
	}
	header = append(header, random...)
	salt := random[:gcmSaltSize]
	prefix := random[gcmSaltSize:]

	aead, err := newGCM(key, salt)
	if err != nil {
		return err
	}
	if _, err := dst.Write(header); err != nil {
		return err
	}

	in := bufio.NewReaderSize(src, g.chunkSize)
	plain := make([]byte, g.chunkSize)
	sealed := make([]byte, 0, g.chunkSize+gcmTagSize)
	for counter := uint64(0); ; counter++ {
		n, err := io.ReadFull(in, plain)
		last := false
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			last = true
		case err != nil:
			return err
		default:
			if _, peekErr := in.Peek(1); errors.Is(peekErr, io.EOF) {
				last = true
			} else if peekErr != nil {
				return peekErr
			}
		}

		nonce, err := chunkNonce(prefix, counter, last)
		if err != nil {
			return err
		}
		sealed = aead.Seal(sealed[:0], nonce, plain[:n], gcmMagic)
		if _, err := dst.Write(sealed); err != nil {
			return err
		}
		if last {
			return nil
		}
	}
}

func (g *GCMEncryptor) Decrypt(dst io.Writer, src io.ReaderAt, size int64, key string) error {
	r := io.NewSectionReader(src, 0, size)

	header := make([]byte, len(gcmMagic)+gcmSaltSize+gcmPrefixSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if !bytes.Equal(header[:len(gcmMagic)], gcmMagic) {
		return errors.New("not a gcm archive")
	}
	salt := header[len(gcmMagic) : len(gcmMagic)+gcmSaltSize]
	prefix := header[len(gcmMagic)+gcmSaltSize:]

	aead, err := newGCM(key, salt)
	if err != nil {
		return err
	}

	in := bufio.NewReaderSize(r, g.chunkSize+gcmTagSize)
	sealed := make([]byte, g.chunkSize+gcmTagSize)
	plain := make([]byte, 0, g.chunkSize)
	for counter := uint64(0); ; counter++ {
		n, err := io.ReadFull(in, sealed)
		last := false
		switch {
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: truncated stream", ErrWrongKey)
		case errors.Is(err, io.ErrUnexpectedEOF):
			last = true
		case err != nil:
			return err
		default:
			if _, peekErr := in.Peek(1); errors.Is(peekErr, io.EOF) {
				last = true
			} else if peekErr != nil {
				return peekErr
			}
		}

		nonce, err := chunkNonce(prefix, counter, last)
		if err != nil {
			return err
		}
		plain, err = aead.Open(plain[:0], nonce, sealed[:n], gcmMagic)
		if err != nil {
			return fmt.Errorf("%w: chunk %d", ErrWrongKey, counter)
		}
		if _, err := dst.Write(plain); err != nil {
			return err
		}
		if last {
			return nil
		}
	}
}

func (g *GCMEncryptor) ContentType() string {
	return "application/octet-stream"
}

func (g *GCMEncryptor) Extension() string {
	return ".enc"
}
