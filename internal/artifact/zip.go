package artifact

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/yeka/zip"
)

const defaultEntryName = "dataset"

// ZipEncryptor produces WinZip AES-256 encrypted ZIP archives whose password
// is the purchase key. Such archives open in 7-Zip and most archive tools.
type ZipEncryptor struct{}

func NewZipEncryptor() *ZipEncryptor {
	return &ZipEncryptor{}
}

func (z *ZipEncryptor) Encrypt(dst io.Writer, src io.Reader, name, key string) error {
	if key == "" {
		return errors.New("empty key")
	}

	zw := zip.NewWriter(dst)
	w, err := zw.Encrypt(entryName(name), key, zip.AES256Encryption)
	if err != nil {
		_ = zw.Close()
		return fmt.Errorf("create zip entry: %w", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		_ = zw.Close()
		return fmt.Errorf("write zip entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize zip: %w", err)
	}
	return nil
}

// Decrypt extracts the single entry of an archive produced by Encrypt.
func (z *ZipEncryptor) Decrypt(dst io.Writer, src io.ReaderAt, size int64, key string) error {
	zr, err := zip.NewReader(src, size)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	if len(zr.File) != 1 {
		return fmt.Errorf("expected one zip entry, found %d", len(zr.File))
	}

	f := zr.File[0]
	if !f.IsEncrypted() {
		return errors.New("zip entry is not encrypted")
	}
	f.SetPassword(key)

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrongKey, err)
	}
	defer rc.Close()

	if _, err := io.Copy(dst, rc); err != nil {
		return fmt.Errorf("%w: %v", ErrWrongKey, err)
	}
	return nil
}

func (z *ZipEncryptor) ContentType() string {
	return "application/zip"
}

func (z *ZipEncryptor) Extension() string {
	return ".zip"
}

// entryName strips directories so archives never carry server paths.
func entryName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	base := path.Base(name)
	if base == "." || base == ".." || base == "/" || base == "" {
		return defaultEntryName
	}
	return base
}
