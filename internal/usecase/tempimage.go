package usecase

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"

	"github.com/example/lesion-diagnostics/internal/imagesource"
)

// withTempImage writes data to a fresh file in dir, passes its path to fn and
// removes the file before returning, including when fn panics.
func withTempImage(dir string, data []byte, fn func(path string)) (err error) {
	f, err := os.CreateTemp(dir, "lesion-*.img")
	if err != nil {
		return fmt.Errorf("create temp image: %w", err)
	}
	path := f.Name()
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) && err == nil {
			err = fmt.Errorf("remove temp image: %w", rmErr)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp image: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp image: %w", err)
	}

	fn(path)
	return nil
}

// decodeInlineImage accepts either a data URI or bare base64.
func decodeInlineImage(payload string) ([]byte, error) {
	if strings.HasPrefix(strings.TrimSpace(payload), "data:") {
		return imagesource.DecodeDataURI(payload)
	}
	return imagesource.DecodeBase64(payload)
}

// inlineImageRef is the reference stored for an inline upload.
func inlineImageRef(data []byte) string {
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		contentType = "image/unknown"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
