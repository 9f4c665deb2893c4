// Package media persists downloaded message media under collision-resistant
// names and reports where it can be fetched from.
package media

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stored describes one written object.
type Stored struct {
	Key  string // object name within the backend
	Path string // local file path, empty for remote backends
	URL  string // public address
}

// Storage writes media bytes and returns their reference.
type Storage interface {
	Save(ctx context.Context, data []byte, mimeType, fileName string) (Stored, error)
}

// UniqueName builds "<unix-ms>-<uuid>.<ext>". The extension comes from the
// original file name when it has one, else from the mime subtype.
func UniqueName(now time.Time, mimeType, fileName string) string {
	return fmt.Sprintf("%d-%s.%s", now.UnixMilli(), uuid.NewString(), extension(mimeType, fileName))
}

var validExt = regexp.MustCompile(`^[a-z0-9]{1,16}$`)

// extension never returns anything but [a-z0-9]; sender-supplied names and
// mime types that do not fit fall back to "bin".
func extension(mimeType, fileName string) string {
	if ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), ".")); validExt.MatchString(ext) {
		return ext
	}
	_, sub, ok := strings.Cut(mimeType, "/")
	if !ok {
		return "bin"
	}
	sub, _, _ = strings.Cut(sub, ";")
	sub, _, _ = strings.Cut(sub, "+")
	sub = strings.TrimSpace(strings.ToLower(sub))
	if !validExt.MatchString(sub) {
		return "bin"
	}
	return sub
}
