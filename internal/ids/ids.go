package ids

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
)

func New() string {
	return ksuid.New().String()
}

// ObjectKey builds a date-prefixed storage key. Client filenames never reach it.
func ObjectKey(now time.Time, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	datePrefix := now.UTC().Format("2006/01/02")
	return path.Join(datePrefix, fmt.Sprintf("%s.%s", New(), ext))
}

// VariantKey derives the normalized or thumbnail key from a stored key.
func VariantKey(storedKey, suffix, ext string) string {
	base := strings.TrimSuffix(storedKey, path.Ext(storedKey))
	return fmt.Sprintf("%s_%s.%s", base, suffix, ext)
}
