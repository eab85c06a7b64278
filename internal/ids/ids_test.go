package ids

import (
	"strings"
	"testing"
	"time"
)

func TestObjectKey(t *testing.T) {
	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	a := ObjectKey(now, ".PNG")
	b := ObjectKey(now, "png")

	if !strings.HasPrefix(a, "2024/03/09/") || !strings.HasSuffix(a, ".png") {
		t.Errorf("unexpected key %q", a)
	}
	if a == b {
		t.Error("keys must be unique")
	}
}

func TestVariantKey(t *testing.T) {
	got := VariantKey("2024/03/09/abc.webp", "thumb", "jpg")
	if got != "2024/03/09/abc_thumb.jpg" {
		t.Errorf("VariantKey() = %q", got)
	}
}
