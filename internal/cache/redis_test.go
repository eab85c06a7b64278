package cache

import (
	"context"
	"reflect"
	"testing"

	"github.com/sameanonim/imageboard/internal/models"
)

func TestPostInvalidatorKeys(t *testing.T) {
	p := NewPostInvalidator(nil, []string{"imageboard:post:%d", " ", "imageboard:post:%d:files", "imageboard:index"})

	got := p.Keys(42)
	want := []string{"imageboard:post:42", "imageboard:post:42:files", "imageboard:index"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestPostInvalidatorSkipsOrphans(t *testing.T) {
	// A nil client would panic if the orphan were not skipped.
	p := NewPostInvalidator(nil, []string{"imageboard:post:%d"})
	if err := p.OnProcessed(context.Background(), models.File{ID: 1}); err != nil {
		t.Fatalf("OnProcessed: %v", err)
	}
}
