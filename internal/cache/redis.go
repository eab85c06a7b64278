package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sameanonim/imageboard/internal/config"
	"github.com/sameanonim/imageboard/internal/models"
)

func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return client, nil
}

// PostInvalidator drops the cached page fragments of the post that owns a processed file.
type PostInvalidator struct {
	client    redis.Cmdable
	templates []string
}

// NewPostInvalidator takes key templates with one %d verb for the post id.
func NewPostInvalidator(client redis.Cmdable, templates []string) *PostInvalidator {
	kept := make([]string, 0, len(templates))
	for _, t := range templates {
		if t = strings.TrimSpace(t); t != "" {
			kept = append(kept, t)
		}
	}
	return &PostInvalidator{client: client, templates: kept}
}

func (p *PostInvalidator) Keys(postID int64) []string {
	keys := make([]string, 0, len(p.templates))
	for _, t := range p.templates {
		if strings.Contains(t, "%d") {
			keys = append(keys, fmt.Sprintf(t, postID))
		} else {
			keys = append(keys, t)
		}
	}
	return keys
}

// OnProcessed is a no-op for files that are not attached yet.
func (p *PostInvalidator) OnProcessed(ctx context.Context, f models.File) error {
	if f.OwningPostID == nil || len(p.templates) == 0 {
		return nil
	}
	return p.Invalidate(ctx, *f.OwningPostID)
}

func (p *PostInvalidator) Invalidate(ctx context.Context, postID int64) error {
	if err := p.client.Del(ctx, p.Keys(postID)...).Err(); err != nil {
		return fmt.Errorf("invalidate post %d: %w", postID, err)
	}
	return nil
}
