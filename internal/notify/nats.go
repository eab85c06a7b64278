package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sameanonim/imageboard/internal/models"
)

// ProcessedEvent is published for every processed file.
type ProcessedEvent struct {
	FileID        int64     `json:"file_id"`
	PostID        *int64    `json:"post_id,omitempty"`
	Kind          string    `json:"kind"`
	MimeType      string    `json:"mime_type"`
	NormalizedKey string    `json:"normalized_key,omitempty"`
	ThumbnailKey  string    `json:"thumbnail_key"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	ProcessedAt   time.Time `json:"processed_at"`
}

func EventFor(f models.File) ProcessedEvent {
	return ProcessedEvent{
		FileID:        f.ID,
		PostID:        f.OwningPostID,
		Kind:          string(f.DeclaredKind),
		MimeType:      f.MimeType,
		NormalizedKey: f.NormalizedKey,
		ThumbnailKey:  f.ThumbnailKey,
		Width:         f.Width,
		Height:        f.Height,
		ProcessedAt:   f.LastModified.UTC(),
	}
}

type publisher interface {
	Publish(subject string, data []byte) error
}

type NATSPublisher struct {
	conn    *nats.Conn
	pub     publisher
	subject string
}

func ConnectNATS(url, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: nc, pub: nc, subject: subject}, nil
}

func (p *NATSPublisher) OnProcessed(_ context.Context, f models.File) error {
	b, err := json.Marshal(EventFor(f))
	if err != nil {
		return err
	}
	if err := p.pub.Publish(p.subject, b); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
	}
}
