// Package events names realtime channels and encodes the events published on them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pxp888/partyshot/pkg/errors"
)

// Channel prefixes.
const (
	AlbumPrefix = "album-"
	UserPrefix  = "user-"
)

// Event types.
const (
	TypePhotoAdded   = "photoAdded"
	TypePhotoDeleted = "photoDeleted"
	TypeAlbumUpdated = "albumUpdated"
	TypeAlbumDeleted = "albumDeleted"
)

// AlbumChannel returns the channel carrying events for one album.
func AlbumChannel(code string) string { return AlbumPrefix + code }

// UserChannel returns the channel carrying events for one user's album list.
func UserChannel(username string) string { return UserPrefix + username }

// ParseChannel splits a channel name into its kind ("album" or "user") and key.
func ParseChannel(channel string) (kind, key string, ok bool) {
	switch {
	case strings.HasPrefix(channel, AlbumPrefix) && len(channel) > len(AlbumPrefix):
		return "album", strings.TrimPrefix(channel, AlbumPrefix), true
	case strings.HasPrefix(channel, UserPrefix) && len(channel) > len(UserPrefix):
		return "user", strings.TrimPrefix(channel, UserPrefix), true
	}
	return "", "", false
}

// Event is the wire envelope delivered to clients.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
}

// Photo identifies a photo inside an album.
type Photo struct {
	ID        string `json:"id"`
	AlbumCode string `json:"albumCode"`
	Filename  string `json:"filename,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Album is the album summary sent with album events.
type Album struct {
	Code  string `json:"code"`
	Name  string `json:"name,omitempty"`
	Owner string `json:"owner,omitempty"`
}

// Encode builds the JSON text for an event of the given type.
func Encode(eventType string, payload any, now time.Time) (string, error) {
	if eventType == "" {
		return "", errors.NewValidationError("type", "event type is required", nil)
	}
	ev := Event{Type: eventType, SentAt: now.UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		ev.Payload = raw
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return string(b), nil
}

// Decode parses an event envelope.
func Decode(text string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(text), &ev); err != nil {
		return Event{}, errors.NewValidationError("event", "malformed event", text)
	}
	return ev, nil
}

// Sink is the subset of a broker the Publisher needs.
type Sink interface {
	Publish(ctx context.Context, channel, payload string) error
}

// Publisher encodes typed events and publishes them to album and user channels.
type Publisher struct {
	sink Sink
	now  func() time.Time
}

// NewPublisher creates a Publisher writing to sink.
func NewPublisher(sink Sink) *Publisher {
	return &Publisher{sink: sink, now: time.Now}
}

// Publish encodes payload as an event of eventType and sends it to channel.
func (p *Publisher) Publish(ctx context.Context, channel, eventType string, payload any) error {
	text, err := Encode(eventType, payload, p.now())
	if err != nil {
		return err
	}
	if err := p.sink.Publish(ctx, channel, text); err != nil {
		return errors.Wrapf(err, "publish %s to %s", eventType, channel)
	}
	return nil
}

// PhotoAdded notifies viewers of the photo's album.
func (p *Publisher) PhotoAdded(ctx context.Context, photo Photo) error {
	return p.Publish(ctx, AlbumChannel(photo.AlbumCode), TypePhotoAdded, photo)
}

// PhotoDeleted notifies viewers of the photo's album.
func (p *Publisher) PhotoDeleted(ctx context.Context, photo Photo) error {
	return p.Publish(ctx, AlbumChannel(photo.AlbumCode), TypePhotoDeleted, photo)
}

// AlbumUpdated notifies album viewers and, when the owner is known, the owner's album list.
func (p *Publisher) AlbumUpdated(ctx context.Context, album Album) error {
	return p.albumEvent(ctx, TypeAlbumUpdated, album)
}

// AlbumDeleted is AlbumUpdated for removals.
func (p *Publisher) AlbumDeleted(ctx context.Context, album Album) error {
	return p.albumEvent(ctx, TypeAlbumDeleted, album)
}

func (p *Publisher) albumEvent(ctx context.Context, eventType string, album Album) error {
	if err := p.Publish(ctx, AlbumChannel(album.Code), eventType, album); err != nil {
		return err
	}
	if album.Owner == "" {
		return nil
	}
	return p.Publish(ctx, UserChannel(album.Owner), eventType, album)
}
