package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the NATS subject prefix for level snapshot announcements
const DefaultSubjectPrefix = "minerisk.snapshots"

// Publisher announces persisted level snapshots to downstream consumers
type Publisher interface {
	PublishLevel(ctx context.Context, ls *LevelSnapshot) error
}

// NATSPublisher publishes level snapshots as JSON on <prefix>.level.<n>
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher creates a publisher over an established connection
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject a level's snapshots are published on
func (p *NATSPublisher) Subject(level int) string {
	return p.prefix + ".level." + strconv.Itoa(level)
}

// PublishLevel publishes ls
func (p *NATSPublisher) PublishLevel(ctx context.Context, ls *LevelSnapshot) error {
	if p.conn == nil || !p.conn.IsConnected() {
		return fmt.Errorf("NATS connection not available")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(ls)
	if err != nil {
		return fmt.Errorf("failed to marshal level snapshot: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-snapshot-id", ls.SnapshotID)
	headers.Set("x-level", strconv.Itoa(ls.LevelNumber))
	headers.Set("x-band", string(ls.Band))

	msg := &nats.Msg{
		Subject: p.Subject(ls.LevelNumber),
		Data:    data,
		Header:  headers,
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish level snapshot: %w", err)
	}
	return nil
}
