package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

var _ Publisher = (*NATSPublisher)(nil)

func TestNATSPublisherSubject(t *testing.T) {
	assert.Equal(t, "minerisk.snapshots.level.3", NewNATSPublisher(nil, "").Subject(3))
	assert.Equal(t, "site-a.risk.level.12", NewNATSPublisher(nil, "site-a.risk").Subject(12))
}

func TestNATSPublisherNotConnected(t *testing.T) {
	p := NewNATSPublisher(nil, "")
	err := p.PublishLevel(context.Background(), &LevelSnapshot{LevelNumber: 1})
	assert.ErrorContains(t, err, "not available")
}
