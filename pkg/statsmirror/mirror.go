// Package statsmirror mirrors a snapshot of scheduler gauges into Redis for
// external dashboards. It is write-only and optional: the scheduler never
// reads this state back, so it cannot become a second source of truth for
// anything the spec's persistence/crash-recovery non-goal excludes.
package statsmirror

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Snapshot is one point-in-time view of scheduler state worth publishing.
type Snapshot struct {
	BacklogDepth int
	ReadySlots   int
	QueueDepths  []int // per-batcher, index = batcher index
}

func (s Snapshot) fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d:%d:", s.BacklogDepth, s.ReadySlots)
	for _, d := range s.QueueDepths {
		fmt.Fprintf(&b, "%d,", d)
	}
	return b.String()
}

// Mirror periodically HSETs a Snapshot under a single Redis hash key,
// skipping the write when the snapshot is identical to the last one
// published so a quiet deployment does not hammer Redis.
type Mirror struct {
	client *redis.Client
	key    string
	logger logr.Logger
	seen   *lru.Cache[string, string]
}

// New connects to addr (a bare host:port, or a full redis://.../rediss://
// URL) and returns a Mirror that publishes snapshots under key. Grounded on
// the teacher's redis.ParseURL usage in pkg/config/config_test.go, extended
// here to accept either form the way that test normalizes bare addresses.
func New(addr, key string, logger logr.Logger) (*Mirror, error) {
	url := addr
	if !strings.HasPrefix(url, "redis://") && !strings.HasPrefix(url, "rediss://") && !strings.HasPrefix(url, "unix://") {
		url = "redis://" + url
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("statsmirror: parse redis address %q: %w", addr, err)
	}

	seen, err := lru.New[string, string](1)
	if err != nil {
		return nil, fmt.Errorf("statsmirror: build dedup cache: %w", err)
	}

	return &Mirror{
		client: redis.NewClient(opts),
		key:    key,
		logger: logger,
		seen:   seen,
	}, nil
}

// Publish writes snap to Redis, skipping the write entirely if it is
// identical to the last snapshot this Mirror published.
func (m *Mirror) Publish(ctx context.Context, snap Snapshot) error {
	fp := snap.fingerprint()
	if last, ok := m.seen.Get(m.key); ok && last == fp {
		return nil
	}

	fields := map[string]any{
		"backlog_depth": snap.BacklogDepth,
		"ready_slots":   snap.ReadySlots,
	}
	for i, depth := range snap.QueueDepths {
		fields["queue_depth_"+strconv.Itoa(i)] = depth
	}

	if err := m.client.HSet(ctx, m.key, fields).Err(); err != nil {
		return fmt.Errorf("statsmirror: publish: %w", err)
	}
	m.seen.Add(m.key, fp)
	return nil
}

// Close releases the underlying Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}
