package rediskv

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

// Broker bridges job progress events over Redis pub/sub. One channel per job:
// {prefix}:ws:jobs:{job_id}.
type Broker struct {
	kv     *Client
	prefix string
}

// NewBroker constructs a Broker on top of the KV client.
func NewBroker(kv *Client, prefix string) *Broker {
	return &Broker{kv: kv, prefix: prefix}
}

func (b *Broker) channel(jobID string) string {
	return fmt.Sprintf("%s:ws:jobs:%s", b.prefix, jobID)
}

// Publish marshals the event and sends it on the job's channel. Delivery is
// best-effort; the job record remains the source of truth.
func (b *Broker) Publish(ctx domain.Context, jobID string, ev domain.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=rediskv.Broker.Publish: %w: %v", domain.ErrInternal, err)
	}
	return b.kv.Publish(ctx, b.channel(jobID), string(payload))
}

// Subscribe yields decoded events for jobID until cancel is called. Frames
// that fail to decode are dropped with a warning.
func (b *Broker) Subscribe(ctx domain.Context, jobID string) (<-chan domain.ProgressEvent, func(), error) {
	raw, cancel, err := b.kv.Subscribe(ctx, b.channel(jobID))
	if err != nil {
		return nil, nil, err
	}
	out := make(chan domain.ProgressEvent, 16)
	go func() {
		defer close(out)
		for payload := range raw {
			var ev domain.ProgressEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				slog.Warn("progress frame decode failed", slog.String("job_id", jobID), slog.Any("error", err))
				continue
			}
			out <- ev
		}
	}()
	return out, cancel, nil
}

var _ domain.ProgressBroker = (*Broker)(nil)
