package bus

import (
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-notes/internal/progress"
	"github.com/loqalabs/loqa-notes/internal/protocol"
	"github.com/nats-io/nats.go"
)

// ProgressPublisher forwards batch notifications to NATS.
type ProgressPublisher struct {
	client *Client
}

func NewProgressPublisher(client *Client) *ProgressPublisher {
	return &ProgressPublisher{client: client}
}

func (p *ProgressPublisher) Progress(e progress.Event) {
	p.publish(protocol.SubjectBatchProgress, protocol.BatchProgress{
		RunID:       e.RunID,
		RecordingID: e.RecordingID,
		Filename:    e.Filename,
		Status:      string(e.Status),
		Current:     e.Current,
		Total:       e.Total,
		Timestamp:   e.Timestamp.UTC(),
	})
}

func (p *ProgressPublisher) Complete(c progress.Completion) {
	p.publish(protocol.SubjectBatchComplete, protocol.BatchComplete{
		RunID:     c.RunID,
		Total:     c.Total,
		Canceled:  c.Canceled,
		Timestamp: c.Timestamp.UTC(),
	})
}

func (p *ProgressPublisher) publish(subject string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.client.log.Warn("failed to marshal batch message", slogError(err))
		return
	}
	if err := p.client.conn.Publish(subject, data); err != nil {
		p.client.log.Warn("failed to publish batch message", slogError(err))
	}
}

// SubscribeTriggers decodes run requests from the trigger subject. When the
// sender used request/reply, the handler's verdict is sent back.
func (c *Client) SubscribeTriggers(handle func(protocol.BatchTrigger) error) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(protocol.SubjectBatchTrigger, func(msg *nats.Msg) {
		var trigger protocol.BatchTrigger
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &trigger); err != nil {
				c.log.Warn("failed to decode batch trigger", slogError(err))
				c.reply(msg, fmt.Errorf("decode trigger: %w", err))
				return
			}
		}
		c.reply(msg, handle(trigger))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe batch triggers: %w", err)
	}
	return sub, nil
}

func (c *Client) reply(msg *nats.Msg, handleErr error) {
	if msg.Reply == "" {
		return
	}
	resp := protocol.TriggerReply{Accepted: handleErr == nil}
	if handleErr != nil {
		resp.Error = handleErr.Error()
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		c.log.Warn("failed to reply to batch trigger", slogError(err))
	}
}
