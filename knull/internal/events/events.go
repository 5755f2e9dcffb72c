// Package events publishes build lifecycle events to a pubsub topic.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"
)

// DefaultTopic is used when no topic URL is configured.
const DefaultTopic = "mem://knull_build_events"

// Kind of a build event.
type Kind string

const (
	KindStarted   Kind = "build.started"
	KindSucceeded Kind = "build.succeeded"
	KindFailed    Kind = "build.failed"
	KindCancelled Kind = "build.cancelled"
)

// Event describes a build lifecycle transition.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	BuildID   int64     `json:"build_id"`
	JobID     int64     `json:"job_id"`
	JobName   string    `json:"job_name"`
	Status    string    `json:"status"`
	CommitSHA string    `json:"commit_sha"`
	Branch    string    `json:"branch"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher sends build events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// TopicPublisher publishes JSON encoded events to a pubsub topic.
type TopicPublisher struct {
	topic *pubsub.Topic
}

// OpenTopic opens the topic at a gocloud URL such as "mem://knull_build_events".
func OpenTopic(ctx context.Context, topicURL string) (*TopicPublisher, error) {
	if topicURL == "" {
		topicURL = DefaultTopic
	}
	topic, err := pubsub.OpenTopic(ctx, topicURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open build events topic %q: %w", topicURL, err)
	}
	return NewTopicPublisher(topic), nil
}

// NewTopicPublisher publishes to an already opened topic.
func NewTopicPublisher(topic *pubsub.Topic) *TopicPublisher {
	return &TopicPublisher{topic: topic}
}

// Publish sends ev, assigning an id and timestamp when missing.
func (p *TopicPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal build event: %w", err)
	}
	err = p.topic.Send(ctx, &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			"kind":     string(ev.Kind),
			"build_id": strconv.FormatInt(ev.BuildID, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event for build %d: %w", ev.Kind, ev.BuildID, err)
	}
	return nil
}

// Shutdown flushes pending messages and closes the topic.
func (p *TopicPublisher) Shutdown(ctx context.Context) error {
	return p.topic.Shutdown(ctx)
}

// Decode parses an event received from a subscription.
func Decode(msg *pubsub.Message) (Event, error) {
	var ev Event
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal build event: %w", err)
	}
	return ev, nil
}

// Discard drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, Event) error { return nil }
