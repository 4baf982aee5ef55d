package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"slotguard/internal/domain"
)

// Message is the JSON body published for every event.
type Message struct {
	ID        string       `json:"id"`
	Kind      Kind         `json:"kind"`
	Queue     string       `json:"queue"`
	Task      *TaskPayload `json:"task,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

type TaskPayload struct {
	ID     string          `json:"id,omitempty"`
	Type   string          `json:"type"`
	Args   json.RawMessage `json:"args,omitempty"`
	Kwargs json.RawMessage `json:"kwargs,omitempty"`
}

func newMessage(queue string, kind Kind, task *domain.Task, ts time.Time) Message {
	msg := Message{ID: uuid.NewString(), Kind: kind, Queue: queue, Timestamp: ts}
	if task != nil {
		msg.Task = &TaskPayload{ID: task.ID, Type: task.Type, Args: task.Args, Kwargs: task.Kwargs}
	}
	return msg
}

// AMQP publishes events to a topic exchange with the event kind as routing
// key. A dropped connection is redialled on the next publish.
type AMQP struct {
	url      string
	exchange string
	queue    string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialAMQP connects and declares the exchange.
func DialAMQP(url, exchange, queue string) (*AMQP, error) {
	a := &AMQP{url: url, exchange: exchange, queue: queue}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connectLocked(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AMQP) connectLocked() error {
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", a.exchange, err)
	}
	a.conn, a.ch = conn, ch
	log.Info().Str("exchange", a.exchange).Msg("connected to RabbitMQ")
	return nil
}

func (a *AMQP) EmitStatus(ctx context.Context, kind Kind, ts time.Time) {
	a.publish(ctx, newMessage(a.queue, kind, nil, ts))
}

func (a *AMQP) EmitTask(ctx context.Context, kind Kind, task domain.Task, ts time.Time) {
	a.publish(ctx, newMessage(a.queue, kind, &task, ts))
}

func (a *AMQP) publish(ctx context.Context, msg Message) {
	body, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("event", string(msg.Kind)).Msg("marshal event")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || a.conn.IsClosed() {
		if err := a.connectLocked(); err != nil {
			log.Warn().Err(err).Str("event", string(msg.Kind)).Msg("event dropped")
			return
		}
	}
	err = a.ch.PublishWithContext(ctx, a.exchange, string(msg.Kind), false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   msg.ID,
		Timestamp:   msg.Timestamp,
		Body:        body,
	})
	if err != nil {
		log.Warn().Err(err).Str("event", string(msg.Kind)).Msg("publish event")
	}
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	if a.ch != nil {
		_ = a.ch.Close()
	}
	err := a.conn.Close()
	a.conn, a.ch = nil, nil
	return err
}
