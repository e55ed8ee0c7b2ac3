package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/subalert/notification-worker/internal/apperrors"
	"github.com/subalert/notification-worker/internal/notification"
)

// publish reliability window
const publishWait = 250 * time.Millisecond

// Topics holds the outbound routing keys on the worker's topic exchange.
type Topics struct {
	DLQ            string
	EmailImmediate string
	EmailDaily     string
	Realtime       string
}

// DLQPayload is the dead-letter wire shape. Exactly one of OriginalMessage
// (parsed JSON) or RawMessage (unparseable bytes) is set.
type DLQPayload struct {
	OriginalMessage json.RawMessage `json:"original_message,omitempty"`
	RawMessage      string          `json:"raw_message,omitempty"`
	Error           DLQError        `json:"error"`
	Timestamp       string          `json:"timestamp"`
}

type DLQError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// FanoutPublisher publishes to the email, realtime and dead-letter topics on
// one confirm-mode channel. mandatory=true keeps NO_ROUTE observable.
type FanoutPublisher struct {
	ch       *amqp.Channel
	exchange string
	topics   Topics
	lg       zerolog.Logger

	confirmCh <-chan amqp.Confirmation
	returnCh  <-chan amqp.Return
}

func NewFanoutPublisher(ch *amqp.Channel, exchange string, topics Topics, lg zerolog.Logger) (*FanoutPublisher, error) {
	if ch == nil {
		return nil, fmt.Errorf("nil channel")
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("confirm mode: %w", err)
	}

	p := &FanoutPublisher{
		ch:       ch,
		exchange: exchange,
		topics:   topics,
		lg:       lg.With().Str("component", "fanout_publisher").Logger(),
	}

	// Must be registered AFTER Confirm.
	p.confirmCh = ch.NotifyPublish(make(chan amqp.Confirmation, 32))
	p.returnCh = ch.NotifyReturn(make(chan amqp.Return, 32))

	return p, nil
}

func (p *FanoutPublisher) PublishEmail(ctx context.Context, topic notification.EmailTopic, payload notification.EmailPayload) (string, error) {
	rk := p.topics.EmailImmediate
	if topic == notification.EmailDaily {
		rk = p.topics.EmailDaily
	}
	return p.publishJSON(ctx, rk, payload)
}

func (p *FanoutPublisher) PublishRealtime(ctx context.Context, payload notification.RealtimePayload) (string, error) {
	return p.publishJSON(ctx, p.topics.Realtime, payload)
}

// PublishDLQ wraps the failed payload with its error and ships it to the
// dead-letter topic. Parse failures carry the raw bytes verbatim.
func (p *FanoutPublisher) PublishDLQ(ctx context.Context, original []byte, cause error) (string, error) {
	wrapped := DLQPayload{
		Error: DLQError{
			Name:    string(apperrors.CodeOf(cause)),
			Message: cause.Error(),
			Stack:   errorChain(cause),
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if json.Valid(original) {
		wrapped.OriginalMessage = json.RawMessage(original)
	} else {
		wrapped.RawMessage = string(original)
	}
	return p.publishJSON(ctx, p.topics.DLQ, wrapped)
}

func (p *FanoutPublisher) publishJSON(ctx context.Context, routingKey string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.NewPubSubPublish("payload marshal failed", err)
	}

	msgID := uuid.NewString()
	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		MessageId:    msgID,
	}

	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, true, false, pub); err != nil {
		return "", apperrors.NewPubSubPublish(fmt.Sprintf("publish to %q failed", routingKey), err)
	}
	if err := p.waitAckOrReturn(ctx, routingKey); err != nil {
		return "", err
	}
	return msgID, nil
}

func (p *FanoutPublisher) waitAckOrReturn(ctx context.Context, rk string) error {
	timer := time.NewTimer(publishWait)
	defer timer.Stop()

	select {
	case r := <-p.returnCh:
		// NO_ROUTE: without this the message disappears silently.
		return apperrors.NewPubSubPublish(
			fmt.Sprintf("publish returned: reply=%d text=%q rk=%q", r.ReplyCode, r.ReplyText, r.RoutingKey), nil)

	case c := <-p.confirmCh:
		if !c.Ack {
			return apperrors.NewPubSubPublish(fmt.Sprintf("publish nacked by broker (rk=%q)", rk), nil)
		}
		return nil

	case <-timer.C:
		return apperrors.NewPubSubPublish("publish wait timeout (no confirm/return)", errors.New("confirm window elapsed"))

	case <-ctx.Done():
		return ctx.Err()
	}
}

// errorChain renders the unwrap chain; the closest thing to a stack an error
// value carries.
func errorChain(err error) string {
	s := ""
	for e := err; e != nil; e = errors.Unwrap(e) {
		if s != "" {
			s += " <- "
		}
		s += e.Error()
	}
	return s
}
