// Package rabbitmq is the messaging gateway: it consumes processor-result
// envelopes from the subscription queue and publishes to the email, realtime
// and dead-letter topics.
package rabbitmq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/subalert/notification-worker/internal/apperrors"
	"github.com/subalert/notification-worker/internal/metrics"
	"github.com/subalert/notification-worker/internal/notification"
)

// Handler processes one delivery body. The returned error's taxonomy code
// drives the ack/nack/DLQ disposition.
type Handler interface {
	Handle(ctx context.Context, body []byte, messageID string) error
}

// HealthSink receives dependency-health callbacks; satisfied by the status
// tracker.
type HealthSink interface {
	SetPubSubActive(active bool, err error)
	SetSubscriptionActive(active bool, err error)
}

type Config struct {
	URL      string
	Exchange string
	Queue    string
	BindKeys []string
	Prefetch int
	Tag      string

	Topics      Topics
	WorkerSlots int
	TaskTimeout time.Duration
}

// Gateway owns the AMQP connection, the consume/publish channels and the
// reconnect supervisor. Delivery is at-least-once; the pipeline behind
// Handler is idempotency-guarded.
type Gateway struct {
	cfg     Config
	handler Handler
	health  HealthSink
	lg      zerolog.Logger

	// Tasks run on their own context, detached from the consume context: a
	// shutdown signal stops intake while in-flight work keeps its deadline
	// until the drain grace expires.
	taskCtx    context.Context
	taskCancel context.CancelFunc

	mu      sync.Mutex
	running bool
	doneCh  chan struct{}

	conn      *amqp.Connection
	chConsume *amqp.Channel
	chPublish *amqp.Channel

	deliveries <-chan amqp.Delivery
	pub        *FanoutPublisher
	pool       *workerPool
}

func NewGateway(cfg Config, handler Handler, health HealthSink, lg zerolog.Logger) *Gateway {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 60 * time.Second
	}
	taskCtx, taskCancel := context.WithCancel(context.Background())
	return &Gateway{
		cfg:        cfg,
		handler:    handler,
		health:     health,
		lg:         lg.With().Str("component", "messaging_gateway").Logger(),
		taskCtx:    taskCtx,
		taskCancel: taskCancel,
		pool:       newWorkerPool(cfg.WorkerSlots),
	}
}

// SetHandler binds the pipeline. The notification service publishes through
// this gateway, so the handler graph is built after the gateway and bound
// here before Subscribe.
func (g *Gateway) SetHandler(h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		g.handler = h
	}
}

// Subscribe starts the consume supervisor. Safe to call once; subsequent
// calls while running are no-ops.
func (g *Gateway) Subscribe(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return nil
	}
	if g.handler == nil {
		return fmt.Errorf("nil handler")
	}

	g.doneCh = make(chan struct{})
	g.running = true
	go g.run(ctx)
	return nil
}

// Close stops intake, lets queued and in-flight tasks finish within ctx and
// tears the connection down. The publish channel stays open during the drain
// so fanout and dead-letter copies from running tasks still go out; tasks are
// cancelled only once ctx expires.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	running := g.running
	doneCh := g.doneCh
	g.running = false
	chConsume := g.chConsume
	g.chConsume = nil
	g.mu.Unlock()

	// Closing only the consume channel stops deliveries without touching the
	// publish channel.
	if chConsume != nil {
		_ = chConsume.Close()
	}

	if running && doneCh != nil {
		select {
		case <-doneCh:
		case <-ctx.Done():
		}
	}

	drained := make(chan struct{})
	go func() {
		g.pool.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		g.taskCancel()
		<-drained
	}

	g.taskCancel()
	g.closeConn()
	return err
}

func (g *Gateway) run(ctx context.Context) {
	defer func() {
		g.mu.Lock()
		doneCh := g.doneCh
		g.doneCh = nil
		g.running = false
		g.mu.Unlock()
		if doneCh != nil {
			close(doneCh)
		}
	}()

	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			g.lg.Info().Msg("consumer supervisor exiting (ctx cancelled)")
			return
		default:
		}
		if !g.isRunning() {
			g.lg.Info().Msg("consumer supervisor exiting (stopped)")
			return
		}

		if err := g.connectAndDeclare(); err != nil {
			g.health.SetPubSubActive(false, err)
			g.lg.Error().Err(err).Dur("backoff", backoff).Msg("connect failed; retrying")
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = minDur(backoff*2, maxBackoff)
			continue
		}

		g.health.SetPubSubActive(true, nil)
		g.health.SetSubscriptionActive(true, nil)
		backoff = 1 * time.Second

		g.consumeLoop(ctx)

		select {
		case <-ctx.Done():
			return
		default:
		}
		if !g.isRunning() {
			// Close took the consume channel down; the connection stays up
			// for the drain.
			return
		}

		err := fmt.Errorf("deliveries channel closed")
		g.health.SetSubscriptionActive(false, err)
		g.lg.Warn().Dur("backoff", backoff).Msg("deliveries closed; reconnecting")
		g.closeConn()

		if !sleepOrDone(ctx, backoff) {
			return
		}
		backoff = minDur(backoff*2, maxBackoff)
	}
}

func (g *Gateway) isRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *Gateway) connectAndDeclare() error {
	g.closeConn()

	conn, err := amqp.Dial(g.cfg.URL)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}

	chConsume, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("consume channel: %w", err)
	}
	chPublish, err := conn.Channel()
	if err != nil {
		_ = chConsume.Close()
		_ = conn.Close()
		return fmt.Errorf("publish channel: %w", err)
	}

	closeAll := func() {
		_ = chPublish.Close()
		_ = chConsume.Close()
		_ = conn.Close()
	}

	if err := chConsume.ExchangeDeclare(g.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		closeAll()
		return fmt.Errorf("exchange declare: %w", err)
	}

	// Main queue + bindings.
	if _, err := chConsume.QueueDeclare(g.cfg.Queue, true, false, false, false, nil); err != nil {
		closeAll()
		return fmt.Errorf("queue declare: %w", err)
	}
	for _, key := range g.cfg.BindKeys {
		k := strings.TrimSpace(key)
		if k == "" {
			continue
		}
		if err := chConsume.QueueBind(g.cfg.Queue, k, g.cfg.Exchange, false, nil); err != nil {
			closeAll()
			return fmt.Errorf("queue bind (%s): %w", k, err)
		}
	}

	// The worker owns the DLQ binding; DLQ publishes must always route.
	dlqQueue := g.cfg.Queue + ".dlq"
	if _, err := chConsume.QueueDeclare(dlqQueue, true, false, false, false, nil); err != nil {
		closeAll()
		return fmt.Errorf("dlq queue declare: %w", err)
	}
	if err := chConsume.QueueBind(dlqQueue, g.cfg.Topics.DLQ, g.cfg.Exchange, false, nil); err != nil {
		closeAll()
		return fmt.Errorf("dlq queue bind: %w", err)
	}

	if g.cfg.Prefetch > 0 {
		if err := chConsume.Qos(g.cfg.Prefetch, 0, false); err != nil {
			closeAll()
			return fmt.Errorf("qos: %w", err)
		}
	}

	dlv, err := chConsume.Consume(g.cfg.Queue, g.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		closeAll()
		return fmt.Errorf("consume: %w", err)
	}

	pub, err := NewFanoutPublisher(chPublish, g.cfg.Exchange, g.cfg.Topics, g.lg)
	if err != nil {
		closeAll()
		return fmt.Errorf("fanout publisher: %w", err)
	}

	g.mu.Lock()
	g.conn = conn
	g.chConsume = chConsume
	g.chPublish = chPublish
	g.deliveries = dlv
	g.pub = pub
	g.mu.Unlock()

	g.lg.Info().
		Str("exchange", g.cfg.Exchange).
		Str("queue", g.cfg.Queue).
		Strs("bind_keys", g.cfg.BindKeys).
		Int("prefetch", g.cfg.Prefetch).
		Int("worker_slots", g.cfg.WorkerSlots).
		Msg("messaging gateway ready (confirm+mandatory enabled)")
	return nil
}

func (g *Gateway) consumeLoop(ctx context.Context) {
	g.mu.Lock()
	deliveries := g.deliveries
	g.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			g.lg.Info().Msg("consume loop context cancelled")
			return
		case d, ok := <-deliveries:
			if !ok {
				g.lg.Warn().Msg("deliveries channel closed")
				return
			}
			g.pool.Submit(func() {
				metrics.IncWorkerSlots()
				defer metrics.DecWorkerSlots()
				g.handleDelivery(d)
			})
		}
	}
}

func (g *Gateway) handleDelivery(d amqp.Delivery) {
	start := time.Now()
	tctx, cancel := context.WithTimeout(g.taskCtx, g.cfg.TaskTimeout)
	defer cancel()

	err := g.handler.Handle(tctx, d.Body, d.MessageId)

	switch Decide(err, d.Redelivered) {
	case DispositionAck:
		_ = d.Ack(false)
		g.lg.Info().Str("message_id", d.MessageId).Dur("took", time.Since(start)).Msg("message processed")

	case DispositionRequeue:
		_ = d.Nack(false, true)
		g.lg.Warn().Err(err).Str("message_id", d.MessageId).Msg("unexpected failure; nack for redelivery")

	case DispositionDLQ:
		g.toDLQ(tctx, d, err)
	}
}

func (g *Gateway) toDLQ(ctx context.Context, d amqp.Delivery, cause error) {
	pub := g.publisher()
	if pub == nil {
		_ = d.Nack(false, true)
		g.lg.Error().Err(cause).Msg("no publisher for DLQ; nack for redelivery")
		return
	}

	if _, perr := pub.PublishDLQ(ctx, d.Body, cause); perr != nil {
		// Without a durable DLQ copy the message would be lost; requeue.
		_ = d.Nack(false, true)
		g.lg.Error().Err(perr).Msg("DLQ publish failed; nack for redelivery")
		return
	}

	_ = d.Ack(false)
	reason := string(apperrors.CodeOf(cause))
	metrics.RecordDLQMessage(reason)
	g.lg.Error().Err(cause).Str("reason", reason).Msg("message dead-lettered")
}

// publisher returns the current fanout publisher, nil while disconnected.
func (g *Gateway) publisher() *FanoutPublisher {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pub
}

// PublishEmail satisfies notification.Publisher through the live channel.
func (g *Gateway) PublishEmail(ctx context.Context, topic notification.EmailTopic, payload notification.EmailPayload) (string, error) {
	pub := g.publisher()
	if pub == nil {
		return "", errNotConnected()
	}
	return pub.PublishEmail(ctx, topic, payload)
}

func (g *Gateway) PublishRealtime(ctx context.Context, payload notification.RealtimePayload) (string, error) {
	pub := g.publisher()
	if pub == nil {
		return "", errNotConnected()
	}
	return pub.PublishRealtime(ctx, payload)
}

func (g *Gateway) closeConn() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chPublish != nil {
		_ = g.chPublish.Close()
		g.chPublish = nil
	}
	if g.chConsume != nil {
		_ = g.chConsume.Close()
		g.chConsume = nil
	}
	if g.conn != nil {
		_ = g.conn.Close()
		g.conn = nil
	}
	g.deliveries = nil
	g.pub = nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func errNotConnected() error {
	return apperrors.NewPubSubConnection("pubsub channel not connected", nil)
}
