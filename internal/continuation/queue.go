package continuation

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
)

const (
	metaRunID = "run_id"
	metaDepth = "hop_depth"
)

// NewPubSub builds the publisher and subscriber for cfg.Backend.
func NewPubSub(cfg config.QueueConfig, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	switch cfg.Backend {
	case "", "gochannel":
		ps := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
			Persistent:          false,
		}, logger)
		return ps, ps, nil

	case "kafka":
		if len(cfg.Brokers) == 0 {
			return nil, nil, eris.New("continuation: queue.brokers is required for kafka")
		}

		subCfg := kafka.DefaultSaramaSubscriberConfig()
		subCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
		sub, err := kafka.NewSubscriber(kafka.SubscriberConfig{
			Brokers:               cfg.Brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: subCfg,
			ConsumerGroup:         cfg.ConsumerGroup,
		}, logger)
		if err != nil {
			return nil, nil, eris.Wrap(err, "continuation: kafka subscriber")
		}

		pubCfg := sarama.NewConfig()
		pubCfg.Producer.Return.Successes = true
		pub, err := kafka.NewPublisher(kafka.PublisherConfig{
			Brokers:               cfg.Brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: pubCfg,
		}, logger)
		if err != nil {
			_ = sub.Close()
			return nil, nil, eris.Wrap(err, "continuation: kafka publisher")
		}
		return pub, sub, nil
	}
	return nil, nil, eris.Errorf("continuation: unknown queue backend %q", cfg.Backend)
}

// Topic returns the topic for phase under prefix.
func Topic(prefix string, phase Phase) string {
	return prefix + "." + string(phase)
}

// Queue publishes hops to <prefix>.a and <prefix>.b, alternating.
type Queue struct {
	pub    message.Publisher
	prefix string
}

// NewQueue creates the queue driver.
func NewQueue(pub message.Publisher, prefix string) *Queue {
	return &Queue{pub: pub, prefix: prefix}
}

// Schedule publishes the hop.
func (q *Queue) Schedule(ctx context.Context, runID string, stage model.Stage) error {
	phase, depth := HopFrom(ctx)
	payload, err := json.Marshal(Hop{RunID: runID, Stage: stage})
	if err != nil {
		return eris.Wrap(err, "continuation: marshal hop")
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metaRunID, runID)
	msg.Metadata.Set(metaDepth, strconv.Itoa(depth+1))
	topic := Topic(q.prefix, phase.Next())
	if err := q.pub.Publish(topic, msg); err != nil {
		return eris.Wrapf(err, "continuation: publish to %s", topic)
	}
	return nil
}

// Worker consumes both phase topics and runs each hop.
type Worker struct {
	sub    message.Subscriber
	prefix string
	proc   Processor
}

// NewWorker creates a queue consumer.
func NewWorker(sub message.Subscriber, prefix string, proc Processor) *Worker {
	return &Worker{sub: sub, prefix: prefix, proc: proc}
}

// Run subscribes and handles messages until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, phase := range []Phase{PhaseA, PhaseB} {
		topic := Topic(w.prefix, phase)
		msgs, err := w.sub.Subscribe(ctx, topic)
		if err != nil {
			return eris.Wrapf(err, "continuation: subscribe %s", topic)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range msgs {
				w.handle(ctx, phase, msg)
			}
		}()
	}
	zap.L().Info("continuation: queue worker running", zap.String("prefix", w.prefix))

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) handle(ctx context.Context, phase Phase, msg *message.Message) {
	var hop Hop
	if err := json.Unmarshal(msg.Payload, &hop); err != nil || hop.RunID == "" {
		zap.L().Error("continuation: dropping malformed hop", zap.String("uuid", msg.UUID), zap.Error(err))
		msg.Ack()
		return
	}

	depth, _ := strconv.Atoi(msg.Metadata.Get(metaDepth))
	ctx = WithHop(ctx, phase, depth)
	if err := w.proc.ProcessStage(ctx, hop.RunID, hop.Stage); err != nil {
		zap.L().Error("continuation: hop failed, redelivering",
			zap.String("run_id", hop.RunID),
			zap.String("stage", string(hop.Stage)),
			zap.Error(err),
		)
		msg.Nack()
		return
	}
	msg.Ack()
}
