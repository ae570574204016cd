// Package streams is the processing runtime: the Kafka consume → execute →
// state-update → produce → commit loop, the checkpoint coordinator that
// seals it, and the rebalance-driven store bootstrap around it. Topics,
// serialization, and the embedded store live in their own packages; this
// one ties them to a pair of franz-go clients.
package streams

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/MarxKrontalPartner/quix-streams/metrics"
	"github.com/MarxKrontalPartner/quix-streams/sak"
	"github.com/MarxKrontalPartner/quix-streams/store"
	"github.com/MarxKrontalPartner/quix-streams/topics"
)

// Application is one stream-processing instance: a set of registered
// pipelines over input topics, the stores they declared, and — once Run is
// called — the clients and loop executing them.
type Application struct {
	cfg   Config
	log   *logrus.Entry
	mets  *metrics.Metrics
	specs map[string]*PipelineSpec

	runStatus sak.RunStatus
}

// NewApplication validates cfg and returns an Application ready for
// Register calls. Run starts processing.
func NewApplication(cfg Config) (*Application, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Application{
		cfg:   cfg,
		log:   logrus.NewEntry(cfg.Logger).WithField("app", cfg.ApplicationID),
		mets:  metrics.New("quixstreams"),
		specs: make(map[string]*PipelineSpec),
	}, nil
}

// Metrics returns the application's Prometheus metrics for mounting on an
// HTTP handler.
func (a *Application) Metrics() *metrics.Metrics { return a.mets }

// Register binds a pipeline to an input topic. Must be called before Run;
// registering the same topic twice is an error.
func (a *Application) Register(spec PipelineSpec) error {
	if spec.Topic == nil || spec.Pipeline == nil {
		return fmt.Errorf("register: topic and pipeline are required")
	}
	if !spec.Topic.CanConsume() {
		return fmt.Errorf("register: topic %q has no deserializers", spec.Topic.Name)
	}
	if _, ok := a.specs[spec.Topic.Name]; ok {
		return fmt.Errorf("register: topic %q already has a pipeline", spec.Topic.Name)
	}
	a.specs[spec.Topic.Name] = &spec
	return nil
}

// Stop asks a running application to shut down: the loop stops polling,
// drains, takes a final checkpoint, and Run returns.
func (a *Application) Stop() {
	a.runStatus.Halt()
}

// Run executes the application until ctx is cancelled, Stop is called, or
// a fatal error halts the loop. On a fatal exit the returned error is a
// *FatalError identifying the phase, TopicPartition, and offset.
func (a *Application) Run(ctx context.Context) error {
	if len(a.specs) == 0 {
		return fmt.Errorf("run: no pipelines registered")
	}
	a.runStatus = sak.NewRunStatus(ctx)
	defer a.runStatus.Halt()

	admin, err := kgo.NewClient(kgo.SeedBrokers(a.cfg.Brokers...))
	if err != nil {
		return fmt.Errorf("creating admin client: %w", err)
	}
	defer admin.Close()

	registry, stores, err := a.prepareTopics(a.runStatus.Ctx(), admin)
	if err != nil {
		return err
	}
	defer closeStores(stores, a.log)

	recoverer := store.NewRecoverer(a.cfg.Brokers, kadm.NewClient(admin), a.cfg.MaxConcurrentRecoveries, a.cfg.ConsumerOpts, a.log)
	recoverer.ReportLag = a.mets.ReportRecoveryLag

	// the rebalance callbacks close over the assignor, which is built
	// after the clients; by the first poll everything is in place
	var asgn *assignor
	callbackOpts := []kgo.Opt{
		kgo.OnPartitionsAssigned(func(ctx context.Context, cl *kgo.Client, m map[string][]int32) { asgn.onAssigned(ctx, cl, m) }),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, m map[string][]int32) { asgn.onRevoked(ctx, cl, m) }),
		kgo.OnPartitionsLost(func(ctx context.Context, cl *kgo.Client, m map[string][]int32) { asgn.onLost(ctx, cl, m) }),
	}

	consumer, producer, cleanup, err := a.buildClients(registry, callbackOpts)
	if err != nil {
		return err
	}
	defer cleanup()

	coord := &coordinator{
		producer:     producer,
		committer:    groupCommitter{client: consumer},
		interval:     a.cfg.CommitInterval,
		every:        a.cfg.CommitEvery,
		flushTimeout: a.cfg.FlushTimeout,
		log:          a.log.WithField("component", "checkpoint"),
		observe:      a.mets.ObserveCheckpoint,
	}

	loop := newEventLoop(a.cfg, consumer, producer, registry, coord, a.runStatus, a.log)
	loop.onSkip = a.mets.SkippedRecords.Inc
	asgn = newAssignor(loop, a.specs, stores, recoverer, a.runStatus, a.log)

	err = loop.run()
	if fe, ok := AsFatal(err); ok {
		a.log.WithFields(logrus.Fields{
			"phase":     string(fe.Phase),
			"partition": fe.TopicPartition.String(),
			"offset":    fe.Offset,
		}).Errorf("processing halted: %v", fe.Err)
	}

	// closing the consumer triggers on-revoke for everything still
	// assigned; the final checkpoint already ran, so those are no-ops
	a.runStatus.Halt()
	asgn.wait()
	return err
}

// prepareTopics registers every input topic, derives and creates the
// changelog topics for declared stores, validates the broker's view of all
// of them, and builds the store handles.
func (a *Application) prepareTopics(ctx context.Context, admin *kgo.Client) (*topics.Manager, map[string]map[string]*store.BoltStore, error) {
	registry := topics.NewManager(admin, a.cfg.ConsumerGroup, a.cfg.ReplicationFactor, a.log)
	for _, spec := range a.specs {
		registry.RegisterInput(spec.Topic)
	}
	if err := registry.CreateAll(ctx); err != nil {
		return nil, nil, fmt.Errorf("creating input topics: %w", err)
	}
	if err := registry.ValidateAll(ctx); err != nil {
		return nil, nil, fmt.Errorf("validating input topics: %w", err)
	}

	stores := make(map[string]map[string]*store.BoltStore)
	for _, spec := range a.specs {
		byName := make(map[string]*store.BoltStore, len(spec.Stores))
		for _, name := range spec.Stores {
			changelogTopic := ""
			if !a.cfg.DisableChangelogTopics {
				cl, err := registry.Changelog(spec.Topic, name)
				if err != nil {
					return nil, nil, err
				}
				changelogTopic = cl.Name
			}
			byName[name] = store.NewBoltStore(name, a.cfg.StoreDir, changelogTopic, a.log)
		}
		stores[spec.Topic.Name] = byName
	}

	// second pass picks up the derived changelogs; inputs that already
	// exist create as a success
	if err := registry.CreateAll(ctx); err != nil {
		return nil, nil, fmt.Errorf("creating changelog topics: %w", err)
	}
	if err := registry.ValidateAll(ctx); err != nil {
		return nil, nil, fmt.Errorf("validating topics: %w", err)
	}
	return registry, stores, nil
}

// buildClients creates the consumer and producer. In exactly-once mode
// both are one transactional client owned by a kgo.GroupTransactSession;
// otherwise they are independent clients.
func (a *Application) buildClients(registry *topics.Manager, callbackOpts []kgo.Opt) (kafkaConsumer, *Producer, func(), error) {
	consumerOpts := append([]kgo.Opt{
		kgo.SeedBrokers(a.cfg.Brokers...),
		kgo.ConsumerGroup(a.cfg.ConsumerGroup),
		kgo.ConsumeTopics(registry.Inputs()...),
		kgo.ConsumeResetOffset(a.cfg.resetOffset()),
		kgo.Balancers(kgo.CooperativeStickyBalancer()),
		kgo.DisableAutoCommit(),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.WithHooks(a.mets.Kafka),
	}, callbackOpts...)
	consumerOpts = append(consumerOpts, a.cfg.ConsumerOpts...)

	if a.cfg.Guarantee == ExactlyOnce {
		opts := append(consumerOpts,
			kgo.TransactionalID(TransactionalID(a.cfg.ConsumerGroup, a.cfg.ApplicationID)),
			kgo.RequireStableFetchOffsets(),
			kgo.RecordPartitioner(kgo.ManualPartitioner()),
		)
		opts = append(opts, a.cfg.ProducerOpts...)
		sess, err := kgo.NewGroupTransactSession(opts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("creating transactional session: %w", err)
		}
		producer := NewProducer(sess.Client(), sess, registry.NumPartitions, a.cfg.MaxBufferedRecords, a.log)
		return sess.Client(), producer, func() { sess.Close() }, nil
	}

	consumerClient, err := kgo.NewClient(consumerOpts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating consumer: %w", err)
	}
	producerOpts := append([]kgo.Opt{
		kgo.SeedBrokers(a.cfg.Brokers...),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.WithHooks(a.mets.Kafka),
	}, a.cfg.ProducerOpts...)
	producerClient, err := kgo.NewClient(producerOpts...)
	if err != nil {
		consumerClient.Close()
		return nil, nil, nil, fmt.Errorf("creating producer: %w", err)
	}
	producer := NewProducer(producerClient, nil, registry.NumPartitions, a.cfg.MaxBufferedRecords, a.log)
	cleanup := func() {
		producer.Close(context.Background())
		consumerClient.Close()
	}
	return consumerClient, producer, cleanup, nil
}

func closeStores(stores map[string]map[string]*store.BoltStore, log *logrus.Entry) {
	for _, byName := range stores {
		for name, bs := range byName {
			if err := bs.Close(); err != nil {
				log.Warnf("closing store %q: %v", name, err)
			}
		}
	}
}
