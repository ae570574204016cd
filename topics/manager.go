package topics

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Manager is the application's catalog of Topic objects: registered input
// topics plus the changelog and repartition topics derived from them. It is
// the only component that knows the naming and validation rules for
// derived topics.
type Manager struct {
	consumerGroup     string
	replicationFactor int16
	repartitionTTLMs  int64

	raw   *kgo.Client
	admin *kadm.Client
	log   *logrus.Entry

	inputs       map[string]*Topic
	changelogs   map[string]*Topic // by changelog topic name
	repartitions map[string]*Topic // by repartition topic name

	// changelogBySourceStore maps "sourceTopic\x00storeName" to the
	// changelog Topic, so operators can ask for "my store's changelog"
	// without recomputing the name.
	changelogBySourceStore map[string]*Topic
}

// NewManager constructs a Manager. raw is the shared Kafka client used for
// raw metadata/create-topic protocol requests; admin wraps the same client
// for the higher-level metadata inspection calls. replicationFactor is the
// operator override (0 means "use the cluster default").
func NewManager(raw *kgo.Client, consumerGroup string, replicationFactor int16, log *logrus.Entry) *Manager {
	return &Manager{
		consumerGroup:          consumerGroup,
		replicationFactor:      replicationFactor,
		repartitionTTLMs:       DefaultRepartitionRetentionMs,
		raw:                    raw,
		admin:                  kadm.NewClient(raw),
		log:                    log.WithField("component", "topic-manager"),
		inputs:                 make(map[string]*Topic),
		changelogs:             make(map[string]*Topic),
		repartitions:           make(map[string]*Topic),
		changelogBySourceStore: make(map[string]*Topic),
	}
}

// RegisterInput adds an input topic to the catalog.
func (m *Manager) RegisterInput(t *Topic) {
	t.Kind = KindInput
	m.inputs[t.Name] = t
}

// Input returns a previously registered input topic.
func (m *Manager) Input(name string) (*Topic, bool) {
	t, ok := m.inputs[name]
	return t, ok
}

// Lookup returns any registered topic — input, changelog, or repartition —
// by name.
func (m *Manager) Lookup(name string) (*Topic, bool) {
	if t, ok := m.inputs[name]; ok {
		return t, ok
	}
	if t, ok := m.changelogs[name]; ok {
		return t, ok
	}
	t, ok := m.repartitions[name]
	return t, ok
}

// NumPartitions reports the partition count of a registered topic, from
// the broker inspection if available, otherwise from the create config.
func (m *Manager) NumPartitions(name string) (int32, bool) {
	t, ok := m.Lookup(name)
	if !ok {
		return 0, false
	}
	n, err := m.sourcePartitions(t)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Inputs returns the names of every registered input topic.
func (m *Manager) Inputs() []string {
	out := make([]string, 0, len(m.inputs))
	for name := range m.inputs {
		out = append(out, name)
	}
	return out
}

// Changelog derives (or returns the already-derived) changelog Topic for
// (sourceTopic, storeName). The source topic must already be registered and
// have a known partition count (either via Create or a prior ValidateAll).
func (m *Manager) Changelog(sourceTopic *Topic, storeName string) (*Topic, error) {
	key := sourceTopic.Name + "\x00" + storeName
	if existing, ok := m.changelogBySourceStore[key]; ok {
		return existing, nil
	}
	numPartitions, err := m.sourcePartitions(sourceTopic)
	if err != nil {
		return nil, fmt.Errorf("deriving changelog for store %q on topic %q: %w", storeName, sourceTopic.Name, err)
	}
	name := ChangelogTopicName(m.consumerGroup, sourceTopic.Name, storeName)
	cfg := changelogConfig(numPartitions, m.replicationOrDefault())
	t := &Topic{
		Name:   name,
		Kind:   KindChangelog,
		Create: cfg,
	}
	m.changelogs[name] = t
	m.changelogBySourceStore[key] = t
	m.log.WithFields(logrus.Fields{"topic": name, "source": sourceTopic.Name, "store": storeName}).Debug("derived changelog topic")
	return t, nil
}

// Repartition derives (or returns the already-derived) repartition Topic
// for a GroupBy-style operation over sourceTopic.
func (m *Manager) Repartition(sourceTopic *Topic, operation string) (*Topic, error) {
	name := RepartitionTopicName(m.consumerGroup, sourceTopic.Name, operation)
	if existing, ok := m.repartitions[name]; ok {
		return existing, nil
	}
	numPartitions, err := m.sourcePartitions(sourceTopic)
	if err != nil {
		return nil, fmt.Errorf("deriving repartition topic for operation %q on topic %q: %w", operation, sourceTopic.Name, err)
	}
	cfg := repartitionConfig(numPartitions, m.replicationOrDefault(), m.repartitionTTLMs)
	t := &Topic{
		Name:   name,
		Kind:   KindRepartition,
		Create: cfg,
	}
	m.repartitions[name] = t
	return t, nil
}

func (m *Manager) sourcePartitions(t *Topic) (int32, error) {
	if t.Broker != nil {
		return t.Broker.NumPartitions, nil
	}
	if t.Create != nil {
		return t.Create.NumPartitions, nil
	}
	return 0, fmt.Errorf("topic %q has no known partition count; call ValidateAll first", t.Name)
}

func (m *Manager) replicationOrDefault() int16 {
	if m.replicationFactor > 0 {
		return m.replicationFactor
	}
	return -1 // -1 asks the broker for its default replication factor
}

// all returns every registered Topic across inputs, changelogs and
// repartitions.
func (m *Manager) all() []*Topic {
	out := make([]*Topic, 0, len(m.inputs)+len(m.changelogs)+len(m.repartitions))
	for _, t := range m.inputs {
		out = append(out, t)
	}
	for _, t := range m.changelogs {
		out = append(out, t)
	}
	for _, t := range m.repartitions {
		out = append(out, t)
	}
	return out
}

// CreateAll creates every registered topic that has a non-nil Create
// config and does not already exist on the broker. Creation of a topic
// that already exists is treated as success; any other
// creation failure is fatal at startup.
func (m *Manager) CreateAll(ctx context.Context) error {
	req := kmsg.NewPtrCreateTopicsRequest()
	req.TimeoutMillis = 30_000
	var pending []*Topic
	for _, t := range m.all() {
		if t.Create == nil {
			continue
		}
		rt := kmsg.NewCreateTopicsRequestTopic()
		rt.Topic = t.Name
		rt.NumPartitions = t.Create.NumPartitions
		rt.ReplicationFactor = t.Create.ReplicationFactor
		for k, v := range t.Create.ExtraConfig {
			cfg := kmsg.NewCreateTopicsRequestTopicConfig()
			cfg.Name = k
			cfg.Value = kmsg.StringPtr(v)
			rt.Configs = append(rt.Configs, cfg)
		}
		req.Topics = append(req.Topics, rt)
		pending = append(pending, t)
	}
	if len(req.Topics) == 0 {
		return nil
	}

	resp, err := req.RequestWith(ctx, m.raw)
	if err != nil {
		return fmt.Errorf("sending create-topics request: %w", err)
	}

	var errs []error
	for _, rt := range resp.Topics {
		topicErr := kerr.ErrorForCode(rt.ErrorCode)
		if topicErr != nil && !errors.Is(topicErr, kerr.TopicAlreadyExists) {
			errs = append(errs, fmt.Errorf("creating topic %q: %w", rt.Topic, topicErr))
			continue
		}
		m.log.WithField("topic", rt.Topic).Info("topic created or already present")
	}
	if len(errs) > 0 {
		return fmt.Errorf("topic creation failed: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateAll inspects the broker's view of every registered topic,
// populates Topic.Broker, and checks the derivation invariants: every
// topic's broker config is populated, and every changelog exists, is
// compacted, and has the same partition count as its source topic. Errors
// across every topic are collected and raised as a single aggregated
// failure.
func (m *Manager) ValidateAll(ctx context.Context) error {
	all := m.all()
	names := make([]string, 0, len(all))
	for _, t := range all {
		names = append(names, t.Name)
	}
	meta, err := m.admin.Metadata(ctx, names...)
	if err != nil {
		return fmt.Errorf("inspecting topics: %w", err)
	}

	var errs []error
	var presentChangelogs []string
	for _, t := range all {
		d, ok := meta.Topics[t.Name]
		if !ok || d.Err != nil {
			errs = append(errs, fmt.Errorf("topic %q: not found or inspection error: %v", t.Name, errOrNil(d.Err, ok)))
			continue
		}
		replicationFactor := 0
		for _, p := range d.Partitions {
			if n := len(p.Replicas); n > replicationFactor {
				replicationFactor = n
			}
		}
		t.Broker = &TopicConfig{
			NumPartitions:     int32(len(d.Partitions)),
			ReplicationFactor: int16(replicationFactor),
		}

		if t.Kind == KindChangelog {
			presentChangelogs = append(presentChangelogs, t.Name)
			source, storeName := m.sourceForChangelog(t.Name)
			if source == nil {
				continue
			}
			if source.Broker == nil {
				errs = append(errs, fmt.Errorf("changelog %q: source topic %q not yet validated", t.Name, source.Name))
				continue
			}
			if t.Broker.NumPartitions != source.Broker.NumPartitions {
				errs = append(errs, fmt.Errorf("changelog %q for store %q: partition count %d does not match source %q's %d",
					t.Name, storeName, t.Broker.NumPartitions, source.Name, source.Broker.NumPartitions))
			}
		}
	}

	// the metadata response carries no topic configs, so the compaction
	// invariant needs its own describe round
	if len(presentChangelogs) > 0 {
		configs, err := m.admin.DescribeTopicConfigs(ctx, presentChangelogs...)
		if err != nil {
			return fmt.Errorf("describing changelog configs: %w", err)
		}
		for _, rc := range configs {
			if rc.Err != nil {
				errs = append(errs, fmt.Errorf("changelog %q: describing configs: %w", rc.Name, rc.Err))
				continue
			}
			var policy *string
			for _, c := range rc.Configs {
				if c.Key == "cleanup.policy" {
					policy = c.Value
					break
				}
			}
			if err := checkChangelogCleanupPolicy(rc.Name, policy); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("topic validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// checkChangelogCleanupPolicy rejects any changelog whose broker-side
// cleanup.policy is not pure "compact": a "delete" or "compact,delete"
// policy lets retention drop live keys, silently losing store state on the
// next recovery.
func checkChangelogCleanupPolicy(topic string, policy *string) error {
	if policy == nil {
		return fmt.Errorf("changelog %q: broker reported no cleanup.policy", topic)
	}
	if *policy != "compact" {
		return fmt.Errorf("changelog %q: cleanup.policy is %q, want \"compact\"", topic, *policy)
	}
	return nil
}

func (m *Manager) sourceForChangelog(changelogName string) (source *Topic, storeName string) {
	for key, t := range m.changelogBySourceStore {
		if t.Name != changelogName {
			continue
		}
		for i := 0; i < len(key); i++ {
			if key[i] == 0 {
				sourceName, store := key[:i], key[i+1:]
				return m.inputs[sourceName], store
			}
		}
	}
	return nil, ""
}

func errOrNil(err error, found bool) error {
	if !found {
		return errors.New("topic missing from cluster metadata")
	}
	return err
}
