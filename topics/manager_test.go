package topics

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestChangelogTopicName(t *testing.T) {
	got := ChangelogTopicName("g1", "words", "counts")
	want := "changelog__g1--words--counts"
	if got != want {
		t.Fatalf("ChangelogTopicName() = %q, want %q", got, want)
	}
}

func TestRepartitionTopicName(t *testing.T) {
	got := RepartitionTopicName("g1", "words", "group-by-key")
	want := "repartition__g1--words--group-by-key"
	if got != want {
		t.Fatalf("RepartitionTopicName() = %q, want %q", got, want)
	}
}

func TestChangelogConfigInvariants(t *testing.T) {
	cfg := changelogConfig(3, 2)
	if cfg.NumPartitions != 3 || cfg.ReplicationFactor != 2 {
		t.Fatalf("unexpected base config: %+v", cfg)
	}
	if cfg.ExtraConfig["cleanup.policy"] != "compact" {
		t.Fatalf("changelog must be compacted, got %q", cfg.ExtraConfig["cleanup.policy"])
	}
	if cfg.ExtraConfig["retention.ms"] != "-1" || cfg.ExtraConfig["retention.bytes"] != "-1" {
		t.Fatalf("changelog must not expire live keys, got retention.ms=%q retention.bytes=%q",
			cfg.ExtraConfig["retention.ms"], cfg.ExtraConfig["retention.bytes"])
	}
}

func TestRepartitionConfigInvariants(t *testing.T) {
	cfg := repartitionConfig(3, 2, DefaultRepartitionRetentionMs)
	if cfg.ExtraConfig["cleanup.policy"] != "delete" {
		t.Fatalf("repartition topics must use delete cleanup, got %q", cfg.ExtraConfig["cleanup.policy"])
	}
	if cfg.ExtraConfig["retention.ms"] != "604800000" {
		t.Fatalf("unexpected default retention: %q", cfg.ExtraConfig["retention.ms"])
	}
}

func TestTopicConfigEqual(t *testing.T) {
	a := TopicConfig{NumPartitions: 3, ReplicationFactor: 2, ExtraConfig: map[string]string{"x": "1"}}
	b := TopicConfig{NumPartitions: 3, ReplicationFactor: 2, ExtraConfig: map[string]string{"x": "1"}}
	c := TopicConfig{NumPartitions: 3, ReplicationFactor: 2, ExtraConfig: map[string]string{"x": "2"}}
	if !a.Equal(b) {
		t.Fatalf("expected a.Equal(b)")
	}
	if a.Equal(c) {
		t.Fatalf("expected !a.Equal(c)")
	}
}

func TestCheckChangelogCleanupPolicy(t *testing.T) {
	strPtr := func(s string) *string { return &s }
	cases := []struct {
		name   string
		policy *string
		wantOK bool
	}{
		{"compact", strPtr("compact"), true},
		{"delete", strPtr("delete"), false},
		{"compact,delete", strPtr("compact,delete"), false},
		{"missing", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkChangelogCleanupPolicy("changelog__g1--words--counts", tc.policy)
			if tc.wantOK && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.wantOK && err == nil {
				t.Fatalf("expected a validation error for policy %v", tc.policy)
			}
		})
	}
}

func TestManagerChangelogDerivationRequiresKnownPartitions(t *testing.T) {
	m := &Manager{
		consumerGroup:          "g1",
		log:                    logrus.NewEntry(logrus.New()),
		changelogs:             make(map[string]*Topic),
		repartitions:           make(map[string]*Topic),
		changelogBySourceStore: make(map[string]*Topic),
	}
	source := &Topic{Name: "words"}
	if _, err := m.Changelog(source, "counts"); err == nil {
		t.Fatalf("expected error deriving changelog for topic with unknown partition count")
	}

	source.Create = &TopicConfig{NumPartitions: 4}
	ch, err := m.Changelog(source, "counts")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.Name != "changelog__g1--words--counts" {
		t.Fatalf("unexpected changelog name: %q", ch.Name)
	}
	if ch.Create.NumPartitions != 4 {
		t.Fatalf("changelog partition count should match source, got %d", ch.Create.NumPartitions)
	}

	again, err := m.Changelog(source, "counts")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again != ch {
		t.Fatalf("expected cached changelog topic to be returned on repeat derivation")
	}
}
