package streams

import (
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Brokers: []string{"localhost:9092"}, ConsumerGroup: "g1"}
	if err := cfg.validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	cfg = cfg.withDefaults()

	if cfg.ApplicationID != "g1" {
		t.Fatalf("ApplicationID should default to the consumer group, got %q", cfg.ApplicationID)
	}
	if cfg.CommitInterval != 5*time.Second {
		t.Fatalf("unexpected default CommitInterval: %v", cfg.CommitInterval)
	}
	if cfg.CommitEvery != 100 {
		t.Fatalf("unexpected default CommitEvery: %d", cfg.CommitEvery)
	}
	if cfg.PollTimeout != 100*time.Millisecond {
		t.Fatalf("unexpected default PollTimeout: %v", cfg.PollTimeout)
	}
	if cfg.Guarantee != AtLeastOnce {
		t.Fatalf("guarantee should default to at-least-once")
	}
	if cfg.MaxConcurrentRecoveries < 1 {
		t.Fatalf("MaxConcurrentRecoveries must default to a positive bound")
	}
}

func TestConfigValidation(t *testing.T) {
	if err := (Config{ConsumerGroup: "g1"}).validate(); err == nil {
		t.Fatalf("expected error for missing brokers")
	}
	if err := (Config{Brokers: []string{"b:9092"}}).validate(); err == nil {
		t.Fatalf("expected error for missing consumer group")
	}
}

func TestGuaranteeStrings(t *testing.T) {
	if AtLeastOnce.String() != "at-least-once" || ExactlyOnce.String() != "exactly-once" {
		t.Fatalf("unexpected guarantee strings: %q %q", AtLeastOnce, ExactlyOnce)
	}
	if ResetEarliest.String() != "earliest" || ResetLatest.String() != "latest" {
		t.Fatalf("unexpected reset strings: %q %q", ResetEarliest, ResetLatest)
	}
}

func TestTransactionalIDIsDeterministic(t *testing.T) {
	a := TransactionalID("g1", "wordcount")
	b := TransactionalID("g1", "wordcount")
	if a != b {
		t.Fatalf("transactional id must be deterministic: %q vs %q", a, b)
	}
	if a == TransactionalID("g2", "wordcount") {
		t.Fatalf("transactional id must vary with the consumer group")
	}
}
