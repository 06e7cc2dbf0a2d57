package sskstore

import (
	"time"
)

// Config sets how a node slice is wired together. The
// zero value is usable; setDefaults fills in anything left
// blank.
type Config struct {
	// NumPriorityClasses is how many request priority
	// classes the host scheduler distinguishes. Smaller
	// class numbers are more urgent. Default 8.
	NumPriorityClasses int

	// ItemDBPath is where the durable checker-item
	// database lives.
	ItemDBPath string

	// StorePath is where the durable block store lives.
	StorePath string

	// OverloadSleep is how long the dispatcher backs off
	// when the trip-pending backlog is past the hard
	// threshold. Default 10s. Tests shrink this.
	OverloadSleep time.Duration

	// EmptyQueueWait bounds the dispatcher's wait when it
	// has no work; a safety net, not a scheduling
	// mechanism. Default 100s.
	EmptyQueueWait time.Duration
}

func (cfg *Config) setDefaults() {
	if cfg.NumPriorityClasses == 0 {
		cfg.NumPriorityClasses = 8
	}
	if cfg.OverloadSleep == 0 {
		cfg.OverloadSleep = 10 * time.Second
	}
	if cfg.EmptyQueueWait == 0 {
		cfg.EmptyQueueWait = 100 * time.Second
	}
}
