package api

import (
	"fmt"
	"time"
)

// ClusterConfig identifies the local member and the voting member set of a
// replicated resource. Member identifiers are opaque URIs; the scheme
// selects the transport protocol.
type ClusterConfig struct {
	LocalMember string
	Members     []string
	// Listeners receive replicated state but never vote or count toward
	// quorum. A local member absent from Members acts as a listener.
	Listeners []string

	ElectionTimeout   time.Duration
	HeartbeatInterval time.Duration
}

// Copy returns a deep copy of the config.
func (c ClusterConfig) Copy() ClusterConfig {
	out := c
	out.Members = append([]string(nil), c.Members...)
	out.Listeners = append([]string(nil), c.Listeners...)
	return out
}

// WithMembers returns a copy of the config with the given member set.
func (c ClusterConfig) WithMembers(members []string) ClusterConfig {
	out := c.Copy()
	out.Members = append([]string(nil), members...)
	return out
}

// Validate checks the timing constraints.
func (c ClusterConfig) Validate() error {
	if c.LocalMember == "" {
		return fmt.Errorf("cluster config: local member URI is required")
	}
	if c.HeartbeatInterval >= c.ElectionTimeout {
		return fmt.Errorf(
			"cluster config: heartbeat interval %v must be less than election timeout %v",
			c.HeartbeatInterval, c.ElectionTimeout)
	}
	return nil
}

// LogConfig configures a resource's durable log.
type LogConfig struct {
	Name      string `json:"name"`
	Directory string `json:"directory"`
	// SegmentSize is the byte size at which the active segment rolls over.
	SegmentSize int64 `json:"segmentSize"`
	// Retention is how many full segments to keep behind the last snapshot.
	Retention int `json:"retention"`
	// SnapshotThreshold is the live log size in bytes beyond which the
	// engine asks the snapshotter for a snapshot. Zero disables the check.
	SnapshotThreshold int64 `json:"snapshotThreshold"`
	// SyncChunkSize bounds the data payload of one snapshot sync message.
	SyncChunkSize int `json:"syncChunkSize"`
}

// WithName returns a copy of the config with the given log name.
func (c LogConfig) WithName(name string) LogConfig {
	c.Name = name
	return c
}

// DefaultClusterConfig returns the production timing defaults.
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		ElectionTimeout:   500 * time.Millisecond,
		HeartbeatInterval: 250 * time.Millisecond,
	}
}

// DefaultLogConfig returns the log defaults.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Name:          "statelog",
		Directory:     "data",
		SegmentSize:   32 << 20,
		Retention:     1,
		SyncChunkSize: 1 << 20,
	}
}

// TestsClusterConfig returns tight timings suitable for tests.
func TestsClusterConfig() ClusterConfig {
	return ClusterConfig{
		ElectionTimeout:   150 * time.Millisecond,
		HeartbeatInterval: 60 * time.Millisecond,
	}
}
