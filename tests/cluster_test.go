package clustertest

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shrtyk/statelog/api"
	"github.com/shrtyk/statelog/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleNodeCommit(t *testing.T) {
	c := newCluster(t, 1, nil)

	a := c.mustSubmit(0, "echo", "a")
	b := c.mustSubmit(0, "echo", "b")
	assert.Equal(t, "a", a)
	assert.Equal(t, "b", b)

	s := c.nodes[0].ctx().Status()
	assert.Equal(t, uint64(2), s.LastIndex)
	assert.Equal(t, uint64(2), s.CommitIndex)
	assert.Equal(t, uint64(2), s.LastApplied)

	e1, ok := c.nodes[0].ctx().Entry(1)
	require.True(t, ok)
	assert.Contains(t, string(e1.Payload), "echo")
}

func TestThreeNodeReplication(t *testing.T) {
	c := newCluster(t, 3, nil)
	c.checkOneLeader()

	out := c.mustSubmit(0, "put", "k=v")
	assert.Equal(t, "v", out)

	c.waitConverged(1)
	c.statesEqual(0, 1, 2)

	for i := range 3 {
		e, ok := c.nodes[i].ctx().Entry(1)
		require.True(t, ok, "node %d missing entry 1", i)
		assert.Contains(t, string(e.Payload), "k=v")
		assert.GreaterOrEqual(t, c.nodes[i].ctx().Status().CommitIndex, uint64(1))
	}
}

func TestLeaderCrashMidReplication(t *testing.T) {
	c := newCluster(t, 5, nil)
	leader := c.checkOneLeader()

	c.mustSubmit(leader, "put", "base=1")
	c.waitConverged(1)

	// Keep exactly one follower reachable from the leader and cut both of
	// them off from the rest, so the next entry can reach no one else.
	kept := c.others(leader)[0]
	for _, i := range c.others(leader, kept) {
		c.net.Sever(c.uris[leader], c.uris[i])
		c.net.Sever(c.uris[kept], c.uris[i])
	}

	// This entry lands on the leader and one follower only: no quorum.
	_, err := c.submit(leader, "put", "lost=1", time.Second)
	require.Error(t, err, "minority replication must not commit")

	orphanIndex := c.nodes[leader].ctx().Status().LastIndex

	// Crash the old leader and the follower holding the orphan entry.
	c.net.Isolate(c.uris[leader])
	c.net.Isolate(c.uris[kept])

	rest := c.others(leader, kept)
	newLeader := c.checkOneLeader(rest...)
	require.NotEqual(t, leader, newLeader)

	for i := range 3 {
		c.mustSubmit(newLeader, "put", fmt.Sprintf("after%d=1", i))
	}

	c.net.HealAll()
	target := c.nodes[newLeader].ctx().Status().LastApplied
	c.waitConverged(target)
	c.statesEqual(0, 1, 2, 3, 4)

	// The orphan index now holds the new leader's entry everywhere.
	want, ok := c.nodes[newLeader].ctx().Entry(orphanIndex)
	require.True(t, ok)
	for i := range 5 {
		got, ok := c.nodes[i].ctx().Entry(orphanIndex)
		require.True(t, ok, "node %d missing entry %d", i, orphanIndex)
		assert.Equal(t, want.Term, got.Term)
		assert.Equal(t, want.Payload, got.Payload)
		assert.NotContains(t, string(got.Payload), "lost=1")
	}
	_, exists := c.nodes[newLeader].state()["lost"]
	assert.False(t, exists, "orphan entry must not be applied")
}

func TestPartitionAndHeal(t *testing.T) {
	c := newCluster(t, 5, nil)
	leader := c.checkOneLeader()

	c.mustSubmit(leader, "put", "pre=1")
	c.waitConverged(1)

	c.net.Isolate(c.uris[leader])

	// Submissions to the minority side fail.
	_, err := c.submit(leader, "put", "minority=1", time.Second)
	require.Error(t, err)

	majority := c.others(leader)
	newLeader := c.checkOneLeader(majority...)
	for i := range 10 {
		c.mustSubmit(newLeader, "put", fmt.Sprintf("k%d=v%d", i, i))
	}
	c.waitConverged(c.nodes[newLeader].ctx().Status().LastApplied, majority...)

	c.net.HealAll()
	target := c.nodes[newLeader].ctx().Status().LastApplied
	c.waitConverged(target)
	c.statesEqual(0, 1, 2, 3, 4)

	// The old leader adopted the higher term.
	healed := c.checkOneLeader()
	term := c.nodes[healed].ctx().Status().Term
	assert.GreaterOrEqual(t, c.nodes[leader].ctx().Status().Term, term)
	_, exists := c.nodes[leader].state()["minority"]
	assert.False(t, exists)
}

func TestQueryConsistency(t *testing.T) {
	c := newCluster(t, 3, nil)
	leader := c.checkOneLeader()

	c.mustSubmit(leader, "put", "k=v1")
	c.waitConverged(1)

	follower := c.others(leader)[0]

	// Weak queries answer from any node's local state immediately.
	out, err := c.submit(follower, "get-local", "k", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v1", out)

	// Cut the follower off and advance the majority.
	c.net.Isolate(c.uris[follower])
	c.mustSubmit(leader, "put", "k=v2")

	// Strong query on the leader reflects the latest committed write.
	out, err = c.submit(leader, "get", "k", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v2", out)

	// The stale follower still answers weak queries locally...
	out, err = c.submit(follower, "get-local", "k", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v1", out)

	// ...but cannot serve a strong query without the leader.
	_, err = c.submit(follower, "get", "k", 3*time.Second)
	require.Error(t, err)
	if !errors.Is(err, api.ErrNoLeader) {
		assert.ErrorIs(t, err, api.ErrTimeout)
	}
}

func TestSnapshotInstall(t *testing.T) {
	c := newCluster(t, 3, nil)
	leader := c.checkOneLeader()

	follower := c.others(leader)[0]
	c.mustSubmit(leader, "put", "early=1")
	c.waitConverged(1)

	c.net.Isolate(c.uris[follower])

	for i := range 30 {
		c.mustSubmit(leader, "put", fmt.Sprintf("k%d=v%d", i, i))
	}
	online := c.others(follower)
	c.waitConverged(c.nodes[leader].ctx().Status().LastApplied, online...)

	// Compact the reachable members through their applied index so the
	// lagging follower can only catch up via snapshot sync.
	for _, i := range online {
		applied := c.nodes[i].ctx().Status().LastApplied
		require.NoError(t, c.nodes[i].sl.Compact(applied))
		assert.Equal(t, applied+1, c.nodes[i].ctx().Status().FirstIndex)
	}

	c.net.HealAll()
	target := c.nodes[leader].ctx().Status().LastApplied
	c.waitConverged(target)
	c.statesEqual(0, 1, 2)

	// Appends after the snapshot flow normally.
	c.mustSubmit(leader, "put", "post=1")
	c.waitConverged(target + 1)
	assert.Equal(t, "1", c.nodes[follower].state()["post"])
}

func TestListenerReceivesStateWithoutVoting(t *testing.T) {
	// Two voting members plus one listener.
	c := newClusterCustom(t, 2, 1, nil)
	const listener = 2

	leader := c.checkOneLeader(0, 1)
	for i := range 5 {
		c.mustSubmit(leader, "put", fmt.Sprintf("k%d=v", i))
	}
	c.waitConverged(5)
	c.statesEqual(0, 1, 2)

	s := c.nodes[listener].ctx().Status()
	assert.NotEqual(t, raft.RoleLeader, s.Role)
	assert.NotEqual(t, raft.RoleCandidate, s.Role)
	assert.GreaterOrEqual(t, s.LastApplied, uint64(5))

	// Even with every voting member gone, the listener never campaigns.
	c.net.Isolate(c.uris[0])
	c.net.Isolate(c.uris[1])
	time.Sleep(time.Second)
	s = c.nodes[listener].ctx().Status()
	assert.NotEqual(t, raft.RoleCandidate, s.Role)
	assert.NotEqual(t, raft.RoleLeader, s.Role)
	c.net.HealAll()
}

func TestReElectionAfterLeaderLoss(t *testing.T) {
	c := newCluster(t, 3, nil)
	leader1 := c.checkOneLeader()

	c.net.Isolate(c.uris[leader1])
	rest := c.others(leader1)
	leader2 := c.checkOneLeader(rest...)
	require.NotEqual(t, leader1, leader2)

	// With only one member connected there is no quorum and no leader.
	other := rest[0]
	if other == leader2 {
		other = rest[1]
	}
	c.net.Isolate(c.uris[leader2])
	time.Sleep(time.Second)
	c.checkNoLeader(other)

	c.net.HealAll()
	c.checkOneLeader()
}

func TestCommitIndexesNeverRegress(t *testing.T) {
	c := newCluster(t, 3, nil)
	leader := c.checkOneLeader()

	var lastCommit, lastApplied uint64
	for i := range 10 {
		c.mustSubmit(leader, "put", fmt.Sprintf("k%d=v", i))
		s := c.nodes[leader].ctx().Status()
		require.GreaterOrEqual(t, s.CommitIndex, lastCommit)
		require.GreaterOrEqual(t, s.LastApplied, lastApplied)
		require.Equal(t, raft.RoleLeader, s.Role)
		lastCommit, lastApplied = s.CommitIndex, s.LastApplied
	}
	c.waitConverged(lastApplied)
}
