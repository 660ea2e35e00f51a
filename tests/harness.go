// Package clustertest spins up multi-node clusters over the in-process
// transport and checks the engine's end-to-end guarantees.
package clustertest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shrtyk/statelog/api"
	"github.com/shrtyk/statelog/coordinator"
	rlog "github.com/shrtyk/statelog/log"
	"github.com/shrtyk/statelog/pkg/logger"
	"github.com/shrtyk/statelog/protocol"
	"github.com/shrtyk/statelog/raft"
	"github.com/shrtyk/statelog/statelog"
	"github.com/shrtyk/statelog/transport"
)

const resourceName = "kv"

type node struct {
	uri   string
	coord *coordinator.Coordinator
	sl    *statelog.StateLog

	mu sync.Mutex
	kv map[string]string
}

func (n *node) ctx() *raft.StateContext {
	res, ok := n.coord.Resource(resourceName)
	if !ok {
		return nil
	}
	return res.Context()
}

// put expects "k=v" and returns the stored value.
func (n *node) put(input []byte) ([]byte, error) {
	k, v, ok := strings.Cut(string(input), "=")
	if !ok {
		return nil, fmt.Errorf("bad put input %q", input)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kv[k] = v
	return []byte(v), nil
}

func (n *node) get(input []byte) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return []byte(n.kv[string(input)]), nil
}

func (n *node) snapshot() ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return json.Marshal(n.kv)
}

func (n *node) install(blob []byte) error {
	state := make(map[string]string)
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &state); err != nil {
			return err
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kv = state
	return nil
}

func (n *node) state() map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]string, len(n.kv))
	for k, v := range n.kv {
		out[k] = v
	}
	return out
}

type cluster struct {
	t     *testing.T
	net   *transport.Network
	nodes []*node
	uris  []string
}

// newCluster starts n coordinators on an in-process network, creates the
// shared kv resource and opens a state log facade on every node.
func newCluster(t *testing.T, n int, logCfgTweak func(*api.LogConfig)) *cluster {
	return newClusterCustom(t, n, 0, logCfgTweak)
}

// newClusterCustom starts voting members followed by listeners.
func newClusterCustom(t *testing.T, voting, listeners int, logCfgTweak func(*api.LogConfig)) *cluster {
	t.Helper()
	c := &cluster{t: t, net: transport.NewNetwork()}

	for i := range voting + listeners {
		c.uris = append(c.uris, fmt.Sprintf("local://m%d", i))
	}
	votingURIs := append([]string(nil), c.uris[:voting]...)
	listenerURIs := append([]string(nil), c.uris[voting:]...)

	for _, uri := range c.uris {
		cfg := api.TestsClusterConfig()
		cfg.LocalMember = uri
		cfg.Members = append([]string(nil), votingURIs...)
		cfg.Listeners = append([]string(nil), listenerURIs...)

		logCfg := api.DefaultLogConfig()
		if logCfgTweak != nil {
			logCfgTweak(&logCfg)
		}

		registry := transport.NewRegistry()
		registry.Register("local", c.net.Protocol(uri))

		_, lg := logger.NewTestLogger()
		coord, err := coordinator.NewCoordinator(cfg, logCfg, registry,
			func(cfg api.LogConfig) api.Log { return rlog.NewMemoryLog() }, lg)
		if err != nil {
			t.Fatalf("failed to build coordinator for %s: %v", uri, err)
		}
		c.nodes = append(c.nodes, &node{uri: uri, coord: coord, kv: make(map[string]string)})
	}

	c.openAll()
	c.createResource()
	t.Cleanup(c.cleanup)
	return c
}

func (c *cluster) openAll() {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	errs := make(chan error, len(c.nodes))
	for _, n := range c.nodes {
		go func(n *node) {
			errs <- n.coord.Open(ctx)
		}(n)
	}
	for range c.nodes {
		if err := <-errs; err != nil {
			c.t.Fatalf("failed to open coordinator: %v", err)
		}
	}
}

func (c *cluster) createResource() {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if _, err := c.nodes[0].coord.CreateResource(ctx, resourceName); err != nil {
		c.t.Fatalf("failed to create resource: %v", err)
	}

	// Wait for the replicated registry to converge everywhere, then attach
	// and open the facades.
	errs := make(chan error, len(c.nodes))
	for _, n := range c.nodes {
		go func(n *node) {
			var res *coordinator.Resource
			for {
				var ok bool
				if res, ok = n.coord.Resource(resourceName); ok {
					break
				}
				select {
				case <-ctx.Done():
					errs <- fmt.Errorf("%s never saw resource %s", n.uri, resourceName)
					return
				case <-time.After(5 * time.Millisecond):
				}
			}

			n.sl = statelog.New(res).
				RegisterCommand("put", n.put).
				RegisterCommand("echo", func(input []byte) ([]byte, error) { return input, nil }).
				RegisterQuery("get", n.get).
				RegisterQuery("get-local", n.get, protocol.Weak).
				TakeSnapshotWith(n.snapshot).
				InstallSnapshotWith(n.install)
			errs <- n.sl.Open(ctx)
		}(n)
	}
	for range c.nodes {
		if err := <-errs; err != nil {
			c.t.Fatalf("failed to open state log: %v", err)
		}
	}
}

func (c *cluster) cleanup() {
	c.net.HealAll()
	var wg sync.WaitGroup
	for _, n := range c.nodes {
		wg.Add(1)
		go func(n *node) {
			defer wg.Done()
			n.coord.Close()
		}(n)
	}
	wg.Wait()
}

// checkOneLeader waits for a single stable leader of the kv resource among
// connected nodes and returns its index. At most one leader per term is
// asserted along the way.
func (c *cluster) checkOneLeader(connected ...int) int {
	c.t.Helper()
	if len(connected) == 0 {
		for i := range c.nodes {
			connected = append(connected, i)
		}
	}

	for range 50 {
		time.Sleep(100 * time.Millisecond)

		leaders := make(map[uint64][]int)
		for _, i := range connected {
			ctx := c.nodes[i].ctx()
			if ctx == nil {
				continue
			}
			s := ctx.Status()
			if s.Role == raft.RoleLeader {
				leaders[s.Term] = append(leaders[s.Term], i)
			}
		}

		var lastTerm uint64
		for term, who := range leaders {
			if len(who) > 1 {
				c.t.Fatalf("term %d has %d (>1) leaders: %v", term, len(who), who)
			}
			if term > lastTerm {
				lastTerm = term
			}
		}
		if len(leaders) > 0 {
			return leaders[lastTerm][0]
		}
	}
	c.t.Fatalf("expected one leader, got none")
	return -1
}

// checkNoLeader asserts no connected node claims leadership.
func (c *cluster) checkNoLeader(connected ...int) {
	c.t.Helper()
	for _, i := range connected {
		ctx := c.nodes[i].ctx()
		if ctx == nil {
			continue
		}
		if s := ctx.Status(); s.Role == raft.RoleLeader {
			c.t.Fatalf("node %d unexpectedly leads term %d", i, s.Term)
		}
	}
}

// submit runs one operation through a node's facade.
func (c *cluster) submit(nodeIdx int, op string, input string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	out, err := c.nodes[nodeIdx].sl.Submit(op, []byte(input)).Get(ctx)
	return string(out), err
}

// mustSubmit fails the test if the submission errors.
func (c *cluster) mustSubmit(nodeIdx int, op string, input string) string {
	c.t.Helper()
	out, err := c.submit(nodeIdx, op, input, 15*time.Second)
	if err != nil {
		c.t.Fatalf("submit %s %q via node %d: %v", op, input, nodeIdx, err)
	}
	return out
}

// waitConverged blocks until every listed node applied through at least
// index, then checks the §8 cross-node invariants.
func (c *cluster) waitConverged(minIndex uint64, nodes ...int) {
	c.t.Helper()
	if len(nodes) == 0 {
		for i := range c.nodes {
			nodes = append(nodes, i)
		}
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		done := true
		for _, i := range nodes {
			ctx := c.nodes[i].ctx()
			if ctx == nil || ctx.Status().LastApplied < minIndex {
				done = false
				break
			}
		}
		if done {
			break
		}
		if time.Now().After(deadline) {
			for _, i := range nodes {
				if ctx := c.nodes[i].ctx(); ctx != nil {
					c.t.Logf("node %d status: %+v", i, ctx.Status())
				}
			}
			c.t.Fatalf("cluster never converged to applied index %d", minIndex)
		}
		time.Sleep(20 * time.Millisecond)
	}

	c.checkInvariants(nodes...)
}

// checkInvariants verifies cursor ordering (applied <= commit <= last
// index) on each listed node and log prefix agreement across them.
func (c *cluster) checkInvariants(nodes ...int) {
	c.t.Helper()

	type snap struct {
		idx    int
		status raft.Status
	}
	var snaps []snap
	for _, i := range nodes {
		ctx := c.nodes[i].ctx()
		if ctx == nil {
			continue
		}
		s := ctx.Status()
		if s.LastApplied > s.CommitIndex {
			c.t.Fatalf("node %d applied %d past commit %d", i, s.LastApplied, s.CommitIndex)
		}
		if s.CommitIndex > s.LastIndex && s.LastIndex > 0 {
			c.t.Fatalf("node %d commit %d past last index %d", i, s.CommitIndex, s.LastIndex)
		}
		snaps = append(snaps, snap{idx: i, status: s})
	}

	for a := 0; a < len(snaps); a++ {
		for b := a + 1; b < len(snaps); b++ {
			na, nb := c.nodes[snaps[a].idx], c.nodes[snaps[b].idx]
			limit := min(snaps[a].status.LastApplied, snaps[b].status.LastApplied)
			floor := max(snaps[a].status.FirstIndex, snaps[b].status.FirstIndex)
			for i := floor; i <= limit; i++ {
				ea, oka := na.ctx().Entry(i)
				eb, okb := nb.ctx().Entry(i)
				if !oka || !okb {
					continue
				}
				if ea.Term != eb.Term || string(ea.Payload) != string(eb.Payload) {
					c.t.Fatalf("log mismatch at %d between nodes %d and %d", i, snaps[a].idx, snaps[b].idx)
				}
			}
		}
	}
}

// statesEqual asserts the applied kv state matches across nodes.
func (c *cluster) statesEqual(nodes ...int) {
	c.t.Helper()
	base := c.nodes[nodes[0]].state()
	for _, i := range nodes[1:] {
		other := c.nodes[i].state()
		if len(base) != len(other) {
			c.t.Fatalf("state size mismatch between nodes %d and %d: %v vs %v", nodes[0], i, base, other)
		}
		for k, v := range base {
			if other[k] != v {
				c.t.Fatalf("state mismatch at key %q between nodes %d and %d", k, nodes[0], i)
			}
		}
	}
}

func (c *cluster) others(exclude ...int) []int {
	skip := make(map[int]bool, len(exclude))
	for _, i := range exclude {
		skip[i] = true
	}
	var out []int
	for i := range c.nodes {
		if !skip[i] {
			out = append(out, i)
		}
	}
	return out
}
