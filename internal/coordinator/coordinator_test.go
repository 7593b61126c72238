package coordinator

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/kgantsov/dslot/internal/domain"
	"github.com/kgantsov/dslot/internal/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testConnString = "inproc"

func newTestNode(t *testing.T) *raft.Node {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	node := raft.NewNode(db)
	node.InMemory = true
	node.SessionTick = 20 * time.Millisecond
	require.NoError(t, node.Open(true, "dslot-node-0"))
	t.Cleanup(func() { node.Shutdown() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, node.WaitForLeader(ctx))

	return node
}

// testProcess is one client process: a Coordinator with its own session.
type testProcess struct {
	*Coordinator

	mu       sync.Mutex
	sessions []*raft.Session
	dials    atomic.Int32
}

func newTestProcess(t *testing.T, node *raft.Node, identifier string, sessionTimeout time.Duration) *testProcess {
	p := &testProcess{}

	dial := func(ctx context.Context, connString string) (Conn, error) {
		p.dials.Add(1)

		s, err := node.OpenSession(ctx, sessionTimeout)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.sessions = append(p.sessions, s)
		p.mu.Unlock()

		return s, nil
	}

	p.Coordinator = New(dial, WithIdentifier(identifier))
	t.Cleanup(func() { p.Disconnect() })

	return p
}

// crash stops the keepalives of the process' session, as if it died.
func (p *testProcess) crash() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.sessions {
		s.Abandon()
	}
}

func acquireOptions(max int) AcquireOptions {
	opts := DefaultAcquireOptions()
	opts.MaxConcurrency = max
	return opts
}

func holders(t *testing.T, p *testProcess, path string) []string {
	ids, err := p.LockHolders(context.Background(), path, testConnString, DefaultHolderOptions())
	require.NoError(t, err)
	sort.Strings(ids)
	return ids
}

func TestCoordinator_InvalidArguments(t *testing.T) {
	p := New(func(ctx context.Context, connString string) (Conn, error) {
		t.Fatal("dial must not be called")
		return nil, nil
	})
	ctx := context.Background()

	_, err := p.Acquire(ctx, "", testConnString, acquireOptions(1))
	assert.ErrorIs(t, err, domain.ErrInvalidPath)

	_, err = p.Acquire(ctx, "lock/x", testConnString, acquireOptions(1))
	assert.ErrorIs(t, err, domain.ErrInvalidPath)

	_, err = p.Acquire(ctx, "/", testConnString, acquireOptions(1))
	assert.ErrorIs(t, err, domain.ErrInvalidPath)

	_, err = p.Acquire(ctx, "/lock/x", testConnString, acquireOptions(0))
	assert.ErrorIs(t, err, domain.ErrInvalidMaxConcurrency)

	opts := acquireOptions(1)
	opts.Identifier = "a/b"
	_, err = p.Acquire(ctx, "/lock/x", testConnString, opts)
	assert.ErrorIs(t, err, domain.ErrInvalidIdentifier)

	_, err = p.LockHolders(ctx, "/lock/x", testConnString, HolderOptions{MaxConcurrency: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidMaxConcurrency)

	_, err = p.PartyMembers(ctx, "/party", testConnString, PartyOptions{MinNodes: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidMinNodes)
}

func TestCoordinator_Connect(t *testing.T) {
	node := newTestNode(t)
	p := newTestProcess(t, node, "host-a", 5*time.Second)
	ctx := context.Background()

	var g errgroup.Group
	conns := make([]Conn, 10)
	for i := range conns {
		g.Go(func() error {
			conn, err := p.Connect(ctx, testConnString)
			conns[i] = conn
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), p.dials.Load())
	for _, conn := range conns {
		assert.Same(t, conns[0], conn)
	}

	_, err := p.Connect(ctx, "other")
	assert.ErrorIs(t, err, domain.ErrConnectionMismatch)

	require.NoError(t, p.Disconnect())
	require.NoError(t, p.Disconnect())

	select {
	case <-conns[0].Done():
	default:
		t.Fatal("disconnect did not close the session")
	}

	// after a disconnect the coordinator may connect anywhere
	_, err = p.Connect(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.dials.Load())
}

func TestCoordinator_ReconnectAfterSessionLoss(t *testing.T) {
	node := newTestNode(t)
	p := newTestProcess(t, node, "host-a", 200*time.Millisecond)
	ctx := context.Background()

	conn, err := p.Connect(ctx, testConnString)
	require.NoError(t, err)

	p.crash()

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not expire")
	}

	ok, err := p.Acquire(ctx, "/lock/x", testConnString, acquireOptions(1))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(2), p.dials.Load())
}

// A pool never holds more than MaxConcurrency leases.
func TestCoordinator_BoundInvariant(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	const (
		maxLeases = 2
		workers   = 6
		rounds    = 3
	)

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
	)

	observer := newTestProcess(t, node, "observer", 5*time.Second)

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		p := newTestProcess(t, node, "worker-"+string(rune('a'+i)), 5*time.Second)

		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				ok, err := p.Acquire(ctx, "/lock/bound", testConnString, acquireOptions(maxLeases))
				if err != nil {
					return err
				}
				assert.True(t, ok)

				n := inside.Add(1)
				for {
					seen := maxSeen.Load()
					if n <= seen || maxSeen.CompareAndSwap(seen, n) {
						break
					}
				}

				ids, err := observer.LockHolders(ctx, "/lock/bound", testConnString, HolderOptions{MaxConcurrency: maxLeases})
				if err != nil {
					return err
				}
				assert.LessOrEqual(t, len(ids), maxLeases)

				time.Sleep(10 * time.Millisecond)
				inside.Add(-1)

				released, err := p.Release(ctx, "/lock/bound", ReleaseOptions{MaxConcurrency: maxLeases})
				if err != nil {
					return err
				}
				assert.True(t, released)
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, maxSeen.Load(), int32(maxLeases))
	assert.Empty(t, holders(t, observer, "/lock/bound"))
}

// A forced acquisition succeeds on a full pool and pushes it over the limit.
func TestCoordinator_ForceBypass(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	a := newTestProcess(t, node, "host-a", 5*time.Second)
	b := newTestProcess(t, node, "host-b", 5*time.Second)
	c := newTestProcess(t, node, "host-c", 5*time.Second)

	ok, err := a.Acquire(ctx, "/lock/force", testConnString, acquireOptions(1))
	require.NoError(t, err)
	require.True(t, ok)

	opts := acquireOptions(1)
	opts.Force = true
	ok, err = b.Acquire(ctx, "/lock/force", testConnString, opts)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{"host-a", "host-b"}, holders(t, a, "/lock/force"))

	// forced leases occupy slots for everybody else
	opts = acquireOptions(1)
	opts.Timeout = 100 * time.Millisecond
	ok, err = c.Acquire(ctx, "/lock/force", testConnString, opts)
	require.NoError(t, err)
	assert.False(t, ok)

	// force also ignores a different declared maximum
	opts = acquireOptions(5)
	opts.Force = true
	ok, err = c.Acquire(ctx, "/lock/force", testConnString, opts)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCoordinator_MaxLeasesMismatch(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	a := newTestProcess(t, node, "host-a", 5*time.Second)
	b := newTestProcess(t, node, "host-b", 5*time.Second)

	ok, err := a.Acquire(ctx, "/lock/mismatch", testConnString, acquireOptions(2))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(ctx, "/lock/mismatch", testConnString, acquireOptions(3))
	assert.ErrorIs(t, err, domain.ErrMaxLeasesMismatch)
	assert.False(t, ok)
}

// Releasing a pool that holds nothing returns false without an error.
func TestCoordinator_ReleaseIdempotence(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	p := newTestProcess(t, node, "host-a", 5*time.Second)

	released, err := p.Release(ctx, "/lock/never", DefaultReleaseOptions())
	require.NoError(t, err)
	assert.False(t, released)

	ok, err := p.Acquire(ctx, "/lock/twice", testConnString, acquireOptions(1))
	require.NoError(t, err)
	require.True(t, ok)

	// acquiring a held pool again keeps the one lease
	ok, err = p.Acquire(ctx, "/lock/twice", testConnString, acquireOptions(1))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"host-a"}, holders(t, p, "/lock/twice"))

	released, err = p.Release(ctx, "/lock/twice", DefaultReleaseOptions())
	require.NoError(t, err)
	assert.True(t, released)

	released, err = p.Release(ctx, "/lock/twice", DefaultReleaseOptions())
	require.NoError(t, err)
	assert.False(t, released)

	// with a connection string but nothing held under the identifier
	opts := DefaultReleaseOptions()
	opts.ConnString = testConnString
	released, err = p.Release(ctx, "/lock/twice", opts)
	require.NoError(t, err)
	assert.False(t, released)
}

// A process that never acquired can release a persistent lease left behind
// under its identifier.
func TestCoordinator_ReleaseWithoutAcquire(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	first := newTestProcess(t, node, "job-1", 5*time.Second)

	opts := acquireOptions(1)
	opts.Ephemeral = false
	ok, err := first.Acquire(ctx, "/lock/persistent", testConnString, opts)
	require.NoError(t, err)
	require.True(t, ok)

	// the lease outlives the session that created it
	require.NoError(t, first.Disconnect())

	restarted := newTestProcess(t, node, "job-1", 5*time.Second)
	assert.Equal(t, []string{"job-1"}, holders(t, restarted, "/lock/persistent"))

	// holders registered the pool and already reattached the lease
	released, err := restarted.Release(ctx, "/lock/persistent", DefaultReleaseOptions())
	require.NoError(t, err)
	assert.True(t, released)
	assert.Empty(t, holders(t, restarted, "/lock/persistent"))

	ok, err = first.Acquire(ctx, "/lock/persistent", testConnString, opts)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, first.Disconnect())

	other := newTestProcess(t, node, "cleanup", 5*time.Second)
	releaseOpts := DefaultReleaseOptions()
	releaseOpts.ConnString = testConnString
	releaseOpts.Identifier = "job-1"
	released, err = other.Release(ctx, "/lock/persistent", releaseOpts)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Empty(t, holders(t, other, "/lock/persistent"))
}

// The ephemeral lease of a crashed holder disappears once its session
// times out, and the slot goes to the next acquirer.
func TestCoordinator_EphemeralExpiry(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	crashed := newTestProcess(t, node, "host-a", 300*time.Millisecond)
	next := newTestProcess(t, node, "host-b", 5*time.Second)

	ok, err := crashed.Acquire(ctx, "/lock/expiry", testConnString, acquireOptions(1))
	require.NoError(t, err)
	require.True(t, ok)

	crashed.crash()

	opts := acquireOptions(1)
	opts.Timeout = 5 * time.Second

	start := time.Now()
	ok, err = next.Acquire(ctx, "/lock/expiry", testConnString, opts)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.Equal(t, []string{"host-b"}, holders(t, next, "/lock/expiry"))
}

// An acquisition with a timeout gives up after roughly that long.
func TestCoordinator_TimeoutBound(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	holder := newTestProcess(t, node, "host-a", 5*time.Second)
	waiter := newTestProcess(t, node, "host-b", 5*time.Second)

	ok, err := holder.Acquire(ctx, "/lock/timeout", testConnString, acquireOptions(1))
	require.NoError(t, err)
	require.True(t, ok)

	opts := acquireOptions(1)
	opts.Timeout = 300 * time.Millisecond

	start := time.Now()
	ok, err = waiter.Acquire(ctx, "/lock/timeout", testConnString, opts)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	// a cancelled context is reported as such
	cancelCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	ok, err = waiter.Acquire(cancelCtx, "/lock/timeout", testConnString, acquireOptions(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ok)
}

func TestCoordinator_SessionLossWhileWaiting(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	holder := newTestProcess(t, node, "host-a", 5*time.Second)
	waiter := newTestProcess(t, node, "host-b", 300*time.Millisecond)

	ok, err := holder.Acquire(ctx, "/lock/loss", testConnString, acquireOptions(1))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = waiter.Connect(ctx, testConnString)
	require.NoError(t, err)
	waiter.crash()

	ok, err = waiter.Acquire(ctx, "/lock/loss", testConnString, acquireOptions(1))
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
	assert.False(t, ok)
}

// Blocking party members return together once the quorum is in, all with
// the same membership.
func TestCoordinator_PartyQuorum(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	opts := DefaultPartyOptions()
	opts.MinNodes = 3
	opts.Blocking = true

	results := make([][]string, 3)
	var returned atomic.Int32

	var g errgroup.Group
	join := func(i int, identifier string) {
		p := newTestProcess(t, node, identifier, 5*time.Second)
		g.Go(func() error {
			ids, err := p.PartyMembers(ctx, "/party/q", testConnString, opts)
			returned.Add(1)
			sort.Strings(ids)
			results[i] = ids
			return err
		})
	}

	join(0, "host-a")
	join(1, "host-b")

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), returned.Load())

	join(2, "host-c")
	require.NoError(t, g.Wait())

	assert.Equal(t, []string{"host-a", "host-b", "host-c"}, results[0])
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, results[0], results[2])

	// everybody left, the ready node is gone
	observer := newTestProcess(t, node, "observer", 5*time.Second)
	conn, err := observer.Connect(ctx, testConnString)
	require.NoError(t, err)

	children, err := conn.Children(ctx, "/party/q")
	require.NoError(t, err)
	assert.Empty(t, children)
}

// A member that dies after its round completed does not let a later caller
// return the finished round's membership.
func TestCoordinator_PartyMemberCrashMidRound(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	a := newTestProcess(t, node, "host-a", 500*time.Millisecond)
	b := newTestProcess(t, node, "host-b", 5*time.Second)

	connA, err := a.Connect(ctx, testConnString)
	require.NoError(t, err)
	connB, err := b.Connect(ctx, testConnString)
	require.NoError(t, err)

	barrierA := NewDoubleBarrier(connA, "/party/crash", "host-a", 2)
	barrierB := NewDoubleBarrier(connB, "/party/crash", "host-b", 2)

	var g errgroup.Group
	g.Go(func() error {
		_, err := barrierA.Enter(ctx)
		return err
	})
	g.Go(func() error {
		_, err := barrierB.Enter(ctx)
		return err
	})
	require.NoError(t, g.Wait())

	require.NoError(t, barrierB.Leave(ctx))
	a.crash()

	opts := DefaultPartyOptions()
	opts.MinNodes = 2
	opts.Blocking = true

	type result struct {
		ids []string
		err error
	}
	join := func(identifier string) <-chan result {
		p := newTestProcess(t, node, identifier, 5*time.Second)
		ch := make(chan result, 1)
		go func() {
			ids, err := p.PartyMembers(ctx, "/party/crash", testConnString, opts)
			sort.Strings(ids)
			ch <- result{ids, err}
		}()
		return ch
	}

	c := join("host-c")

	select {
	case res := <-c:
		t.Fatalf("returned %v before a quorum: %v", res.ids, res.err)
	case <-time.After(200 * time.Millisecond):
	}

	observer := newTestProcess(t, node, "observer", 5*time.Second)
	require.Eventually(t, func() bool {
		ids, err := observer.PartyMembers(ctx, "/party/crash", testConnString, DefaultPartyOptions())
		return err == nil && len(ids) == 1 && ids[0] == "host-c"
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case res := <-c:
		t.Fatalf("returned %v alone: %v", res.ids, res.err)
	case <-time.After(100 * time.Millisecond):
	}

	d := join("host-d")

	for _, ch := range []<-chan result{c, d} {
		select {
		case res := <-ch:
			require.NoError(t, res.err)
			assert.Equal(t, []string{"host-c", "host-d"}, res.ids)
		case <-time.After(5 * time.Second):
			t.Fatal("party did not reach its quorum")
		}
	}
}

func TestCoordinator_ShallowParty(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	p := newTestProcess(t, node, "observer", 5*time.Second)

	ids, err := p.PartyMembers(ctx, "/party/none", testConnString, DefaultPartyOptions())
	require.NoError(t, err)
	assert.Empty(t, ids)

	conn, err := p.Connect(ctx, testConnString)
	require.NoError(t, err)
	require.NoError(t, ensurePath(ctx, conn, "/party/shallow", nil))

	_, err = conn.Create(ctx, "/party/shallow/"+memberName("host-a"), nil, domain.FlagEphemeral)
	require.NoError(t, err)
	_, err = conn.Create(ctx, "/party/shallow/"+memberName("host-b"), nil, domain.FlagEphemeral)
	require.NoError(t, err)
	_, err = conn.Create(ctx, "/party/shallow/ready", nil, 0)
	require.NoError(t, err)

	ids, err = p.PartyMembers(ctx, "/party/shallow", testConnString, DefaultPartyOptions())
	require.NoError(t, err)
	sort.Strings(ids)
	assert.Equal(t, []string{"host-a", "host-b"}, ids)
}

// Three callers race for two slots: two get them, the third gets one as
// soon as a holder releases.
func TestCoordinator_EndToEnd(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	procs := map[string]*testProcess{
		"A": newTestProcess(t, node, "A", 5*time.Second),
		"B": newTestProcess(t, node, "B", 5*time.Second),
		"C": newTestProcess(t, node, "C", 5*time.Second),
	}

	acquired := make(chan string, 3)
	var g errgroup.Group
	for name, p := range procs {
		g.Go(func() error {
			ok, err := p.Acquire(ctx, "/lock/x", testConnString, acquireOptions(2))
			if err != nil {
				return err
			}
			if ok {
				acquired <- name
			}
			return nil
		})
	}

	first := []string{<-acquired, <-acquired}

	select {
	case name := <-acquired:
		t.Fatalf("%s acquired a third lease", name)
	case <-time.After(300 * time.Millisecond):
	}

	released, err := procs[first[0]].Release(ctx, "/lock/x", ReleaseOptions{MaxConcurrency: 2})
	require.NoError(t, err)
	require.True(t, released)

	select {
	case name := <-acquired:
		assert.NotContains(t, first, name)
	case <-time.After(5 * time.Second):
		t.Fatal("the blocked caller did not get the released slot")
	}

	require.NoError(t, g.Wait())
	assert.Len(t, holders(t, procs["A"], "/lock/x"), 2)
}

func TestMemberIdentifier(t *testing.T) {
	name := memberName("host-a")

	id, ok := memberIdentifier(name)
	assert.True(t, ok)
	assert.Equal(t, "host-a", id)

	_, ok = memberIdentifier("ready")
	assert.False(t, ok)

	assert.Equal(t, []string{"host-a"}, members([]string{name, "ready", "junk"}))
	assert.Equal(t, []string{name}, memberNodes([]string{name, "ready", "junk"}))

	r := round{Nodes: []string{name}}
	assert.True(t, r.includes(name))
	assert.False(t, r.includes(memberName("host-b")))
	assert.False(t, r.gone([]string{"ready", name}))
	assert.True(t, r.gone([]string{"ready", memberName("host-a")}))
}
