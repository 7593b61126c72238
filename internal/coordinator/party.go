package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kgantsov/dslot/internal/domain"
	"github.com/kgantsov/dslot/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	readyNode    = "ready"
	leaveTimeout = 5 * time.Second
)

// memberName is <uuid hex>-<identifier>. The uuid keeps names unique when
// two members share an identifier.
func memberName(identifier string) string {
	return uuidHex() + "-" + identifier
}

// memberIdentifier strips the uuid prefix from a member node name.
func memberIdentifier(name string) (string, bool) {
	const prefix = 32 + 1
	if len(name) <= prefix || name[prefix-1] != '-' {
		return "", false
	}
	return name[prefix:], true
}

// memberNodes returns the member node names among children.
func memberNodes(children []string) []string {
	nodes := make([]string, 0, len(children))
	for _, child := range children {
		if child == readyNode {
			continue
		}
		if _, ok := memberIdentifier(child); ok {
			nodes = append(nodes, child)
		}
	}
	return nodes
}

func members(children []string) []string {
	nodes := memberNodes(children)
	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		id, _ := memberIdentifier(node)
		ids = append(ids, id)
	}
	return ids
}

// round is the data of the ready node: the member nodes present when the
// quorum was reached.
type round struct {
	Nodes []string `json:"nodes"`
}

func (r round) includes(node string) bool {
	return slices.Contains(r.Nodes, node)
}

// gone reports whether none of the members of the round are left.
func (r round) gone(children []string) bool {
	for _, child := range children {
		if r.includes(child) {
			return false
		}
	}
	return true
}

// ShallowParty reads the identifiers of the members present under path.
func ShallowParty(ctx context.Context, conn Conn, path string) ([]string, error) {
	children, err := conn.Children(ctx, path)
	if errors.Is(err, domain.ErrNoNode) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return members(children), nil
}

// DoubleBarrier holds participants until minNodes of them entered. The
// participant that completes the quorum writes the member nodes it saw into
// the ready node, so everybody of the round leaves with the same list. A
// participant missing from the ready node arrived after its round and waits
// for the next one.
type DoubleBarrier struct {
	conn       Conn
	path       string
	identifier string
	minNodes   int

	node string
}

func NewDoubleBarrier(conn Conn, path, identifier string, minNodes int) *DoubleBarrier {
	return &DoubleBarrier{
		conn:       conn,
		path:       path,
		identifier: identifier,
		minNodes:   minNodes,
	}
}

// Enter registers this participant and blocks until the quorum is reached.
// It returns the membership captured at quorum.
func (b *DoubleBarrier) Enter(ctx context.Context) ([]string, error) {
	if err := ensurePath(ctx, b.conn, b.path, nil); err != nil {
		return nil, err
	}

	node, err := b.conn.Create(ctx, domain.JoinPath(b.path, memberName(b.identifier)), nil, domain.FlagEphemeral)
	if err != nil {
		return nil, err
	}
	b.node = node

	start := time.Now()
	defer func() {
		metrics.BarrierWaitDuration.Observe(time.Since(start).Seconds())
	}()

	own := domain.BaseName(node)
	ready := domain.JoinPath(b.path, readyNode)

	for {
		exists, readyWatch, err := b.conn.ExistsW(ctx, ready)
		if err != nil {
			return nil, err
		}

		if !exists {
			children, err := b.conn.Children(ctx, b.path)
			if err != nil {
				return nil, err
			}

			nodes := memberNodes(children)
			if len(nodes) < b.minNodes {
				if err := b.wait(ctx, readyWatch, nil); err != nil {
					return nil, err
				}
				continue
			}

			data, err := json.Marshal(round{Nodes: nodes})
			if err != nil {
				return nil, err
			}

			_, err = b.conn.Create(ctx, ready, data, 0)
			if errors.Is(err, domain.ErrNodeExists) {
				continue
			}
			if err != nil {
				return nil, err
			}

			log.Debug().Msgf("Party %s reached %d of %d members", b.path, len(nodes), b.minNodes)
			return members(nodes), nil
		}

		data, _, err := b.conn.Get(ctx, ready)
		if errors.Is(err, domain.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var r round
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode members of %s: %w", b.path, err)
		}
		if r.includes(own) {
			return members(r.Nodes), nil
		}

		// An earlier round still holds the barrier. Its ready node goes once
		// all of its members left or lost their sessions.
		children, childWatch, err := b.conn.ChildrenW(ctx, b.path)
		if err != nil {
			return nil, err
		}
		if r.gone(children) {
			log.Debug().Msgf("Clearing finished round of party %s", b.path)

			err := b.conn.Delete(ctx, ready, domain.AnyVersion)
			if err != nil && !errors.Is(err, domain.ErrNoNode) {
				return nil, err
			}
			continue
		}

		if err := b.wait(ctx, readyWatch, childWatch); err != nil {
			return nil, err
		}
	}
}

// wait blocks until one of the watches fires. A nil watch never fires.
func (b *DoubleBarrier) wait(ctx context.Context, readyWatch, childWatch <-chan domain.Event) error {
	select {
	case <-readyWatch:
	case <-childWatch:
	case <-b.conn.Done():
		return domain.ErrSessionExpired
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Leave removes this participant without waiting for the others. The last
// participant to leave removes the ready node.
func (b *DoubleBarrier) Leave(ctx context.Context) error {
	if b.node == "" {
		return nil
	}

	err := b.conn.Delete(ctx, b.node, domain.AnyVersion)
	if err != nil && !errors.Is(err, domain.ErrNoNode) {
		return err
	}
	b.node = ""

	children, err := b.conn.Children(ctx, b.path)
	if errors.Is(err, domain.ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(members(children)) > 0 {
		return nil
	}

	err = b.conn.Delete(ctx, domain.JoinPath(b.path, readyNode), domain.AnyVersion)
	if err != nil && !errors.Is(err, domain.ErrNoNode) {
		return err
	}
	return nil
}

// PartyMembers returns the identifiers of the party at path. A blocking call
// enters a double barrier of opts.MinNodes participants first and returns
// the membership captured when the quorum was reached.
func (c *Coordinator) PartyMembers(ctx context.Context, path, connString string, opts PartyOptions) ([]string, error) {
	if err := domain.ValidatePath(path); err != nil {
		return nil, err
	}
	if opts.MinNodes < 1 {
		return nil, fmt.Errorf("%w: got %d", domain.ErrInvalidMinNodes, opts.MinNodes)
	}

	conn, err := c.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if !opts.Blocking {
		return ShallowParty(ctx, conn, path)
	}

	identifier := c.identifierOr(opts.Identifier)
	if err := validateIdentifier(identifier); err != nil {
		return nil, err
	}

	barrier := NewDoubleBarrier(conn, path, identifier, opts.MinNodes)

	captured, err := barrier.Enter(ctx)
	if err != nil {
		leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()

		if leaveErr := barrier.Leave(leaveCtx); leaveErr != nil {
			log.Warn().Msgf("Failed to leave party %s: %v", path, leaveErr)
		}
		return nil, err
	}

	if err := barrier.Leave(ctx); err != nil {
		log.Warn().Msgf("Failed to leave party %s: %v", path, err)
	}

	return captured, nil
}
