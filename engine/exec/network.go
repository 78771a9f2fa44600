package exec

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/opendlt/accumen-appsdk/types"
)

// Network routes committed messages between chains.
type Network struct {
	mu     sync.RWMutex
	chains map[types.ChainID]*Chain
}

// NewNetwork returns a network of chains.
func NewNetwork(chains ...*Chain) *Network {
	n := &Network{chains: map[types.ChainID]*Chain{}}
	for _, c := range chains {
		n.Add(c)
	}
	return n
}

// Add registers c, replacing any chain with the same id.
func (n *Network) Add(c *Chain) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chains[c.ID()] = c
}

// Chain returns the chain with the given id.
func (n *Network) Chain(id types.ChainID) (*Chain, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.chains[id]
	return c, ok
}

// Deliver executes each message of outbox on the chain of its target.
// Messages for one chain are delivered in order; different chains are
// delivered to in parallel. The outcomes are returned in outbox order. The
// first failure cancels deliveries that have not started.
func (n *Network) Deliver(ctx context.Context, outbox []types.IncomingMessage, gasLimit uint64) ([]*Outcome, error) {
	byChain := map[types.ChainID][]int{}
	var order []types.ChainID
	for i, msg := range outbox {
		id := msg.Target.Chain
		if _, ok := n.Chain(id); !ok {
			return nil, fmt.Errorf("message %d from %s: unknown chain %s", msg.Index, msg.Sender.Short(), id)
		}
		if _, ok := byChain[id]; !ok {
			order = append(order, id)
		}
		byChain[id] = append(byChain[id], i)
	}

	outcomes := make([]*Outcome, len(outbox))
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range order {
		chain, _ := n.Chain(id)
		indices := byChain[id]
		g.Go(func() error {
			for _, i := range indices {
				if err := gctx.Err(); err != nil {
					return err
				}
				out, err := chain.ExecuteMessage(gctx, outbox[i], gasLimit)
				if err != nil {
					return fmt.Errorf("deliver message %d from %s to %s: %w", outbox[i].Index, outbox[i].Sender.Short(), outbox[i].Target.Short(), err)
				}
				outcomes[i] = out
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}
