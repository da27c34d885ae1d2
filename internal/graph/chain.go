package graph

import (
	"github.com/pkg/errors"
)

func linkChain(nodes []Node) error {
	for i := 0; i+1 < len(nodes); i++ {
		if err := nodes[i].Link(nodes[i+1]); err != nil {
			return errors.Wrapf(err, "link node %d", i)
		}
	}
	return nil
}

func unlinkChain(nodes []Node) {
	for _, n := range nodes {
		n.Unlink()
	}
}

// startChain starts nodes from the tail, so every node has a running
// downstream before it sees its first sample. On failure the nodes already
// started are stopped again.
func startChain(nodes []Node) error {
	for i := len(nodes) - 1; i >= 0; i-- {
		if err := nodes[i].Start(); err != nil {
			stopChain(nodes[i+1:])
			return errors.Wrapf(err, "start node %d", i)
		}
	}
	return nil
}

// stopChain stops nodes from the tail. A sink blocked on I/O is stopped before
// the relay feeding it, so the relay's pump can exit.
func stopChain(nodes []Node) {
	for i := len(nodes) - 1; i >= 0; i-- {
		if err := nodes[i].Stop(); err != nil {
			log.Warn("stop node %d: %v", i, err)
		}
	}
}
