package graph

import (
	"fmt"

	"github.com/lanikai/alohacast/internal/media"
)

// BranchState tracks a branch through insertion and removal.
type BranchState int

const (
	Unattached BranchState = iota
	Attached
	Draining
	Detached
)

func (st BranchState) String() string {
	switch st {
	case Unattached:
		return "unattached"
	case Attached:
		return "attached"
	case Draining:
		return "draining"
	case Detached:
		return "detached"
	default:
		return fmt.Sprintf("BranchState(%d)", int(st))
	}
}

// A Branch is a chain of nodes hanging off one splitter port. Muxed branches
// end in an input of the shared muxer for their destination class.
type Branch struct {
	Name  string
	Class string
	Muxed bool

	// Applied to every node implementing Formatter before the branch starts.
	Format media.Format

	Nodes []Node

	// Guarded by the surgeon's lock.
	state    BranchState
	splitter *Splitter
	port     *Port
	mux      *Muxer
	muxIn    *Port
}

func NewBranch(name, class string, nodes ...Node) *Branch {
	return &Branch{
		Name:  name,
		Class: class,
		Nodes: nodes,
	}
}

// Port returns the entry port, or nil while the branch is not attached.
func (b *Branch) Port() *Port {
	return b.port
}

func (b *Branch) String() string {
	return b.Class + "/" + b.Name
}
