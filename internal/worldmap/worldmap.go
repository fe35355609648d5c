// Package worldmap implements the optional sharded 2D grid extension.
// The grid is chunkLen cells wide; every island owns one row-shaped
// fragment of chunkLen cells. Reads and writes outside the local
// fragment are routed to the owning island as MapSet/MapGet messages.
// The extension is never load-bearing for the runtime.
package worldmap

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/archipelago-sim/archipelago/internal/message"
)

// Router abstracts the sending half of an island environment; the grid
// uses it to reach remote fragment owners.
type Router interface {
	SendToLocal(id uuid.UUID, msg message.Message) error
	SendToGlobal(addr message.Addr, msg message.Message) error
}

// HostIslands pairs a host address with the islands it runs, as
// announced during ownership setup.
type HostIslands struct {
	Host    message.Addr
	Islands []uuid.UUID
}

// AssignOwners hands out one fragment of chunkLen cells per island, in
// the order the hosts announced them. The coordinator computes this
// once and broadcasts it.
func AssignOwners(chunkLen uint64, hosts []HostIslands) []message.OwnedFragment {
	var owners []message.OwnedFragment
	var next uint64
	for _, h := range hosts {
		for _, id := range h.Islands {
			owners = append(owners, message.OwnedFragment{
				Start: next,
				End:   next + chunkLen,
				Owner: message.FragmentOwner{Host: h.Host, Island: id},
			})
			next += chunkLen
		}
	}
	return owners
}

// Instance is one island's view of the grid: the shared ownership
// table plus the locally owned cells.
type Instance struct {
	chunkLen uint64
	owners   []message.OwnedFragment
	self     message.FragmentOwner
	frag     message.OwnedFragment
	data     []int64
}

// NewInstance builds the view for the island named by self. The island
// must appear in the ownership table.
func NewInstance(chunkLen uint64, owners []message.OwnedFragment, self message.FragmentOwner) (*Instance, error) {
	for _, f := range owners {
		if f.Owner.Island == self.Island {
			return &Instance{
				chunkLen: chunkLen,
				owners:   owners,
				self:     self,
				frag:     f,
				data:     make([]int64, f.End-f.Start),
			}, nil
		}
	}
	return nil, fmt.Errorf("island %s owns no grid fragment", self.Island)
}

// Set writes the cell at (x, y): in place when the cell is locally
// owned, otherwise routed to the owner through r.
func (i *Instance) Set(r Router, x, y uint64, val int64) error {
	offset := i.offset(x, y)
	owner, ok := i.lookup(offset)
	if !ok {
		return fmt.Errorf("cell (%d, %d) is outside the grid", x, y)
	}
	switch {
	case owner.Island == i.self.Island:
		i.data[offset-i.frag.Start] = val
		return nil
	case owner.Host == i.self.Host:
		return r.SendToLocal(owner.Island, message.MapSet(x, y, val))
	default:
		return r.SendToGlobal(owner.Host, message.MapSet(x, y, val))
	}
}

// Get requests the cell at (x, y) from its owner. Locally owned cells
// answer through the returned value; remote cells are requested with a
// MapGet message and answer asynchronously.
func (i *Instance) Get(r Router, x, y uint64) (int64, bool, error) {
	offset := i.offset(x, y)
	owner, ok := i.lookup(offset)
	if !ok {
		return 0, false, fmt.Errorf("cell (%d, %d) is outside the grid", x, y)
	}
	switch {
	case owner.Island == i.self.Island:
		return i.data[offset-i.frag.Start], true, nil
	case owner.Host == i.self.Host:
		return 0, false, r.SendToLocal(owner.Island, message.MapGet(x, y, 0))
	default:
		return 0, false, r.SendToGlobal(owner.Host, message.MapGet(x, y, 0))
	}
}

// Apply folds an inbound MapSet into the local fragment. Writes outside
// the fragment are rejected.
func (i *Instance) Apply(msg message.Message) error {
	if msg.Kind != message.KindMapSet {
		return fmt.Errorf("cannot apply %s to the grid", msg)
	}
	offset := i.offset(msg.X, msg.Y)
	if offset < i.frag.Start || offset >= i.frag.End {
		return fmt.Errorf("cell (%d, %d) is not locally owned", msg.X, msg.Y)
	}
	i.data[offset-i.frag.Start] = msg.Val
	return nil
}

// Neighbourhood returns the up-to-eight grid coordinates adjacent to
// (x, y), clipped to the grid bounds.
func (i *Instance) Neighbourhood(x, y uint64) [][2]uint64 {
	height := uint64(len(i.owners))
	var cells [][2]uint64
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nx, ny := int64(x)+int64(dx), int64(y)+int64(dy)
			if nx < 0 || ny < 0 || uint64(nx) >= i.chunkLen || uint64(ny) >= height {
				continue
			}
			cells = append(cells, [2]uint64{uint64(nx), uint64(ny)})
		}
	}
	return cells
}

// Width is the grid width in cells.
func (i *Instance) Width() uint64 {
	return i.chunkLen
}

// Height is the grid height in cells, one row per owned fragment.
func (i *Instance) Height() uint64 {
	return uint64(len(i.owners))
}

func (i *Instance) offset(x, y uint64) uint64 {
	return y*i.chunkLen + x
}

func (i *Instance) lookup(offset uint64) (message.FragmentOwner, bool) {
	for _, f := range i.owners {
		if offset >= f.Start && offset < f.End {
			return f.Owner, true
		}
	}
	return message.FragmentOwner{}, false
}
