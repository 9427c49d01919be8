package nominator

import (
	"github.com/puzpuzpuz/xsync/v4"
)

// Groups are the disjoint nominator groups, each serviced independently in a round.
type Groups struct {
	groups       [][]*Nominator
	byController *xsync.Map[string, *Nominator]
}

func NewGroups(groups [][]*Nominator) *Groups {
	g := &Groups{groups: groups, byController: xsync.NewMap[string, *Nominator]()}
	for _, group := range groups {
		for _, n := range group {
			g.byController.Store(n.BondedAddress(), n)
		}
	}
	return g
}

// Groups returns the configured groups in order.
func (g *Groups) Groups() [][]*Nominator {
	return g.groups
}

// Len is the number of groups.
func (g *Groups) Len() int {
	return len(g.groups)
}

// All lists every nominator, group by group.
func (g *Groups) All() []*Nominator {
	var out []*Nominator
	for _, group := range g.groups {
		out = append(out, group...)
	}
	return out
}

// Proxies lists the nominators that act through Proxy.
func (g *Groups) Proxies() []*Nominator {
	var out []*Nominator
	for _, n := range g.All() {
		if n.IsProxy() {
			out = append(out, n)
		}
	}
	return out
}

// FindByController returns the nominator whose bonded address is controller, or nil.
func (g *Groups) FindByController(controller string) *Nominator {
	n, ok := g.byController.Load(controller)
	if !ok {
		return nil
	}
	return n
}
