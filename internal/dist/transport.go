package dist

import (
	"fmt"

	"github.com/me/stepflow/pkg/model"
)

// Transport is the process-group primitive the fan-out is built on: a
// one-to-all broadcast of the next action (nil is the termination sentinel)
// and an all-to-one barrier with no payload. Implementations may back it
// with in-process channels or a real network transport; scheduling logic
// never notices the difference.
//
// There is no timeout on the barrier. A hung process hangs the group;
// bounding that is a deployment concern, not the primitive's.
type Transport interface {
	// Broadcast delivers an action to every process. The leader passes the
	// value and gets it back; followers pass nil and receive the leader's.
	Broadcast(a *model.Action) (*model.Action, error)

	// Gather blocks until every process has arrived.
	Gather() error
}

// localLeader is rank 0 of an in-process group.
type localLeader struct {
	bcast  []chan *model.Action
	gather chan struct{}
}

// localFollower is a non-zero rank of an in-process group.
type localFollower struct {
	rank   int
	bcast  <-chan *model.Action
	gather chan<- struct{}
}

// LocalGroup builds an in-process transport group of n ranks connected by
// channels, rank 0 first. Useful for tests and single-host simulation.
func LocalGroup(n int) []Transport {
	if n < 1 {
		panic("dist: group size must be at least 1")
	}
	gather := make(chan struct{}, n-1)
	leader := &localLeader{gather: gather}
	group := make([]Transport, 0, n)
	group = append(group, leader)
	for rank := 1; rank < n; rank++ {
		ch := make(chan *model.Action, 1)
		leader.bcast = append(leader.bcast, ch)
		group = append(group, &localFollower{rank: rank, bcast: ch, gather: gather})
	}
	return group
}

func (l *localLeader) Broadcast(a *model.Action) (*model.Action, error) {
	for _, ch := range l.bcast {
		ch <- a
	}
	return a, nil
}

func (l *localLeader) Gather() error {
	for range l.bcast {
		<-l.gather
	}
	return nil
}

func (f *localFollower) Broadcast(a *model.Action) (*model.Action, error) {
	if a != nil {
		return nil, fmt.Errorf("rank %d is not the leader", f.rank)
	}
	return <-f.bcast, nil
}

func (f *localFollower) Gather() error {
	f.gather <- struct{}{}
	return nil
}
