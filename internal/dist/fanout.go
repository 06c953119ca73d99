package dist

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/me/stepflow/internal/executor"
	"github.com/me/stepflow/internal/scheduler"
)

// Fanout runs one process's side of the leader/follower protocol. The
// leader computes the action sequence and owns all policy state; followers
// execute the broadcast actions in lockstep so every process observes the
// identical ordered sequence. Only the leader's results feed the sequencer.
type Fanout struct {
	rank   int
	tr     Transport
	exec   executor.Executor
	logger *slog.Logger
}

// New creates a Fanout for the given rank. Rank 0 is the leader.
func New(rank int, tr Transport, exec executor.Executor, logger *slog.Logger) *Fanout {
	return &Fanout{
		rank:   rank,
		tr:     tr,
		exec:   exec,
		logger: logger.With("component", "fanout", "rank", rank),
	}
}

// Lead drives the sequencer on the leader: broadcast each action, execute
// it locally, wait for every follower at the barrier, then feed the local
// result back. A nil broadcast tells followers the run is over.
func (f *Fanout) Lead(ctx context.Context, seq *scheduler.Sequencer) error {
	if f.rank != 0 {
		return fmt.Errorf("rank %d cannot lead", f.rank)
	}

	err := f.dispatch(ctx, seq)

	// The sentinel goes out even when the run dies mid-action; followers
	// block on the next broadcast and would otherwise never terminate.
	if _, serr := f.tr.Broadcast(nil); serr != nil && err == nil {
		err = fmt.Errorf("broadcast sentinel: %w", serr)
	}
	if err != nil {
		return err
	}
	return seq.Err()
}

func (f *Fanout) dispatch(ctx context.Context, seq *scheduler.Sequencer) error {
	for env := range seq.Run(ctx) {
		f.logger.Debug("dispatch", "action", env.Action.String())
		if _, err := f.tr.Broadcast(&env.Action); err != nil {
			return fmt.Errorf("broadcast %s: %w", env.Action.Kind, err)
		}
		res, err := f.exec.Perform(ctx, env.Action)
		if err != nil {
			return fmt.Errorf("perform %s: %w", env.Action.Kind, err)
		}
		if err := f.tr.Gather(); err != nil {
			return fmt.Errorf("barrier after %s: %w", env.Action.Kind, err)
		}
		env.Respond(res)
	}
	return nil
}

// Follow executes the leader's actions until the termination sentinel. The
// local result is discarded; policy never runs here.
func (f *Fanout) Follow(ctx context.Context) error {
	for {
		a, err := f.tr.Broadcast(nil)
		if err != nil {
			return fmt.Errorf("receive action: %w", err)
		}
		if a == nil {
			f.logger.Debug("sentinel received")
			return nil
		}
		f.logger.Debug("execute", "action", a.String())
		if _, err := f.exec.Perform(ctx, *a); err != nil {
			return fmt.Errorf("perform %s: %w", a.Kind, err)
		}
		if err := f.tr.Gather(); err != nil {
			return fmt.Errorf("barrier after %s: %w", a.Kind, err)
		}
	}
}
