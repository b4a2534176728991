// Package gate is the execution facade of callgate. A Gate admits calls
// through per-category circuit breakers, then batches them, queues them by
// priority or runs them inline, and records every outcome for stats.
//
//	g, err := gate.New(gate.DefaultConfig(), gate.WithLogger(log))
//	if err != nil {
//		return err
//	}
//	defer g.Shutdown()
//
//	reply, err := gate.Do(ctx, g, "ai", askProvider, types.WithPriority(5), types.WithoutBatching())
package gate
