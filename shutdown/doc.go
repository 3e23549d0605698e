// Package shutdown runs ordered teardown for a sharedqueue process.
//
// Handlers are grouped into phases. Lower phases run first and handlers in
// the same phase run concurrently. The usual order is:
//
//   - PhaseCoordinators: Destroy queue coordinators so no tick touches storage
//   - PhaseBatches: wait for batches already dispatched to report done
//   - PhaseWatchers: stop watch streams and other readers
//   - PhaseStores: close state stores and their connections
//
// Example:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.Register("queue", shutdown.Destroyer(q), shutdown.PhaseCoordinators)
//	coord.Register("store", shutdown.Closer(backend), shutdown.PhaseStores)
//
//	ctx, stop := coord.HandleSignals(context.Background())
//	defer stop()
//	<-ctx.Done()
//	coord.ShutdownWithTimeout(0)
package shutdown
