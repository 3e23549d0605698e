// Package queue drains a shared FIFO task queue from any number of
// coordinators that share one state store.
//
// Each coordinator ticks on a fixed interval. A tick checks the lease and,
// if this coordinator owns it, runs at most one batch through the caller's
// process function. Items leave storage only after the batch reports
// success. Consecutive failures grow an exponential backoff that is
// persisted, so a restarted coordinator honors it too.
//
// Observers passed with WithObserver see lease transitions, batch outcomes
// and backoff windows; the metrics and telemetry packages provide them.
//
// Basic usage:
//
//	q, err := queue.New(queue.Config{
//		Storage: storage.New(store),
//		Process: func(batch [][]byte, done queue.DoneFunc) {
//			done(send(batch))
//		},
//	})
//	if err != nil {
//		return err
//	}
//	defer q.Destroy()
//
//	q.Enqueue([]byte("task"))
package queue
