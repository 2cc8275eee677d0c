// Package async provides safe concurrent execution primitives for background tasks.
//
// SafeGo and Runner.Go run a function in a goroutine with panic recovery,
// a timeout, and failure logging. Runner additionally tracks in-flight tasks
// so shutdown can wait for them:
//
//	runner := async.NewRunner(logger)
//	runner.Go(context.WithoutCancel(ctx), 30*time.Second, "webhook delivery", deliver)
//	defer runner.Wait(shutdownCtx)
//
// Batch fans out over a slice with bounded concurrency and collects errors:
//
//	errs := async.Batch(ctx, integrations, 4, 30*time.Second, deliverOne)
//
// # Related Packages
//
//   - pkg/webhooks: delivery runs on a Runner, fan-out uses Batch
//   - pkg/middleware: usage recording runs through SafeGo
package async
