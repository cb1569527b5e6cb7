// Package retry provides the configurable retry layer for server commands.
//
// A Provider combines three parts:
//
//   - a StatementGate that refuses retry for statement categories whose side
//     effects are not safely repeatable (DML by default)
//   - a TransientFaultClassifier deciding from server error numbers, timeouts
//     and driver errors whether a failure may clear up on its own
//   - an IntervalSchedule (fixed, incremental, exponential or none) handing
//     out a fresh IntervalEnumerator for every execution
//
// Basic usage:
//
//	provider, err := retry.CreateExponential(5, 100*time.Millisecond, time.Second,
//		retry.WithBlockedStatements(retry.Insert|retry.Delete),
//		retry.WithEventHandler(retry.NewLoggingEventHandler(logger)))
//	if err != nil {
//		return err
//	}
//
//	rows, err := retry.Execute(ctx, provider, "SELECT id FROM t", func(ctx context.Context) (int, error) {
//		return countRows(ctx)
//	})
//
// The last attempt's error is returned unchanged, so errors.Is and errors.As
// keep working on server errors. When the context ends during a wait, the
// context error is joined with the last failure.
//
// Providers are immutable once built and safe for concurrent use.
package retry
