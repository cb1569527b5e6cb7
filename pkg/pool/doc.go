// Package pool manages physical server sessions.
//
// A Registry maps each connection string and credential to a Group, and each
// Group holds one Pool per security identity. Pools lease sessions, recycle
// them on release and park sessions whose ambient transaction is still open
// in stasis until the StasisTracker resolves it.
//
//	registry, err := pool.NewRegistry(connector, pool.DefaultConfig(), pool.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer registry.Close()
//	_ = registry.Start(ctx)
//
//	session, err := registry.Open(ctx, "Server=db1;Database=app", "svc", "")
//	if err != nil {
//		return err
//	}
//	defer registry.Release(session, false)
//
// Pruning runs in the background every PruneInterval. Each sweep advances a
// group one step: unused pools are disposed, an empty group turns idle, and an
// idle group that stayed empty is removed.
package pool
