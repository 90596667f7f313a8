// Package watchman turns a filesystem-watching daemon's query response
// into an ordered batch of build-invalidation events.
//
// # Pipeline
//
// Each call to Watcher.PostEvents runs the same linear pipeline:
//
//  1. Query: write the configured payload to a fresh Channel and read the
//     full response until end of stream
//  2. ParseResponse: decode the JSON reply into ChangeDescriptors, keeping
//     the daemon's order
//  3. FilterExcluded: drop paths at or under an excluded directory
//  4. ShouldOverflow: if more changes survive than the threshold allows,
//     replace the whole batch with a single overflow event
//  5. Classify: map each descriptor's new/exists flags to create, modify
//     or delete
//  6. Emit: post the events, in order, to the caller's Sink
//
// Only step 1 and step 6 have side effects. Nothing is posted unless
// every earlier step succeeded.
//
// # Usage
//
//	cfg := watchman.DefaultConfig()
//	cfg.ExcludedDirectories = []string{"/repo/buck-out"}
//	cfg.QueryPayload, _ = watchman.BuildQuery("/repo", lastClock)
//
//	w, err := watchman.NewWatcher(cfg, watchman.CommandOpener(watchman.DefaultCommand, "/repo"))
//	if err != nil {
//	    return err
//	}
//
//	res, err := w.PostEvents(ctx, watchman.SinkFunc(func(e watchman.Event) {
//	    switch e.Kind {
//	    case watchman.KindOverflow:
//	        invalidateEverything()
//	    default:
//	        invalidate(e.Path)
//	    }
//	}))
//	if watchman.IsRescanRequired(err) {
//	    invalidateEverything()
//	}
//
// # Classification
//
//	exists=false            -> delete
//	exists=true,  new=true  -> create
//	exists=true,  new=false -> modify
//
// # Fresh instances
//
// The daemon sets is_fresh_instance after a restart, when its history no
// longer covers the requested period. The watcher only passes the flag
// through in Result; deciding to rescan is left to the caller.
//
// # Thread Safety
//
// A Watcher is immutable but uses one channel per call. Run at most one
// PostEvents per Watcher at a time.
package watchman
