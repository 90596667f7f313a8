package watchman_test

import (
	"context"
	"fmt"
	"log"

	"github.com/incbuild/incwatch/internal/watchman"
	"github.com/incbuild/incwatch/internal/watchman/watchmantest"
)

// ExampleWatcher_PostEvents shows a query against an in-memory daemon.
func ExampleWatcher_PostEvents() {
	daemon := watchmantest.NewChannel(`{
		"version": "2.9.2",
		"clock": "c:1386170113:26390:5:50273",
		"is_fresh_instance": false,
		"files": [
			{"name": "/repo/src/new.c", "new": true},
			{"name": "/repo/src/main.c"},
			{"name": "/repo/buck-out/gen/main.o"},
			{"name": "/repo/src/old.c", "exists": false}
		]
	}`)

	cfg := watchman.DefaultConfig()
	cfg.ExcludedDirectories = []string{"/repo/buck-out"}

	w, err := watchman.NewWatcher(cfg, daemon.Opener())
	if err != nil {
		log.Fatal(err)
	}

	_, err = w.PostEvents(context.Background(), watchman.SinkFunc(func(e watchman.Event) {
		fmt.Printf("%s %s\n", e.Kind, e.Path)
	}))
	if err != nil {
		log.Fatal(err)
	}

	// Output:
	// create /repo/src/new.c
	// modify /repo/src/main.c
	// delete /repo/src/old.c
}
