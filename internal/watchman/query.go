package watchman

import (
	"fmt"

	"github.com/tidwall/sjson"
)

// QueryFields are the per-file fields the parser consumes.
var QueryFields = []string{"name", "new", "exists"}

// BuildQuery returns a watchman "query" command for root. When since is
// non-empty only changes after that clock are requested; otherwise the
// daemon answers with every file it knows about.
//
// Example output:
//
//	["query","/repo",{"fields":["name","new","exists"],"since":"c:1386170113:26390:5:50273"}]
func BuildQuery(root, since string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("watch root cannot be empty")
	}

	opts, err := sjson.Set(`{}`, "fields", QueryFields)
	if err != nil {
		return "", fmt.Errorf("failed to build query options: %w", err)
	}
	if since != "" {
		if opts, err = sjson.Set(opts, "since", since); err != nil {
			return "", fmt.Errorf("failed to set since clock: %w", err)
		}
	}

	query, err := sjson.Set(`["query"]`, "-1", root)
	if err != nil {
		return "", fmt.Errorf("failed to set root: %w", err)
	}
	query, err = sjson.SetRaw(query, "-1", opts)
	if err != nil {
		return "", fmt.Errorf("failed to append query options: %w", err)
	}
	return query, nil
}
