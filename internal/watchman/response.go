package watchman

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// ParseResponse decodes a daemon query response.
//
// The expected shape is:
//
//	{
//	  "version": "2.9.2",
//	  "clock": "c:1386170113:26390:5:50273",
//	  "is_fresh_instance": false,
//	  "files": [{"name": "/foo/bar/baz", "new": true, "exists": true}]
//	}
//
// Unknown fields are ignored. "new" defaults to false and "exists" to
// true when absent. The order of "files" is preserved. Every failure
// wraps ErrMalformedResponse; nothing is partially decoded.
func ParseResponse(data []byte) (*QueryResponse, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedResponse)
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: top level is not an object", ErrMalformedResponse)
	}

	files := root.Get("files")
	if !files.Exists() {
		// watchman reports failures in-band, in place of the files
		if msg := root.Get("error"); msg.Type == gjson.String && msg.Str != "" {
			return nil, fmt.Errorf("%w: daemon error: %s", ErrMalformedResponse, msg.Str)
		}
		return nil, fmt.Errorf("%w: missing files", ErrMalformedResponse)
	}
	if !files.IsArray() {
		return nil, fmt.Errorf("%w: files is not an array", ErrMalformedResponse)
	}

	entries := files.Array()
	resp := &QueryResponse{
		Version:         root.Get("version").String(),
		Clock:           root.Get("clock").String(),
		IsFreshInstance: root.Get("is_fresh_instance").Bool(),
		Files:           make([]ChangeDescriptor, 0, len(entries)),
	}

	for i, entry := range entries {
		desc, err := parseDescriptor(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: files[%d]: %v", ErrMalformedResponse, i, err)
		}
		resp.Files = append(resp.Files, desc)
	}

	return resp, nil
}

func parseDescriptor(entry gjson.Result) (ChangeDescriptor, error) {
	if !entry.IsObject() {
		return ChangeDescriptor{}, fmt.Errorf("entry is not an object")
	}

	name := entry.Get("name")
	if name.Type != gjson.String {
		return ChangeDescriptor{}, fmt.Errorf("missing name")
	}
	if name.Str == "" {
		return ChangeDescriptor{}, fmt.Errorf("empty name")
	}

	isNew, err := boolField(entry, "new", false)
	if err != nil {
		return ChangeDescriptor{}, err
	}
	exists, err := boolField(entry, "exists", true)
	if err != nil {
		return ChangeDescriptor{}, err
	}

	return ChangeDescriptor{
		Path:   name.Str,
		IsNew:  isNew,
		Exists: exists,
	}, nil
}

// boolField returns the boolean at key, or def when the key is absent
// or null.
func boolField(entry gjson.Result, key string, def bool) (bool, error) {
	v := entry.Get(key)
	switch v.Type {
	case gjson.True:
		return true, nil
	case gjson.False:
		return false, nil
	case gjson.Null:
		return def, nil
	default:
		return false, fmt.Errorf("%s is not a boolean", key)
	}
}
