package refresh

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// canonicalJSON decodes and re-encodes b with sorted keys so documents that
// differ only in formatting or key order compare equal.
func canonicalJSON(b []byte) ([]byte, bool) {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, false
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, false
	}
	return out, true
}

// recordChanged reports whether the previous fixture content and the fetched
// record differ semantically. Unparsable previous content counts as changed.
func recordChanged(previous, fetched []byte) bool {
	prev, ok := canonicalJSON(previous)
	if !ok {
		return true
	}
	next, ok := canonicalJSON(fetched)
	if !ok {
		return true
	}
	return !bytes.Equal(prev, next)
}

// diffRecord renders the canonical before/after forms of a changed record.
func diffRecord(previous, fetched []byte) string {
	if !recordChanged(previous, fetched) {
		return ""
	}
	prev, ok := canonicalJSON(previous)
	if !ok {
		prev = previous
	}
	next, ok := canonicalJSON(fetched)
	if !ok {
		next = fetched
	}
	return fmt.Sprintf("previous:\n%s\nfetched:\n%s\n", prev, next)
}
