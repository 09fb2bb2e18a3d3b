package syncclient

import (
	"sort"
	"strconv"
	"strings"
)

// encodeExpansion writes per-parent visible counts as "id:count,id:count",
// sorted by id so the same state always encodes the same way.
func encodeExpansion(visible map[string]int) string {
	if len(visible) == 0 {
		return ""
	}
	ids := make([]string, 0, len(visible))
	for id, count := range visible {
		if id == "" || count <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(id)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(visible[id]))
	}
	return b.String()
}

// decodeExpansion parses the encoded form back. Malformed entries are dropped
// without error; restoring a view should never fail on stale state.
func decodeExpansion(encoded string) map[string]int {
	visible := make(map[string]int)
	for _, entry := range strings.Split(encoded, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, raw, ok := strings.Cut(entry, ":")
		if !ok || id == "" {
			continue
		}
		count, err := strconv.Atoi(raw)
		if err != nil || count <= 0 {
			continue
		}
		visible[id] = count
	}
	return visible
}
