package server

import (
	"strings"
	"testing"
)

func FuzzValidStoreID(f *testing.F) {
	for _, seed := range []string{"store-1", "", "..", "../etc", "a/b", `a\b`, "s.1_x", "门店", "a\x00b", "a\nb"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, id string) {
		if !validStoreID(id) {
			return
		}
		if strings.ContainsAny(id, "/\\?&#% \x00\n") {
			t.Fatalf("accepted id with reserved character: %q", id)
		}
		if strings.Contains(id, "..") {
			t.Fatalf("accepted id with traversal: %q", id)
		}
	})
}
