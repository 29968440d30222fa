package env

import (
	"sort"
	"strings"
	"testing"
)

// FuzzMergeLayers checks that the composed backend environment is sorted,
// has one entry per key and lets launch overrides win over configured vars.
func FuzzMergeLayers(f *testing.F) {
	f.Add("JAVA_OPTS=-Xmx512m\nAPP_HOME=/opt/app", "JAVA_OPTS=-Xmx1g")
	f.Add("A=${B}\nB=${A}", "C=${A}")
	f.Add("=x\nnoequals", "PORT=23333\nPORT=23334")

	f.Fuzz(func(t *testing.T, configured, launch string) {
		vars := strings.Split(configured, "\n")
		overrides := strings.Split(launch, "\n")

		out := New(false).SetList(vars).Merge(overrides)
		if !sort.StringsAreSorted(out) {
			t.Fatalf("not sorted: %q", out)
		}
		got := make(map[string]string, len(out))
		for _, kv := range out {
			k, v, ok := Split(kv)
			if !ok {
				t.Fatalf("malformed entry %q", kv)
			}
			if _, dup := got[k]; dup {
				t.Fatalf("duplicate key %q in %q", k, out)
			}
			got[k] = v
		}

		want := map[string]string{}
		for _, kv := range overrides {
			if k, v, ok := Split(kv); ok {
				want[k] = v
			}
		}
		for k, v := range want {
			if strings.Contains(v, "$") {
				continue
			}
			if got[k] != v {
				t.Fatalf("override %s=%q lost, got %q", k, v, got[k])
			}
		}
	})
}
