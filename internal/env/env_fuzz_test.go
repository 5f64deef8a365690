package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// FuzzMerge checks that Merge only emits keys it was given, keeps the output
// sorted and lets the extra list win for plain values.
func FuzzMerge(f *testing.F) {
	f.Add("A=1\nB=${A}-x", "C=${B}-y")
	f.Add("FOO=bar", "FOO=${FOO}")
	f.Add("X=$Y", "Y=${X}")
	f.Add("PATH=/opt/bin", "=nokey\nHOME=/srv")

	f.Fuzz(func(t *testing.T, globals, extras string) {
		global := splitLines(globals, 20)
		extra := splitLines(extras, 20)

		e := New()
		given := map[string]bool{}
		for _, kv := range global {
			if i := strings.IndexByte(kv, '='); i > 0 {
				e.Set(kv[:i], kv[i+1:])
				given[kv[:i]] = true
			}
		}
		last := map[string]string{}
		for _, kv := range extra {
			if i := strings.IndexByte(kv, '='); i > 0 {
				given[kv[:i]] = true
				last[kv[:i]] = kv[i+1:]
			}
		}

		out := e.Merge(extra)
		if !sort.StringsAreSorted(out) {
			t.Fatalf("output not sorted: %q", out)
		}
		got := map[string]string{}
		for _, kv := range out {
			i := strings.IndexByte(kv, '=')
			if i <= 0 {
				t.Fatalf("bad pair: %q", kv)
			}
			k := kv[:i]
			if !given[k] {
				t.Fatalf("key %q was not given; OS env leaks without FromOS", k)
			}
			if _, dup := got[k]; dup {
				t.Fatalf("duplicate key %q in %q", k, out)
			}
			got[k] = kv[i+1:]
		}
		for k, v := range last {
			if strings.Contains(v, "${") {
				continue
			}
			if got[k] != v {
				t.Fatalf("extra %s=%q must win, got %q", k, v, got[k])
			}
		}
	})
}

// FuzzLoadFile checks that comments and blank lines never become variables.
func FuzzLoadFile(f *testing.F) {
	f.Add("# comment\nA=1\n\n  B = two \n")
	f.Add("#X=1\n=novalue\nnoequals\n")
	f.Add("K=v=w\r\nL=")

	f.Fuzz(func(t *testing.T, content string) {
		p := filepath.Join(t.TempDir(), "server.env")
		if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		vars, err := LoadFile(p)
		if err != nil {
			t.Fatalf("LoadFile: %v", err)
		}
		for k := range vars {
			if k == "" || strings.HasPrefix(k, "#") {
				t.Fatalf("unexpected key %q from %q", k, content)
			}
			if strings.TrimSpace(k) != k {
				t.Fatalf("key %q not trimmed", k)
			}
		}
	})
}

func splitLines(s string, max int) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			out = append(out, ln)
		}
		if len(out) == max {
			break
		}
	}
	return out
}
