package namelist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewList(t *testing.T) {
	l := NewList()
	if l == nil {
		t.Fatal("NewList returned nil")
	}
	if l.Count() != 0 {
		t.Errorf("new list count = %d, want 0", l.Count())
	}
}

func TestList_AddDomain_Contains(t *testing.T) {
	l := NewList()
	l.AddDomain("google.com")
	if l.Count() != 1 {
		t.Errorf("Count() = %d, want 1", l.Count())
	}
	if !l.Contains("google.com") {
		t.Error("Contains(google.com) = false, want true")
	}
	if !l.Contains("WWW.GOOGLE.COM.") {
		t.Error("Contains should normalize case and trailing dot")
	}
	if !l.Contains("a.b.google.com") {
		t.Error("Contains(subdomain) = false, want true")
	}
	if l.Contains("com") {
		t.Error("Contains(com) = true, want false (only google.com listed)")
	}
	if l.Contains("notgoogle.com") {
		t.Error("Contains(notgoogle.com) = true, want false")
	}
}

func TestList_NilSafe(t *testing.T) {
	var l *List
	if l.Contains("x.com") {
		t.Error("nil Contains should return false")
	}
	l.AddDomain("x.com") // no-op
	if l.Count() != 0 {
		t.Error("nil Count should return 0")
	}
}

func TestLoad_Formats(t *testing.T) {
	input := strings.Join([]string{
		"# gfwlist",
		"google.com",
		"",
		"  twitter.com  # inline comment",
		"0.0.0.0 ads.example.net tracker.example.net",
		"bogus line here",
	}, "\n")
	l := NewList()
	n, err := Load(l, strings.NewReader(input))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 4 {
		t.Errorf("Load returned %d entries, want 4", n)
	}
	for _, d := range []string{"google.com", "twitter.com", "ads.example.net", "tracker.example.net"} {
		if !l.Contains(d) {
			t.Errorf("Contains(%s) = false after Load", d)
		}
	}
	if l.Contains("bogus") {
		t.Error("malformed line should be skipped")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chnlist.txt")
	if err := os.WriteFile(path, []byte("baidu.com\nqq.com\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := NewList()
	n, err := LoadFromFile(l, path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if n != 2 {
		t.Errorf("LoadFromFile = %d, want 2", n)
	}
	if _, err := LoadFromFile(l, filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("LoadFromFile(missing) should fail")
	}
	if _, err := LoadFromFile(nil, path); err == nil {
		t.Error("LoadFromFile(nil list) should fail")
	}
}

func TestClassify_Priority(t *testing.T) {
	block := NewList()
	block.AddDomains([]string{"google.com", "shared.example"})
	allow := NewList()
	allow.AddDomains([]string{"baidu.com", "shared.example"})

	lists := &Lists{Block: block, Allow: allow, BlockFirst: true}
	cases := map[string]Match{
		"www.google.com.":  Block,
		"map.baidu.com":    Allow,
		"example.org":      None,
		"a.shared.example": Block,
	}
	for name, want := range cases {
		if got := lists.Classify(name); got != want {
			t.Errorf("Classify(%q) = %v, want %v", name, got, want)
		}
	}

	lists.BlockFirst = false
	if got := lists.Classify("a.shared.example"); got != Allow {
		t.Errorf("allow-first Classify(overlap) = %v, want allow", got)
	}
	if got := lists.Classify("google.com"); got != Block {
		t.Errorf("allow-first Classify(google.com) = %v, want block", got)
	}
}

func TestClassify_NoLists(t *testing.T) {
	var lists *Lists
	if got := lists.Classify("google.com"); got != None {
		t.Errorf("nil Lists Classify = %v, want none", got)
	}
	empty := &Lists{BlockFirst: true}
	if empty.Loaded() {
		t.Error("Loaded() = true with no lists")
	}
	if got := empty.Classify("google.com"); got != None {
		t.Errorf("empty Lists Classify = %v, want none", got)
	}
}
