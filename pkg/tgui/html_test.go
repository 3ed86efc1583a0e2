package tgui

import (
	"strings"
	"testing"
)

func TestEscAndWrap(t *testing.T) {
	t.Parallel()

	if got := Esc(`<b>&"`); got != H("&lt;b&gt;&amp;&#34;") {
		t.Fatalf("Esc = %q", got)
	}
	if got := B("a<b"); got != H("<b>a&lt;b</b>") {
		t.Fatalf("B = %q", got)
	}
	if got := Code("x"); got != H("<code>x</code>") {
		t.Fatalf("Code = %q", got)
	}
}

func TestLinkEscapesBoth(t *testing.T) {
	t.Parallel()

	got := Link(`a"b`, `https://t.me/c/1/2?x="y"`).String()
	if strings.Contains(got, `"y"`) || !strings.HasPrefix(got, `<a href="`) {
		t.Fatalf("Link = %q", got)
	}
}

func TestJoinHSkipsBlank(t *testing.T) {
	t.Parallel()

	got := JoinH(" | ", H("a"), H("  "), H(""), H("b"))
	if got != H("a | b") {
		t.Fatalf("JoinH = %q", got)
	}
}

func TestClip(t *testing.T) {
	t.Parallel()

	if got := Clip("short"); got != "short" {
		t.Fatalf("Clip = %q", got)
	}
	long := strings.Repeat("x", MaxMessageLen+10)
	got := Clip(long)
	if len(got) != MaxMessageLen || !strings.HasSuffix(got, "...") {
		t.Fatalf("Clip len = %d, suffix = %q", len(got), got[len(got)-5:])
	}
}
