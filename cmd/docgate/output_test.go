package main

import (
	"strings"
	"testing"
)

func TestColorize(t *testing.T) {
	orig := noColor
	t.Cleanup(func() { noColor = orig })

	noColor = false
	got := colorize(colorGreen, "ok")
	if !strings.HasPrefix(got, colorGreen) || !strings.HasSuffix(got, colorReset) {
		t.Errorf("colorize = %q, want color codes", got)
	}

	noColor = true
	if got := colorize(colorGreen, "ok"); got != "ok" {
		t.Errorf("colorize with --no-color = %q, want plain text", got)
	}
}
