package helpers

import "testing"

func TestPlainText(t *testing.T) {
	cases := map[string]string{
		`<p>Hello <strong>world</strong><script>alert('x')</script></p>`: "Hello world",
		"Prices rose <strong>12%</strong> at AT&amp;T":                  "Prices rose 12% at AT&T",
		"  spaced\n\tout  ":                                              "spaced out",
		"":                                                               "",
	}
	for in, want := range cases {
		if got := PlainText(in); got != want {
			t.Fatalf("PlainText(%q) = %q, want %q", in, got, want)
		}
	}
}
