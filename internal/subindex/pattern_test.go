package subindex

import "testing"

func TestIsPattern(t *testing.T) {
	if IsPattern("orders.created") {
		t.Fatalf("plain topic flagged as pattern")
	}
	if !IsPattern("orders.*") || !IsPattern("order?") {
		t.Fatalf("glob not detected")
	}
}

func TestPatternMatch(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"orders.*", "orders.created", true},
		{"orders.*", "orders.", true},
		{"orders.*", "orders", false},
		{"*", "anything", true},
		{"*", "", true},
		{"order?", "orders", true},
		{"order?", "order", false},
		{"order?", "orderss", false},
		{"*.created", "orders.created", true},
		{"*.created", "users.created", true},
		{"*.created", "users.deleted", false},
		{"a*b*c", "abc", true},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXcYYb", false},
		{"**", "x", true},
		{"orders.?.*", "orders.1.created", true},
	}
	for _, c := range cases {
		p := CompilePattern(c.pattern)
		if got := p.Match(c.topic); got != c.want {
			t.Fatalf("pattern %q topic %q: got %v want %v", c.pattern, c.topic, got, c.want)
		}
	}
}
