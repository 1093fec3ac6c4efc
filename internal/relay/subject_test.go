package relay

import "testing"

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		ok      bool
	}{
		{"a.b.c", true},
		{"relay.agent.A-1_x", true},
		{"a", true},
		{"", false},
		{"a..b", false},
		{".a", false},
		{"a.", false},
		{"a.*.c", false}, // wildcards are subscriber-only
		{"a.>", false},
		{"a.b c", false},
	}
	for _, tt := range tests {
		err := ValidateSubject(tt.subject)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateSubject(%q) = %v, want ok=%v", tt.subject, err, tt.ok)
		}
	}
}

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		pattern string
		ok      bool
	}{
		{"a.b.c", true},
		{"a.*.c", true},
		{"a.b.>", true},
		{">", true},
		{"*", true},
		{"", false},
		{"a.>.c", false},
		{"a..b", false},
		{"a.**", false},
	}
	for _, tt := range tests {
		_, err := CompilePattern(tt.pattern)
		if (err == nil) != tt.ok {
			t.Errorf("CompilePattern(%q) = %v, want ok=%v", tt.pattern, err, tt.ok)
		}
	}
}

func TestPatternMatches(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b.d", false},
		{"a.b.c", "a.b", false},
		{"a.*.c", "a.x.c", true},
		{"a.*.c", "a.x.y.c", false},
		{"a.b.>", "a.b.c", true},
		{"a.b.>", "a.b.c.d.e", true},
		{"a.b.>", "a.b", false},
		{">", "a", true},
		{">", "a.b.c", true},
		{"*", "a", true},
		{"*", "a.b", false},
	}
	for _, tt := range tests {
		p, err := CompilePattern(tt.pattern)
		if err != nil {
			t.Fatalf("compile %q: %v", tt.pattern, err)
		}
		if got := p.Matches(tt.subject); got != tt.want {
			t.Errorf("%q.Matches(%q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}
