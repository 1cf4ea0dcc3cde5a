package schema

import "testing"

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"strips scheme", "https://example.com/page", "example.com/page"},
		{"strips www", "https://www.example.com/page", "example.com/page"},
		{"lowercases host", "https://EXAMPLE.com/Page", "example.com/Page"},
		{"keeps path case", "http://example.com/Some/Path", "example.com/Some/Path"},
		{"trailing slash", "https://example.com/page/", "example.com/page"},
		{"bare host slash", "https://example.com/", "example.com"},
		{"no scheme", "example.com/page", "example.com/page"},
		{"default port dropped", "https://example.com:443/page", "example.com/page"},
		{"custom port kept", "http://example.com:8080/page", "example.com:8080/page"},
		{"query sorted", "http://example.com/p?b=2&a=1", "example.com/p?a=1&b=2"},
		{"fragment dropped", "http://example.com/p#section", "example.com/p"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeURL(tt.in); got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeURLStable(t *testing.T) {
	// Normalizing twice must be a fixed point, otherwise lookups by
	// natural key drift between devices.
	inputs := []string{
		"https://www.example.com/a/b/?x=1",
		"example.com:8080/page",
		"EXAMPLE.com",
	}
	for _, in := range inputs {
		once := NormalizeURL(in)
		twice := NormalizeURL(once)
		if once != twice {
			t.Errorf("NormalizeURL not stable for %q: %q != %q", in, once, twice)
		}
	}
}

func TestAnnotationURLRoundTrip(t *testing.T) {
	tests := []struct {
		page, local string
	}{
		{"example.com/page", "1234567890"},
		{"example.com", "abc"},
		{"example.com/p?a=1", "1712000000000"},
	}

	for _, tt := range tests {
		composite := JoinAnnotationURL(tt.page, tt.local)
		page, local, err := SplitAnnotationURL(composite)
		if err != nil {
			t.Fatalf("SplitAnnotationURL(%q): %v", composite, err)
		}
		if page != tt.page || local != tt.local {
			t.Errorf("split %q = (%q, %q), want (%q, %q)", composite, page, local, tt.page, tt.local)
		}
		if rejoined := JoinAnnotationURL(page, local); rejoined != composite {
			t.Errorf("rejoin mismatch: %q != %q", rejoined, composite)
		}
	}
}

func TestSplitAnnotationURLRejectsPlainPage(t *testing.T) {
	if _, _, err := SplitAnnotationURL("example.com/page"); err == nil {
		t.Error("expected error for URL without annotation fragment")
	}
}

func TestIsAnnotationURL(t *testing.T) {
	if !IsAnnotationURL("example.com/page/#123") {
		t.Error("composite URL not recognized")
	}
	if IsAnnotationURL("example.com/page") {
		t.Error("plain page URL misclassified as annotation")
	}
}

func TestCheckVersion(t *testing.T) {
	if err := CheckVersion("v1"); err != nil {
		t.Errorf("v1 rejected: %v", err)
	}
	if err := CheckVersion("v1.2.0"); err != nil {
		t.Errorf("v1.2.0 rejected: %v", err)
	}
	for _, bad := range []string{"", "1.0", "v2", "v2.0.1", "latest"} {
		if err := CheckVersion(bad); err == nil {
			t.Errorf("CheckVersion(%q) accepted, want error", bad)
		}
	}
}

func TestDomainOf(t *testing.T) {
	tests := []struct{ in, want string }{
		{"example.com/page", "example.com"},
		{"example.com", "example.com"},
		{"example.com:8080/p?a=1", "example.com:8080"},
		{"example.com?a=1", "example.com"},
	}
	for _, tt := range tests {
		if got := DomainOf(tt.in); got != tt.want {
			t.Errorf("DomainOf(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
