package netutil

import "testing"

func TestRegistrableDomain(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		// Standard host:port
		{"www.google.co.uk:443", "google.co.uk"},
		{"api.sina.com.cn", "sina.com.cn"},
		{"sub.example.com", "example.com"},

		// IP addresses keep their literal form
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:80", "::1"},

		// Names outside the PSL fall back to the raw host
		{"localhost:3000", "localhost"},

		// URLs and bare paths
		{"https://www.google.co.uk/path", "google.co.uk"},
		{"http://api.example.com:8080/path?q=1", "example.com"},
		{"httpbin.org/json", "httpbin.org"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := RegistrableDomain(tt.input)
			if got != tt.want {
				t.Errorf("RegistrableDomain(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSameSite(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"https://httpbin.org/json", "https://eu.httpbin.org/json", true},
		{"https://httpbin.org/json", "https://evil.example.com/json", false},
		{"http://example.com/", "https://example.com:8443/other", true},
		{"192.0.2.1:80", "192.0.2.1:8080", true},
		{"192.0.2.1:80", "192.0.2.2:80", false},
	}

	for _, tt := range tests {
		if got := SameSite(tt.a, tt.b); got != tt.want {
			t.Errorf("SameSite(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
