package pathutil

import "testing"

func TestHostPort(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		port     int
		expected string
	}{
		{name: "IPv4 address", host: "192.168.1.1", port: 22, expected: "192.168.1.1:22"},
		{name: "IPv4 address with custom port", host: "10.0.0.1", port: 2222, expected: "10.0.0.1:2222"},
		{name: "IPv6 address", host: "fdaa:3c:cd70:a7b:4ea:53a6:6995:2", port: 22, expected: "[fdaa:3c:cd70:a7b:4ea:53a6:6995:2]:22"},
		{name: "IPv6 loopback", host: "::1", port: 22, expected: "[::1]:22"},
		{name: "hostname", host: "example.com", port: 22, expected: "example.com:22"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HostPort(tt.host, tt.port); got != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestCleanRemote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "."},
		{"  ", "."},
		{"/home/user/", "/home/user"},
		{"/home/user/../other", "/home/other"},
		{"relative/dir", "relative/dir"},
	}

	for _, tt := range tests {
		if got := CleanRemote(tt.in); got != tt.want {
			t.Errorf("CleanRemote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJoinRemote(t *testing.T) {
	if got := JoinRemote("/srv/data/", "in", "report.csv"); got != "/srv/data/in/report.csv" {
		t.Errorf("got %q", got)
	}
}

func TestLastPathComponent(t *testing.T) {
	if got := LastPathComponent("/var/log/syslog"); got != "syslog" {
		t.Errorf("got %q", got)
	}
	if got := LastPathComponent("/var/log/"); got != "log" {
		t.Errorf("got %q", got)
	}
}
