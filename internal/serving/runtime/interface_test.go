package runtime

import (
	"strings"
	"testing"
)

func TestInstanceName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"8f14e45f-ceea-467f-a0e6-3b9d0e3e5a11", "modelplane-8f14e45f-ceea-467f-a0e6-3b9d0e3e5a11"},
		{"My_Service", "modelplane-my-service"},
		{"", "modelplane"},
	}
	for _, tt := range tests {
		if got := instanceName(tt.in); got != tt.want {
			t.Errorf("instanceName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := instanceName(strings.Repeat("a", 100))
	if len(long) > 63 {
		t.Errorf("expected name of at most 63 chars, got %d", len(long))
	}
}

func TestPredictorArgs(t *testing.T) {
	tests := []struct {
		name string
		host string
		want []string
	}{
		{
			name: "All Interfaces",
			host: "",
			want: []string{"--model-uri", "file:///m.json", "--port", "9000", "--workers", "1"},
		},
		{
			name: "Loopback",
			host: "127.0.0.1",
			want: []string{"--model-uri", "file:///m.json", "--port", "9000", "--workers", "1", "--host", "127.0.0.1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := predictorArgs(StartOptions{ModelURI: "file:///m.json", Workers: 0}, tt.host, 9000)
			if strings.Join(args, " ") != strings.Join(tt.want, " ") {
				t.Errorf("got %v, want %v", args, tt.want)
			}
		})
	}
}
