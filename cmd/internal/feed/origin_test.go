package feed

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	allow := []string{"http://localhost", "https://clubs.example.com"}
	cases := []struct {
		name     string
		origin   string
		required bool
		allowed  []string
		wantErr  bool
	}{
		{name: "missing required", origin: "", required: true, allowed: allow, wantErr: true},
		{name: "missing optional", origin: "", required: false, allowed: allow},
		{name: "exact", origin: "https://clubs.example.com", required: true, allowed: allow},
		{name: "host match other port", origin: "http://localhost:5173", required: true, allowed: allow},
		{name: "host case insensitive", origin: "https://CLUBS.example.com", required: true, allowed: allow},
		{name: "foreign", origin: "https://evil.example", required: true, allowed: allow, wantErr: true},
		{name: "wildcard", origin: "https://any.example", required: true, allowed: []string{"*"}},
		{name: "empty allowlist", origin: "http://localhost", required: true, allowed: nil, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest("GET", "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			err := enforceOrigin(r, tc.required, tc.allowed)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	got := strings.Join(originPatterns([]string{"http://localhost:3000", "https://Clubs.Example.com", "*", ""}), ",")
	want := "clubs.example.com,clubs.example.com:*,localhost,localhost:*"
	if got != want {
		t.Fatalf("patterns=%s want=%s", got, want)
	}
}
