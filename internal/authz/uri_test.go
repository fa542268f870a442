package authz_test

import (
	"net/url"
	"testing"

	"github.com/dropDatabas3/veil/internal/authz"
	"github.com/dropDatabas3/veil/internal/client"
)

func TestVerifyURI(t *testing.T) {
	c := &client.Client{
		ID: "client-1",
		RedirectURIs: []string{
			"https://rp.example.com/cb",
			"https://rp.example.com/alt?foo=1",
		},
	}

	cases := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{"exact match", "https://rp.example.com/cb", false},
		{"registered query exact", "https://rp.example.com/alt?foo=1", false},
		{"extra unregistered query param", "https://rp.example.com/alt?foo=1&bar=2", true},
		{"missing registered query param", "https://rp.example.com/alt", true},
		{"wrong query value", "https://rp.example.com/alt?foo=2", true},
		{"unregistered path", "https://rp.example.com/other", true},
		{"wrong host", "https://evil.example.com/cb", true},
		{"fragment rejected", "https://rp.example.com/cb#frag", true},
		{"query on bare registration", "https://rp.example.com/cb?x=1", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := authz.VerifyURI(tc.uri, c)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error for %q", tc.uri)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error for %q: %v", tc.uri, err)
			}
		})
	}
}

func TestGetURIFallback(t *testing.T) {
	single := &client.Client{RedirectURIs: []string{"https://rp.example.com/cb"}}
	got, err := authz.GetURI("", single)
	if err != nil || got != "https://rp.example.com/cb" {
		t.Fatalf("single fallback: %q %v", got, err)
	}

	multi := &client.Client{RedirectURIs: []string{"https://a/cb", "https://b/cb"}}
	if _, err := authz.GetURI("", multi); err != authz.ErrRedirectURIAmbiguous {
		t.Fatalf("expected ErrRedirectURIAmbiguous, got %v", err)
	}
}

func TestJoinQueryPreservesExisting(t *testing.T) {
	got, err := authz.JoinQuery("https://rp.example.com/cb?keep=1", url.Values{"code": {"abc"}})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	u, _ := url.Parse(got)
	q := u.Query()
	if q.Get("keep") != "1" || q.Get("code") != "abc" {
		t.Fatalf("unexpected query: %v", q)
	}
}
