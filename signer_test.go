package apiclient

import (
	"regexp"
	"testing"
	"time"
)

var hexSignature = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestSign_KnownVectors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		secret string
		now    int64
		want   string
	}{
		{
			name:   "post with body",
			method: "POST",
			path:   "/users?page=2",
			body:   `{"name":"ada"}`,
			secret: "test-secret",
			now:    1700000000,
			want:   "55e7f8bdb89145ff0d5bc28f11a66058dc977054132434b39c6155198de14edd",
		},
		{
			name:   "lowercase method and empty body",
			method: "get",
			path:   "/events",
			body:   "",
			secret: "test-secret",
			now:    1700000000,
			want:   "7da2db0317d6bb24e611fd3a2e54fc95d91508d8831f445631da2d6d3504d278",
		},
		{
			name:   "different key and instant",
			method: "DELETE",
			path:   "/users/42",
			body:   "",
			secret: "another-key",
			now:    1700000001,
			want:   "1a066c46160010b8918166386ce51c575b154e888c08d84cbb6888acef374c3d",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := Sign(tt.method, tt.path, []byte(tt.body), tt.secret, time.Unix(tt.now, 0))
			if sig.Signature != tt.want {
				t.Errorf("Signature = %s, want %s", sig.Signature, tt.want)
			}
			if !hexSignature.MatchString(sig.Signature) {
				t.Errorf("Signature %q is not 64 lowercase hex chars", sig.Signature)
			}
		})
	}
}

func TestSign_Deterministic(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a := Sign("POST", "/users", []byte(`{"a":1}`), "secret", now)
	b := Sign("POST", "/users", []byte(`{"a":1}`), "secret", now)
	if a != b {
		t.Errorf("Sign not deterministic: %v vs %v", a, b)
	}
	if a.Timestamp != "1700000000" {
		t.Errorf("Timestamp = %s, want 1700000000", a.Timestamp)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"points":10}`)
	sig := Sign("PUT", "/events/7", body, "secret", time.Unix(1700000000, 0))

	if !VerifySignature("PUT", "/events/7", body, "secret", sig) {
		t.Error("signature did not verify")
	}
	if VerifySignature("PUT", "/events/7", []byte(`{"points":11}`), "secret", sig) {
		t.Error("tampered body verified")
	}
	if VerifySignature("PUT", "/events/7", body, "other-secret", sig) {
		t.Error("wrong secret verified")
	}
	if VerifySignature("PUT", "/events/7", body, "secret", Signature{Timestamp: "not-a-number", Signature: sig.Signature}) {
		t.Error("unparseable timestamp verified")
	}
}
