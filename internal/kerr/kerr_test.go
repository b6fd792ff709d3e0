package kerr

import "testing"

func TestLooksLikeNetworkFailure(t *testing.T) {
	cases := map[string]bool{
		"dial tcp 10.0.0.1:443: i/o timeout":         true,
		"Connection refused by remote host":          true,
		"TLS handshake timeout":                      true,
		"401 Bad credentials":                        false,
		"missing required scope: repo":                false,
	}
	for text, want := range cases {
		if got := LooksLikeNetworkFailure(text); got != want {
			t.Errorf("LooksLikeNetworkFailure(%q) = %v, want %v", text, got, want)
		}
	}
}
