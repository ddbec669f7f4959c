package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{name: "long token", token: "EAABwzLixnjYBO1234567890abcdWXYZ", want: "EAABwz...WXYZ"},
		{name: "eleven chars", token: "abcdefghijk", want: "abcdef...hijk"},
		{name: "short token hidden", token: "abc123", want: "******"},
		{name: "empty", token: "", want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Fingerprint(tc.token))
		})
	}
}
