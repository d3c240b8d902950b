package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		base string
		ref  string
		want string
	}{
		{name: "relative path", base: "https://example.com/news/list.html", ref: "item/1.html", want: "https://example.com/news/item/1.html"},
		{name: "root relative", base: "https://example.com/news/list.html", ref: "/p2", want: "https://example.com/p2"},
		{name: "absolute", base: "https://example.com/", ref: "https://other.org/x", want: "https://other.org/x"},
		{name: "fragment dropped", base: "https://example.com/", ref: "/a#top", want: "https://example.com/a"},
		{name: "trimmed", base: "https://example.com/", ref: "  /b  ", want: "https://example.com/b"},
		{name: "no base", base: "", ref: "https://example.com/c", want: "https://example.com/c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ResolveURL(tt.base, tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveURLEmpty(t *testing.T) {
	t.Parallel()

	_, err := ResolveURL("https://example.com", "   ")
	require.Error(t, err)
}

func TestHost(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.com", Host("https://Example.COM:8443/path"))
	assert.Equal(t, "", Host("://bad"))
}
