package ws

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSplitList(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"a-1", []string{"a-1"}},
		{"a-1,b-2", []string{"a-1", "b-2"}},
		{`"a-1", "b-2"`, []string{"a-1", "b-2"}},
		{`"a-1",,`, []string{"a-1"}},
	}
	for _, c := range cases {
		assert.Equal(t, SplitList(c.in), c.want)
	}
}

func TestHubRooms(t *testing.T) {
	h := NewHub()
	a := &Conn{key: "doc", done: make(chan struct{})}
	b := &Conn{key: "doc", done: make(chan struct{})}
	h.Join("doc", a)
	h.Join("doc", b)
	h.Join("other", a)
	assert.Equal(t, h.Count("doc"), 2)

	h.Leave("doc", a)
	assert.Equal(t, h.Count("doc"), 1)
	h.Leave("doc", b)
	assert.Equal(t, h.Count("doc"), 0)
	assert.Equal(t, h.Count("other"), 1)
}

func TestLocalOrigin(t *testing.T) {
	cases := map[string]bool{
		"":                      true,
		"null":                  true,
		"http://localhost:3000": true,
		"https://127.0.0.1":     true,
		"http://[::1]:8080":     true,
		"http://localhost.evil": false,
		"https://example.com":   false,
	}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws/doc", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		assert.Equal(t, localOrigin(r), want)
	}
}
