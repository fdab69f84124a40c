package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFilters(t *testing.T) *Filters {
	t.Helper()
	f, err := NewFilters(FilterConfig{
		Endpoints: []string{`/api/v4/pdp/get_pc`, `/api/v4/search/search_items`},
		Captcha:   []string{`/verify/captcha`, `anti_bot`},
		Login:     []string{`/buyer/login`},
	})
	require.NoError(t, err)
	return f
}

func TestFilters_MatchEndpoint(t *testing.T) {
	f := newTestFilters(t)

	assert.True(t, f.MatchEndpoint("https://shop.example/api/v4/pdp/get_pc?item=1"))
	assert.True(t, f.MatchEndpoint("https://shop.example/api/v4/search/search_items?keyword=x"))
	assert.False(t, f.MatchEndpoint("https://shop.example/static/app.js"))
}

func TestFilters_Classify(t *testing.T) {
	f := newTestFilters(t)

	cases := []struct {
		name   string
		url    string
		status int
		want   BlockReason
	}{
		{"captcha wall", "https://shop.example/verify/captcha?return=/", 200, BlockCaptcha},
		{"anti-bot redirect", "https://shop.example/anti_bot/challenge", 200, BlockCaptcha},
		{"login wall", "https://shop.example/buyer/login?next=/item", 200, BlockLoginWall},
		{"forbidden on endpoint", "https://shop.example/api/v4/pdp/get_pc", 403, BlockStatusCode},
		{"throttled on endpoint", "https://shop.example/api/v4/search/search_items", 429, BlockStatusCode},
		{"ok on endpoint", "https://shop.example/api/v4/pdp/get_pc", 200, BlockNone},
		{"forbidden off endpoint", "https://shop.example/static/app.js", 403, BlockNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, f.Classify(tc.url, tc.status))
		})
	}
}

func TestNewFilters_BadPattern(t *testing.T) {
	_, err := NewFilters(FilterConfig{Endpoints: []string{`(`}})
	require.Error(t, err)
}
