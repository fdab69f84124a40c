package chromedp

import (
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shopcap/internal/capture"
)

func testFilters(t *testing.T) *capture.Filters {
	t.Helper()
	filters, err := capture.NewFilters(capture.FilterConfig{
		Endpoints: []string{`/api/v4/pdp/get_pc`, `/api/v4/search/search_items`},
		Captcha:   []string{`/verify/captcha`},
		Login:     []string{`/buyer/login`},
	})
	require.NoError(t, err)
	return filters
}

func responseEvent(url string, status int, resType network.ResourceType) *network.EventResponseReceived {
	return &network.EventResponseReceived{
		Type:     resType,
		Response: &network.Response{URL: url, Status: int64(status)},
	}
}

func TestObserverCountsMatchedEndpoints(t *testing.T) {
	t.Parallel()

	obs := newObserver(testFilters(t))
	obs.handle(responseEvent("https://shopee.com.br/product/1/2", 200, network.ResourceTypeDocument))
	obs.handle(responseEvent("https://shopee.com.br/api/v4/pdp/get_pc?item=1", 200, network.ResourceTypeXHR))
	obs.handle(responseEvent("https://shopee.com.br/api/v4/pdp/get_pc?item=2", 200, network.ResourceTypeXHR))
	obs.handle(responseEvent("https://cdn.shopee.com.br/style.css", 200, network.ResourceTypeStylesheet))

	status, matched, block := obs.snapshot()
	assert.Equal(t, 200, status)
	assert.Equal(t, 2, matched)
	assert.Equal(t, capture.BlockNone, block)
}

func TestObserverFlagsBlockStatus(t *testing.T) {
	t.Parallel()

	obs := newObserver(testFilters(t))
	obs.handle(responseEvent("https://shopee.com.br/api/v4/search/search_items?k=x", 429, network.ResourceTypeXHR))

	_, matched, block := obs.snapshot()
	assert.Zero(t, matched)
	assert.Equal(t, capture.BlockStatusCode, block)
}

func TestObserverFirstBlockWins(t *testing.T) {
	t.Parallel()

	obs := newObserver(testFilters(t))
	obs.handle(responseEvent("https://shopee.com.br/verify/captcha", 200, network.ResourceTypeDocument))
	obs.handle(responseEvent("https://shopee.com.br/buyer/login", 200, network.ResourceTypeDocument))

	_, _, block := obs.snapshot()
	assert.Equal(t, capture.BlockCaptcha, block)
}

func TestObserverIgnoresNonResponseEvents(t *testing.T) {
	t.Parallel()

	obs := newObserver(testFilters(t))
	obs.handle(&network.EventRequestWillBeSent{})
	obs.handle("not an event")

	status, matched, block := obs.snapshot()
	assert.Zero(t, status)
	assert.Zero(t, matched)
	assert.Equal(t, capture.BlockNone, block)
}

func TestTaskURL(t *testing.T) {
	t.Parallel()

	url, err := taskURL(capture.Task{ID: "t1", Params: []byte(`{"url":"https://shopee.com.br/p/1"}`)})
	require.NoError(t, err)
	assert.Equal(t, "https://shopee.com.br/p/1", url)

	_, err = taskURL(capture.Task{ID: "t2", Params: []byte(`{}`)})
	require.Error(t, err)

	_, err = taskURL(capture.Task{ID: "t3", Params: []byte(`{nope`)})
	require.Error(t, err)
}

func TestNewRequiresFilters(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil, zap.NewNop())
	require.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	tr, err := New(Config{}, testFilters(t), []capture.Profile{{Name: "shopee-br"}}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 45, int(tr.cfg.NavTimeout.Seconds()))
	assert.Equal(t, 3, int(tr.cfg.CaptureWindow.Seconds()))
}
