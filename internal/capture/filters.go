package capture

import (
	"fmt"
	"net/http"
	"regexp"
)

// Filters holds the compiled URL patterns driving response observation.
// Endpoint patterns select which network responses count as capture
// events; block patterns flag navigations that landed on an interstitial.
type Filters struct {
	endpoints []*regexp.Regexp
	captcha   []*regexp.Regexp
	login     []*regexp.Regexp
}

// FilterConfig carries the raw pattern strings from configuration.
type FilterConfig struct {
	Endpoints []string `mapstructure:"endpoints"`
	Captcha   []string `mapstructure:"captcha"`
	Login     []string `mapstructure:"login"`
}

// NewFilters compiles the configured patterns. Empty pattern lists are
// allowed; a filter with no endpoint patterns matches nothing.
func NewFilters(cfg FilterConfig) (*Filters, error) {
	f := &Filters{}
	var err error
	if f.endpoints, err = compileAll(cfg.Endpoints); err != nil {
		return nil, fmt.Errorf("compile endpoint patterns: %w", err)
	}
	if f.captcha, err = compileAll(cfg.Captcha); err != nil {
		return nil, fmt.Errorf("compile captcha patterns: %w", err)
	}
	if f.login, err = compileAll(cfg.Login); err != nil {
		return nil, fmt.Errorf("compile login patterns: %w", err)
	}
	return f, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// MatchEndpoint reports whether url is a filtered capture endpoint.
func (f *Filters) MatchEndpoint(url string) bool {
	return matchAny(f.endpoints, url)
}

// Classify maps an observed navigation or response onto a block reason.
// Status 403/429 on a filtered endpoint counts as a hard block; captcha
// and login-wall URLs are recognized regardless of status.
func (f *Filters) Classify(url string, status int) BlockReason {
	switch {
	case matchAny(f.captcha, url):
		return BlockCaptcha
	case matchAny(f.login, url):
		return BlockLoginWall
	case f.MatchEndpoint(url) && isBlockStatus(status):
		return BlockStatusCode
	default:
		return BlockNone
	}
}

func matchAny(res []*regexp.Regexp, url string) bool {
	for _, re := range res {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

func isBlockStatus(status int) bool {
	return status == http.StatusForbidden || status == http.StatusTooManyRequests
}
