package config

// Region bundles the locale and timezone a storefront domain expects. A
// profile whose locale/timezone disagree with its target region is an easy
// automation fingerprint, so mismatches are surfaced before a run.
type Region struct {
	Locale   string
	Timezone string
}

var knownDomains = map[string]Region{
	"shopee.com.br": {Locale: "pt-BR", Timezone: "America/Sao_Paulo"},
	"shopee.com.mx": {Locale: "es-MX", Timezone: "America/Mexico_City"},
	"shopee.com.my": {Locale: "en-MY", Timezone: "Asia/Kuala_Lumpur"},
	"shopee.sg":     {Locale: "en-SG", Timezone: "Asia/Singapore"},
	"shopee.ph":     {Locale: "en-PH", Timezone: "Asia/Manila"},
	"shopee.co.id":  {Locale: "id-ID", Timezone: "Asia/Jakarta"},
	"shopee.vn":     {Locale: "vi-VN", Timezone: "Asia/Ho_Chi_Minh"},
	"shopee.co.th":  {Locale: "th-TH", Timezone: "Asia/Bangkok"},
}

// SuggestRegion returns the recommended locale/timezone for a domain.
func SuggestRegion(domain string) (Region, bool) {
	r, ok := knownDomains[domain]
	return r, ok
}

// EnvIssue is one warning produced by CheckEnvironment.
type EnvIssue struct {
	Profile string
	Message string
}

// CheckEnvironment cross-checks every profile against the target domain's
// recommended region. Issues are advisory; the run proceeds regardless.
func (c Config) CheckEnvironment() []EnvIssue {
	var issues []EnvIssue
	region, known := SuggestRegion(c.Target.Domain)
	if !known {
		issues = append(issues, EnvIssue{Message: "target domain " + c.Target.Domain + " is not recognized; verify the region"})
		return issues
	}
	for _, p := range c.Profiles {
		if p.Locale != "" && p.Locale != region.Locale {
			issues = append(issues, EnvIssue{
				Profile: p.Name,
				Message: "locale " + p.Locale + " differs from recommended " + region.Locale + " for " + c.Target.Domain,
			})
		}
		if p.Timezone != "" && p.Timezone != region.Timezone {
			issues = append(issues, EnvIssue{
				Profile: p.Name,
				Message: "timezone " + p.Timezone + " differs from recommended " + region.Timezone + " for " + c.Target.Domain,
			})
		}
	}
	return issues
}
