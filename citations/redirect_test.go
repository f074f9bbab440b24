package citations

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRedirect(t *testing.T) {
	assert.True(t, IsRedirect("https://vertexaisearch.cloud.google.com/grounding-api-redirect/AbC123"))
	assert.False(t, IsRedirect("https://vertexaisearch.cloud.google.com/other/AbC123"))
	assert.False(t, IsRedirect("https://example.com/grounding-api-redirect/AbC123"))
	assert.False(t, IsRedirect("not a url ::"))
}

func TestResolveRedirectQueryParam(t *testing.T) {
	resolved, raw := ResolveRedirect(
		"https://vertexaisearch.cloud.google.com/grounding-api-redirect/AE?url=https%3A%2F%2Fnasa.gov%2Fnews")
	assert.Equal(t, "https://nasa.gov/news", resolved)
	assert.NotEmpty(t, raw)
}

func TestResolveRedirectParamPriority(t *testing.T) {
	// "url" wins over "q" when both are present.
	resolved, _ := ResolveRedirect(
		"https://vertexaisearch.cloud.google.com/grounding-api-redirect/X?q=https%3A%2F%2Floser.example&url=https%3A%2F%2Fwinner.example")
	assert.Equal(t, "https://winner.example", resolved)
}

func TestResolveRedirectDoubleEncoded(t *testing.T) {
	// https://example.com/a b, percent-encoded twice.
	resolved, raw := ResolveRedirect(
		"https://vertexaisearch.cloud.google.com/grounding-api-redirect/Y?u=https%253A%252F%252Fexample.com%252Fdocs")
	assert.Equal(t, "https://example.com/docs", resolved)
	assert.NotEmpty(t, raw)
}

func TestResolveRedirectLastPathSegment(t *testing.T) {
	resolved, raw := ResolveRedirect(
		"https://vertexaisearch.cloud.google.com/grounding-api-redirect/https%3A%2F%2Fweather.gov%2Fforecast")
	assert.Equal(t, "https://weather.gov/forecast", resolved)
	assert.NotEmpty(t, raw)
}

func TestResolveRedirectOpaqueTokenKept(t *testing.T) {
	// Token never decodes to an absolute URL: original preserved.
	in := "https://vertexaisearch.cloud.google.com/grounding-api-redirect/AUZIYQE3vFqvVZO"
	resolved, raw := ResolveRedirect(in)
	assert.Equal(t, in, resolved)
	assert.Empty(t, raw)
}

func TestResolveRedirectNonRedirectorPassthrough(t *testing.T) {
	resolved, raw := ResolveRedirect("https://example.com/page?url=https%3A%2F%2Fother.example")
	assert.Equal(t, "https://example.com/page?url=https%3A%2F%2Fother.example", resolved)
	assert.Empty(t, raw)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantURL    string
		wantDomain string
	}{
		{
			"lowercase host",
			"https://EXAMPLE.Com/Path/Page",
			"https://example.com/Path/Page",
			"example.com",
		},
		{
			"drop fragment",
			"https://example.com/doc#section-2",
			"https://example.com/doc",
			"example.com",
		},
		{
			"strip utm params keep rest",
			"https://example.com/a?utm_source=x&id=7&utm_campaign=y&page=2",
			"https://example.com/a?id=7&page=2",
			"example.com",
		},
		{
			"www stripped from domain only",
			"https://www.example.com/a",
			"https://www.example.com/a",
			"example.com",
		},
		{
			"second level suffix",
			"https://news.bbc.co.uk/article",
			"https://news.bbc.co.uk/article",
			"bbc.co.uk",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, domain, ok := Normalize(tt.in)
			assert.True(t, ok)
			assert.Equal(t, tt.wantURL, got)
			assert.Equal(t, tt.wantDomain, domain)
		})
	}

	_, _, ok := Normalize("not-absolute")
	assert.False(t, ok)
}

func TestRegistrableDomain(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"example.com", "example.com"},
		{"www.example.com", "example.com"},
		{"sub.deep.example.com", "example.com"},
		{"news.bbc.co.uk", "bbc.co.uk"},
		{"www.u-tokyo.ac.jp", "u-tokyo.ac.jp"},
		{"shop.example.com.au", "example.com.au"},
		{"localhost", "localhost"},
		{"Example.COM.", "example.com"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RegistrableDomain(tt.host), tt.host)
	}
}
