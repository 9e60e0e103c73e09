package nerdgraph

import "net/http"

// apiKeyRoundTripper adds the user API key to every request.
type apiKeyRoundTripper struct {
	apiKey string
	rt     http.RoundTripper
}

// RoundTrip sets the "API-Key" header, replacing any license or insert key
// header the request carries.
func (t apiKeyRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Del("X-Insert-Key")
	req.Header.Del("X-License-Key")
	req.Header.Set("API-Key", t.apiKey)
	return t.rt.RoundTrip(req)
}

// newAPIKeyRoundTripper wraps rt, defaulting to http.DefaultTransport.
func newAPIKeyRoundTripper(rt http.RoundTripper, apiKey string) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return apiKeyRoundTripper{
		apiKey: apiKey,
		rt:     rt,
	}
}
