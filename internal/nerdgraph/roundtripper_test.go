package nerdgraph

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockedRoundTripper struct {
	mock.Mock
}

func (m *mockedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	m.Called(req)
	return &http.Response{}, nil
}

func TestRoundTripHeaderDecoration(t *testing.T) {
	apiKey := "NRAK-TEST"
	req, _ := http.NewRequest(http.MethodPost, "https://api.newrelic.com/graphql", nil)
	req.Header.Add("X-License-Key", "license")
	req.Header.Add("X-Insert-Key", "insert")

	rt := new(mockedRoundTripper)
	rt.On("RoundTrip", mock.AnythingOfType("*http.Request")).Return().Run(func(args mock.Arguments) {
		sent := args.Get(0).(*http.Request)
		assert.Equal(t, apiKey, sent.Header.Get("API-Key"))
		assert.Equal(t, "", sent.Header.Get("X-License-Key"))
		assert.Equal(t, "", sent.Header.Get("X-Insert-Key"))
	})
	tr := newAPIKeyRoundTripper(rt, apiKey)

	_, _ = tr.RoundTrip(req)
	rt.AssertExpectations(t)

	// The caller's request is left untouched.
	assert.Equal(t, "license", req.Header.Get("X-License-Key"))
	assert.Equal(t, "", req.Header.Get("API-Key"))
}

func TestNewAPIKeyRoundTripperDefaultsTransport(t *testing.T) {
	tr := newAPIKeyRoundTripper(nil, "k").(apiKeyRoundTripper)
	assert.Equal(t, http.DefaultTransport, tr.rt)
}
