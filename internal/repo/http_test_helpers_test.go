package repo

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(t *testing.T, status int, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func rawResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
	}
}

func idList(n int) map[string]any {
	values := make([]map[string]string, n)
	for i := range values {
		values[i] = map[string]string{"id": "t" + string(rune('a'+i%26))}
	}
	return map[string]any{"value": values}
}

var fixedNow = time.Date(2024, 3, 15, 13, 45, 0, 0, time.UTC)

func newStubClient(t *testing.T, rt roundTripFunc) *TOPdeskClient {
	t.Helper()
	client, err := NewTOPdeskClient(ClientConfig{
		Host:           "https://topdesk.example.com/",
		Username:       "api",
		Password:       "secret",
		RequestTimeout: time.Second,
		Transport:      rt,
		Now:            func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return client
}
