package resendclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendPostsEmail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))

		var email Email
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&email))
		assert.Equal(t, []string{"bob@example.com"}, email.To)
		assert.Equal(t, "You have funds waiting", email.Subject)

		_, _ = w.Write([]byte(`{"id":"email_123"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "re_test")
	resp, err := client.Send(context.Background(), Email{
		From:    "FlowPay <noreply@flowpay.app>",
		To:      []string{"bob@example.com"},
		Subject: "You have funds waiting",
		Text:    "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "email_123", resp.ID)
}

func TestSendSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"statusCode":422,"name":"validation_error","message":"invalid to"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "re_test").Send(context.Background(), Email{To: []string{"x"}})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "validation_error", apiErr.Name)
}

func TestSendRequiresAPIKey(t *testing.T) {
	_, err := NewClient("", " ").Send(context.Background(), Email{})
	assert.Error(t, err)
}
