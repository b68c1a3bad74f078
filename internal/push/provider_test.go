package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidateToken(t *testing.T) {
	cases := []struct {
		token string
		valid bool
	}{
		{token: "ExponentPushToken[xxxxxxxxxxxxxxxxxxxxxx]", valid: true},
		{token: "ExpoPushToken[abc-123_DEF]", valid: true},
		{token: " ExponentPushToken[padded] ", valid: true},
		{token: "ExponentPushToken[]", valid: false},
		{token: "apns:deadbeef", valid: false},
		{token: "", valid: false},
	}
	for _, testCase := range cases {
		err := ValidateToken(testCase.token)
		if testCase.valid && err != nil {
			t.Fatalf("expected %q to be valid, got %v", testCase.token, err)
		}
		if !testCase.valid && !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected %q to be rejected", testCase.token)
		}
	}
}

func TestExpoProviderSendAndReceipts(t *testing.T) {
	var sent []Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/push/send":
			if err := json.NewDecoder(r.Body).Decode(&sent); err != nil {
				t.Errorf("decode send body: %v", err)
			}
			_, _ = w.Write([]byte(`{"data":[{"status":"ok","id":"t-1"},{"status":"error","message":"gone","details":{"error":"DeviceNotRegistered"}}]}`))
		case "/push/getReceipts":
			var body map[string][]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if len(body["ids"]) != 1 || body["ids"][0] != "t-1" {
				t.Errorf("unexpected receipt ids %v", body)
			}
			_, _ = w.Write([]byte(`{"data":{"t-1":{"status":"ok"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	provider := NewExpoProvider(ExpoProviderConfig{BaseURL: server.URL + "/", AccessToken: "secret"})
	tickets, err := provider.Send(context.Background(), []Message{
		{To: "ExponentPushToken[a]", Title: "One"},
		{To: "ExponentPushToken[b]", Title: "Two"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sent) != 2 || sent[1].To != "ExponentPushToken[b]" {
		t.Fatalf("unexpected request body %+v", sent)
	}
	if tickets[0].ID != "t-1" || tickets[1].Details.Error != ErrorDeviceNotRegistered {
		t.Fatalf("unexpected tickets %+v", tickets)
	}

	receipts, err := provider.Receipts(context.Background(), []string{"t-1"})
	if err != nil {
		t.Fatalf("receipts: %v", err)
	}
	if receipts["t-1"].Status != statusOK {
		t.Fatalf("unexpected receipts %+v", receipts)
	}
}

func TestExpoProviderReportsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"errors":[{"code":"TOO_MANY_REQUESTS"}]}`))
	}))
	defer server.Close()

	provider := NewExpoProvider(ExpoProviderConfig{BaseURL: server.URL})
	if _, err := provider.Send(context.Background(), []Message{{To: "ExponentPushToken[a]"}}); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}
