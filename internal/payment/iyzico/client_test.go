package iyzico

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	paymentdomain "github.com/smallbiznis/coachpay/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedKey() string { return "rnd123" }

func newTestClient(t *testing.T, srv *httptest.Server, auth Authorizer) *Client {
	t.Helper()
	client, err := NewClient(Config{BaseURL: srv.URL + "/", HTTPClient: srv.Client()}, auth)
	require.NoError(t, err)
	return client
}

func TestRetrieveCheckoutFormSignsWithHMAC(t *testing.T) {
	var gotAuth, gotRnd, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRnd = r.Header.Get("x-iyzi-rnd")
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","paymentStatus":"SUCCESS","paymentId":"pay_1","price":299,"paidPrice":299.0,"currency":"TRY","basketId":"gold","token":"tok_abc123"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, HMACAuthorizer{APIKey: "api", SecretKey: "secret", RandomKey: fixedKey})

	result, err := client.RetrieveCheckoutForm(context.Background(), "tok_abc123", "conv-1")
	require.NoError(t, err)

	assert.Equal(t, retrievePath, gotPath)
	assert.Equal(t, "rnd123", gotRnd)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("rnd123" + retrievePath + string(gotBody)))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	wantAuth := "IYZWS " + base64.StdEncoding.EncodeToString([]byte("api:rnd123:"+signature))
	assert.Equal(t, wantAuth, gotAuth)

	var sent map[string]string
	require.NoError(t, json.Unmarshal(gotBody, &sent))
	assert.Equal(t, "tok_abc123", sent["token"])
	assert.Equal(t, "conv-1", sent["conversationId"])
	assert.Equal(t, "tr", sent["locale"])

	assert.True(t, result.Succeeded())
	assert.EqualValues(t, 29900, result.Price)
	assert.EqualValues(t, 29900, result.PaidPrice)
	assert.Equal(t, "pay_1", result.PaymentID)
	assert.Equal(t, "gold", result.BasketID)
}

func TestRetrieveCheckoutFormSignsWithV2(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"status":"success","paymentStatus":"SUCCESS","price":"99.0","currency":"TRY"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, V2Authorizer{APIKey: "api", SecretKey: "secret", RandomKey: fixedKey})

	_, err := client.RetrieveCheckoutForm(context.Background(), "tok_1", "")
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(gotAuth, "IYZWSv2 "), gotAuth)
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(gotAuth, "IYZWSv2 "))
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("rnd123" + retrievePath + string(gotBody)))
	want := "apiKey:api&randomKey:rnd123&signature:" + hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, string(decoded))
}

func TestRetrieveCheckoutFormReturnsProviderFailureAsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failure","errorCode":"5056","errorMessage":"Kartın limiti yetersiz"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, HMACAuthorizer{APIKey: "api", SecretKey: "secret"})

	result, err := client.RetrieveCheckoutForm(context.Background(), "tok_1", "")
	require.NoError(t, err)
	assert.False(t, result.Succeeded())
	assert.Equal(t, "5056", result.ErrorCode)
}

func TestRetrieveCheckoutFormMapsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, HMACAuthorizer{APIKey: "api", SecretKey: "secret"})

	_, err := client.RetrieveCheckoutForm(context.Background(), "tok_1", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream down", apiErr.Body)
}

func TestRetrieveCheckoutFormRejectsEmptyToken(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "http://127.0.0.1:0"}, HMACAuthorizer{})
	require.NoError(t, err)

	_, err = client.RetrieveCheckoutForm(context.Background(), " ", "")
	require.ErrorIs(t, err, paymentdomain.ErrInvalidToken)
}

func TestInitializeCheckoutForm(t *testing.T) {
	var sent initializeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, initializePath, r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&sent)
		_, _ = w.Write([]byte(`{"status":"success","token":"tok_new","paymentPageUrl":"https://sandbox-cpp.iyzipay.com?token=tok_new","tokenExpireTime":1800}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, V2Authorizer{APIKey: "api", SecretKey: "secret"})

	session, err := client.InitializeCheckoutForm(context.Background(), paymentdomain.CheckoutInit{
		ConversationID: "conv-1",
		Amount:         29900,
		Currency:       "try",
		BasketID:       "gold",
		ItemName:       "Gold badge",
		CallbackURL:    "https://coachpay.example/api/payments/iyzico/callback",
		Buyer:          paymentdomain.Buyer{ID: "u1", Email: "coach@example.com", Name: "Ada Lovelace"},
	})
	require.NoError(t, err)

	assert.Equal(t, "tok_new", session.Token)
	assert.Equal(t, 1800, session.TokenExpiresIn)
	assert.Equal(t, "299.00", sent.Price)
	assert.Equal(t, "TRY", sent.Currency)
	assert.Equal(t, "Ada", sent.Buyer.Name)
	assert.Equal(t, "Lovelace", sent.Buyer.Surname)
	require.Len(t, sent.BasketItems, 1)
	assert.Equal(t, "VIRTUAL", sent.BasketItems[0].ItemType)
}

func TestInitializeCheckoutFormFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failure","errorCode":"1000","errorMessage":"Geçersiz imza"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, V2Authorizer{APIKey: "api", SecretKey: "secret"})

	_, err := client.InitializeCheckoutForm(context.Background(), paymentdomain.CheckoutInit{Amount: 100, Currency: "TRY"})
	var providerErr *paymentdomain.ProviderError
	require.True(t, errors.As(err, &providerErr), "expected ProviderError, got %v", err)
	assert.Equal(t, "1000", providerErr.Code)
}

func TestParseAmount(t *testing.T) {
	cases := map[string]int64{
		"299":     29900,
		"299.0":   29900,
		"352.82":  35282,
		"0.5":     50,
		"12.3400": 1234,
		"":        0,
	}
	for input, want := range cases {
		got, err := ParseAmount(json.Number(input))
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseAmount(json.Number("1.234"))
	assert.Error(t, err)
	_, err = ParseAmount(json.Number("abc"))
	assert.Error(t, err)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "299.00", FormatAmount(29900))
	assert.Equal(t, "352.82", FormatAmount(35282))
	assert.Equal(t, "0.05", FormatAmount(5))
}
