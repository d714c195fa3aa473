package iyzico

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	headerAuthorization = "Authorization"
	headerRandomKey     = "x-iyzi-rnd"
)

// Authorizer signs an outbound request. uriPath is the request path without
// the host and body is the exact JSON payload sent.
type Authorizer interface {
	Authorize(req *http.Request, uriPath string, body []byte) error
	Scheme() string
}

// RandomKeyFunc produces the per-request nonce.
type RandomKeyFunc func() string

func defaultRandomKey() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// HMACAuthorizer implements the IYZWS scheme used by the redirect callback:
// signature = base64(HMAC-SHA256(secret, randomKey + uriPath + body)).
type HMACAuthorizer struct {
	APIKey    string
	SecretKey string
	RandomKey RandomKeyFunc
}

func (a HMACAuthorizer) Scheme() string { return "IYZWS" }

func (a HMACAuthorizer) Authorize(req *http.Request, uriPath string, body []byte) error {
	rnd := nonce(a.RandomKey)
	mac := hmac.New(sha256.New, []byte(a.SecretKey))
	mac.Write([]byte(rnd + uriPath + string(body)))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	credentials := base64.StdEncoding.EncodeToString([]byte(a.APIKey + ":" + rnd + ":" + signature))
	req.Header.Set(headerAuthorization, "IYZWS "+credentials)
	req.Header.Set(headerRandomKey, rnd)
	return nil
}

// V2Authorizer implements IYZWSv2, the scheme of the official SDKs:
// signature = hex(HMAC-SHA256(secret, randomKey + uriPath + body)).
type V2Authorizer struct {
	APIKey    string
	SecretKey string
	RandomKey RandomKeyFunc
}

func (a V2Authorizer) Scheme() string { return "IYZWSv2" }

func (a V2Authorizer) Authorize(req *http.Request, uriPath string, body []byte) error {
	rnd := nonce(a.RandomKey)
	mac := hmac.New(sha256.New, []byte(a.SecretKey))
	mac.Write([]byte(rnd + uriPath + string(body)))
	signature := hex.EncodeToString(mac.Sum(nil))

	params := "apiKey:" + a.APIKey + "&randomKey:" + rnd + "&signature:" + signature
	req.Header.Set(headerAuthorization, "IYZWSv2 "+base64.StdEncoding.EncodeToString([]byte(params)))
	req.Header.Set(headerRandomKey, rnd)
	return nil
}

func nonce(fn RandomKeyFunc) string {
	if fn != nil {
		return fn()
	}
	return defaultRandomKey()
}
