/**
 * @description
 * This package provides a client for the Safaricom Daraja API. It encapsulates
 * OAuth token acquisition, STK push initiation, and response parsing.
 *
 * @notes
 * - Access tokens are cached until shortly before expiry; concurrent callers
 *   share one token under a mutex.
 * - The STK push password is base64(shortcode + passkey + timestamp) with the
 *   timestamp in YYYYMMDDHHMMSS form, per the Daraja contract.
 * - Amounts on the wire are whole Kenyan shillings; the caller converts from
 *   cents before invoking the client.
 */
package darajaclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Client is a client for the Daraja API.
type Client struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	HTTPClient     *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient creates a new Daraja API client.
func NewClient(baseURL, consumerKey, consumerSecret, shortCode, passkey, callbackURL string) *Client {
	return &Client{
		BaseURL:        baseURL,
		ConsumerKey:    consumerKey,
		ConsumerSecret: consumerSecret,
		ShortCode:      shortCode,
		Passkey:        passkey,
		CallbackURL:    callbackURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// STKPushResponse is the synchronous acknowledgement Daraja returns for an
// STK push request. The CheckoutRequestID correlates the asynchronous result
// callback with the initiated deposit.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// ErrorResponse represents an error from the Daraja API.
type ErrorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e *ErrorResponse) Error() string {
	if e.ErrorMessage != "" {
		return fmt.Sprintf("daraja api error: %s - %s", e.ErrorCode, e.ErrorMessage)
	}
	return "unknown daraja api error"
}

// getAccessToken returns a cached OAuth token, fetching a fresh one when the
// cache is empty or near expiry.
func (c *Client) getAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	url := c.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.ConsumerKey, c.ConsumerSecret)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute token request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=daraja_client op=token status=%d msg=\"non-2xx response\"", resp.StatusCode)
		return "", fmt.Errorf("token request failed (status %d)", resp.StatusCode)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(bodyBytes, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	expiresIn, err := strconv.Atoi(tokenResp.ExpiresIn)
	if err != nil || expiresIn <= 0 {
		expiresIn = 3600
	}

	c.accessToken = tokenResp.AccessToken
	// Refresh a minute early so in-flight requests never carry a stale token.
	c.tokenExpiry = time.Now().Add(time.Duration(expiresIn-60) * time.Second)
	return c.accessToken, nil
}

// stkPassword builds the Daraja STK password for a given timestamp.
func (c *Client) stkPassword(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.ShortCode + c.Passkey + timestamp))
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// InitiateSTKPush requests a payment prompt on the customer's phone. The
// amount is in whole Kenyan shillings, the phone in 2547XXXXXXXX form.
func (c *Client) InitiateSTKPush(ctx context.Context, phone string, amount int64, reference, description string) (*STKPushResponse, error) {
	token, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().Format("20060102150405")
	payload := stkPushPayload{
		BusinessShortCode: c.ShortCode,
		Password:          c.stkPassword(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.CallbackURL,
		AccountReference:  reference,
		TransactionDesc:   description,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stk push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create stk push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute stk push request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read stk push response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=daraja_client op=stk_push status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=daraja_client op=stk_push status=%d error_code=%q", resp.StatusCode, errResp.ErrorCode)
		return nil, &errResp
	}

	var pushResp STKPushResponse
	if err := json.Unmarshal(bodyBytes, &pushResp); err != nil {
		return nil, fmt.Errorf("failed to decode stk push response: %w", err)
	}
	if pushResp.ResponseCode != "0" {
		return nil, fmt.Errorf("stk push rejected: %s", pushResp.ResponseDescription)
	}

	return &pushResp, nil
}
