package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/meridianhealth/interop-engine/internal/envelope"
	"github.com/meridianhealth/interop-engine/internal/errs"
	"github.com/meridianhealth/interop-engine/internal/logging"
	"github.com/meridianhealth/interop-engine/internal/metrics"
)

// FHIRClientConfig wires one FHIR R4 RESTful endpoint, grounded on
// original_source's FHIRServerConfig (base_url/auth_type/token_url/
// client_id/client_secret/timeout) and on
// Ap3pp3rs94-Chartly2.0/services/connector-hub's http_rest.go for the
// transport shape (custom http.Transport, SSRF guard, timeout override).
type FHIRClientConfig struct {
	Name    string
	BaseURL string
	Method  string // default POST

	AuthType     string // none | token | oauth2
	Token        string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string

	Timeout          time.Duration // default 30s
	AllowPrivateHost bool          // SSRF guard override, operator opt-in only

	Logger  *logging.Logger
	Metrics *metrics.Registry
}

type tokenInfo struct {
	accessToken string
	tokenType   string
	expiresAt   time.Time
}

// FHIRClient sends envelopes carrying FHIR JSON resources to a FHIR
// server, refreshing an OAuth2 client-credentials token when it's within
// 60 seconds of expiry, matching the source's 60s refresh buffer.
type FHIRClient struct {
	cfg    FHIRClientConfig
	client *http.Client

	tokenMu sync.Mutex
	token   tokenInfo
}

func NewFHIRClient(cfg FHIRClientConfig) (*FHIRClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sender: fhir base_url required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("sender: invalid fhir base_url %q", cfg.BaseURL)
	}
	if !cfg.AllowPrivateHost && isPrivateHost(u.Hostname()) {
		return nil, fmt.Errorf("sender: fhir base_url %q resolves to a private host; set allow_private_host to override", cfg.BaseURL)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &FHIRClient{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
	}, nil
}

// Send posts env's FHIR JSON body to the server in a single request. A
// 401/403 is an auth_error (retried once by the stage, per errs.PolicyFor's
// RetryOnce semantics) and drops the cached OAuth token so that retry
// fetches a fresh one; 429/5xx are retryable, and every other 4xx is an
// application_reject terminal failure with the OperationOutcome (if
// present) as the message.
func (c *FHIRClient) Send(ctx context.Context, env envelope.Envelope) error {
	body, ok := env.Body.Content.(map[string]any)
	if !ok {
		return errs.New(c.cfg.Name, errs.TransformationError, "body content is not a FHIR resource map", nil)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.New(c.cfg.Name, errs.TransformationError, "marshal fhir resource failed", err)
	}

	resourceType, _ := body["resourceType"].(string)
	target := strings.TrimRight(c.cfg.BaseURL, "/")
	if resourceType != "" {
		target += "/" + resourceType
	}

	status, respBody, err := c.doOnce(ctx, target, payload)
	if err != nil {
		return err
	}
	if status >= 200 && status < 300 {
		return nil
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.tokenMu.Lock()
		c.token = tokenInfo{}
		c.tokenMu.Unlock()
		return errs.New(c.cfg.Name, errs.AuthError, fmt.Sprintf("auth rejected: status %d", status), nil)
	}
	if status == http.StatusTooManyRequests {
		return errs.New(c.cfg.Name, errs.HTTP429, "rate limited", nil)
	}
	if status >= 500 {
		return errs.New(c.cfg.Name, errs.Server5xx, fmt.Sprintf("server error: status %d", status), nil)
	}
	return errs.New(c.cfg.Name, errs.ApplicationReject, fmt.Sprintf("rejected: status %d: %s", status, operationOutcomeMessage(respBody)), nil)
}

func (c *FHIRClient) doOnce(ctx context.Context, target string, payload []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, target, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, errs.New(c.cfg.Name, errs.Internal, "build request failed", err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("Content-Type", "application/fhir+json; charset=utf-8")

	if err := c.applyAuth(ctx, req); err != nil {
		return 0, nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, errs.New(c.cfg.Name, errs.TransportError, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode, respBody, nil
}

func (c *FHIRClient) applyAuth(ctx context.Context, req *http.Request) error {
	switch c.cfg.AuthType {
	case "token":
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}
	case "oauth2":
		tok, err := c.oauthToken(ctx)
		if err != nil {
			return errs.New(c.cfg.Name, errs.AuthError, "oauth token acquisition failed", err)
		}
		req.Header.Set("Authorization", tok.tokenType+" "+tok.accessToken)
	}
	return nil
}

// oauthToken returns a cached token if its expiry is more than 60s away,
// otherwise performs a client-credentials exchange, matching the source's
// "expires_at = now + expires_in - 60" buffer.
func (c *FHIRClient) oauthToken(ctx context.Context) (tokenInfo, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token.accessToken != "" && time.Now().Before(c.token.expiresAt) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	if c.cfg.Scope != "" {
		form.Set("scope", c.cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenInfo{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return tokenInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return tokenInfo{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return tokenInfo{}, err
	}
	if payload.TokenType == "" {
		payload.TokenType = "Bearer"
	}
	if payload.ExpiresIn == 0 {
		payload.ExpiresIn = 3600
	}
	c.token = tokenInfo{
		accessToken: payload.AccessToken,
		tokenType:   payload.TokenType,
		expiresAt:   time.Now().Add(time.Duration(payload.ExpiresIn)*time.Second - 60*time.Second),
	}
	return c.token, nil
}

// operationOutcomeMessage extracts issue[].diagnostics from a FHIR
// OperationOutcome response body, falling back to the raw body text.
func operationOutcomeMessage(body []byte) string {
	var outcome struct {
		Issue []struct {
			Diagnostics string `json:"diagnostics"`
			Details     struct {
				Text string `json:"text"`
			} `json:"details"`
		} `json:"issue"`
	}
	if err := json.Unmarshal(body, &outcome); err == nil && len(outcome.Issue) > 0 {
		if outcome.Issue[0].Diagnostics != "" {
			return outcome.Issue[0].Diagnostics
		}
		return outcome.Issue[0].Details.Text
	}
	return strings.TrimSpace(string(body))
}

// isPrivateHost mirrors http_rest.go's SSRF guard.
func isPrivateHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "localhost" || h == "localhost.localdomain" {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return isPrivateIP(ip)
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 10:
			return true
		case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
			return true
		case ip4[0] == 192 && ip4[1] == 168:
			return true
		case ip4[0] == 127:
			return true
		case ip4[0] == 169 && ip4[1] == 254:
			return true
		default:
			return false
		}
	}
	if len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc {
		return true
	}
	return false
}
