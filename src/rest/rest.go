package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// REST is the thin HTTP collaborator the session core needs: it
// resolves gateway URLs and nothing more glamorous. Endpoint wrappers
// for the full API live outside this module.
type REST struct {
	httpClient *http.Client
	baseURL    string
	botToken   string
}

type RESTOptions struct {
	Headers map[string]string
}

func NewREST(baseURL string, botToken string) *REST {
	return &REST{
		httpClient: http.DefaultClient,
		baseURL:    baseURL,
		botToken:   botToken,
	}
}

// GatewayBot is the GET /gateway/bot response: where to connect and
// how many shards the service recommends.
type GatewayBot struct {
	URL               string `json:"url"`
	Shards            uint32 `json:"shards"`
	SessionStartLimit struct {
		Total          int `json:"total"`
		Remaining      int `json:"remaining"`
		ResetAfter     int `json:"reset_after"`
		MaxConcurrency int `json:"max_concurrency"`
	} `json:"session_start_limit"`
}

// GetGatewayBot resolves the websocket URL to open a session against.
func (r *REST) GetGatewayBot(ctx context.Context) (*GatewayBot, error) {
	res, err := r.Get(ctx, r.baseURL+"/gateway/bot", nil, nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway/bot returned %s", res.Status)
	}
	gateway := &GatewayBot{}
	if err := json.NewDecoder(res.Body).Decode(gateway); err != nil {
		return nil, err
	}
	return gateway, nil
}

func (r *REST) applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func (r *REST) makeRequest(ctx context.Context, method string, url string, body io.Reader, options *RESTOptions) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	// Mandatory headers.
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Authorization", fmt.Sprintf("Bot %s", r.botToken))
	if options != nil {
		r.applyHeaders(req, options.Headers)
	}
	return req, nil
}

func (r *REST) Get(ctx context.Context, url string, body io.Reader, options *RESTOptions) (*http.Response, error) {
	req, err := r.makeRequest(ctx, http.MethodGet, url, body, options)
	if err != nil {
		return nil, err
	}
	return r.httpClient.Do(req)
}

func (r *REST) Post(ctx context.Context, url string, body io.Reader, options *RESTOptions) (*http.Response, error) {
	req, err := r.makeRequest(ctx, http.MethodPost, url, body, options)
	if err != nil {
		return nil, err
	}
	return r.httpClient.Do(req)
}
