// Package sapb1 talks to the SAP Business One Service Layer. One Client holds one
// session for the lifetime of the worker.
package sapb1

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-sapsync/internal/reconcile"
)

// Config holds Service Layer connection settings.
type Config struct {
	BaseURL     string
	CompanyDB   string
	UserName    string
	Password    string
	Timeout     time.Duration
	InsecureTLS bool
	// HTTPClient replaces the default transport, mostly for tests. Its Jar is
	// replaced when nil.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// ErrSessionUnavailable is returned when no valid session exists. It matches
// reconcile.ErrConnectorUnavailable so the pipeline treats it as fatal to the closure.
var ErrSessionUnavailable = reconcile.ErrConnectorUnavailable

// Error is a rejection reported by the Service Layer.
type Error struct {
	Status  int
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sap b1 error %d: %s", e.Code, e.Message)
}

// Client is a Service Layer session.
type Client struct {
	baseURL    string
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	connected bool
}

// NewClient constructs a client. Login must be called before use.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("sapb1: invalid service layer url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.InsecureTLS {
			// Service Layer installations commonly ship a self-signed certificate.
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		}
		httpClient = &http.Client{Transport: transport, Timeout: cfg.Timeout}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("sapb1: cookie jar: %w", err)
		}
		httpClient.Jar = jar
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    base.String(),
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "sapb1")),
	}, nil
}

type loginRequest struct {
	CompanyDB string `json:"CompanyDB"`
	UserName  string `json:"UserName"`
	Password  string `json:"Password"`
}

type loginResponse struct {
	SessionID      string `json:"SessionId"`
	Version        string `json:"Version"`
	SessionTimeout int    `json:"SessionTimeout"`
}

// Login opens the session. The session cookie is kept in the client jar.
func (c *Client) Login(ctx context.Context) error {
	var resp loginResponse
	err := c.do(ctx, http.MethodPost, "/Login", loginRequest{
		CompanyDB: c.cfg.CompanyDB,
		UserName:  c.cfg.UserName,
		Password:  c.cfg.Password,
	}, &resp)
	if err != nil {
		return fmt.Errorf("sapb1: login: %w", err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("sap session opened",
		slog.String("company_db", c.cfg.CompanyDB),
		slog.String("version", resp.Version),
		slog.Int("session_timeout_min", resp.SessionTimeout),
	)
	return nil
}

// Logout closes the session. It is safe to call on a closed client.
func (c *Client) Logout(ctx context.Context) error {
	if !c.Connected() {
		return nil
	}
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	if err := c.do(ctx, http.MethodPost, "/Logout", nil, nil); err != nil && !errors.Is(err, ErrSessionUnavailable) {
		return fmt.Errorf("sapb1: logout: %w", err)
	}
	return nil
}

// Connected reports whether Login succeeded and the session was not found invalid since.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Ping reports ErrConnectorUnavailable when the session is closed.
func (c *Client) Ping(_ context.Context) error {
	if !c.Connected() {
		return ErrSessionUnavailable
	}
	return nil
}

type itemResponse struct {
	ItemCode      string `json:"ItemCode"`
	InventoryItem string `json:"InventoryItem"`
}

// IsInventoryItem reports whether itemCode is flagged as an inventory item. It
// fails closed to false without a session, and unknown items are not tracked.
func (c *Client) IsInventoryItem(ctx context.Context, itemCode string) (bool, error) {
	if !c.Connected() {
		return false, nil
	}
	path := fmt.Sprintf("/Items('%s')?$select=ItemCode,InventoryItem", url.PathEscape(strings.ReplaceAll(itemCode, "'", "''")))
	var item itemResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &item); err != nil {
		var sapErr *Error
		if errors.As(err, &sapErr) && sapErr.Status == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return item.InventoryItem == "tYES", nil
}

type documentLine struct {
	ItemCode      string  `json:"ItemCode"`
	WarehouseCode string  `json:"WarehouseCode"`
	Quantity      float64 `json:"Quantity"`
	AccountCode   string  `json:"AccountCode,omitempty"`
	ProjectCode   string  `json:"ProjectCode,omitempty"`
}

type documentRequest struct {
	DocDate       string         `json:"DocDate"`
	TaxDate       string         `json:"TaxDate"`
	Reference2    string         `json:"Reference2,omitempty"`
	Comments      string         `json:"Comments,omitempty"`
	DocumentLines []documentLine `json:"DocumentLines"`
}

type documentResponse struct {
	DocEntry int64 `json:"DocEntry"`
	DocNum   int64 `json:"DocNum"`
}

// CreateDocument posts a goods receipt (entry) or goods issue (exit).
func (c *Client) CreateDocument(ctx context.Context, req reconcile.DocumentRequest) (reconcile.DocumentResult, error) {
	if !c.Connected() {
		return reconcile.DocumentResult{}, ErrSessionUnavailable
	}
	date := req.Date.Format("2006-01-02")
	body := documentRequest{
		DocDate:       date,
		TaxDate:       date,
		Reference2:    req.Reference,
		Comments:      req.Comment,
		DocumentLines: make([]documentLine, 0, len(req.Lines)),
	}
	for _, line := range req.Lines {
		body.DocumentLines = append(body.DocumentLines, documentLine{
			ItemCode:      line.ItemCode,
			WarehouseCode: line.Warehouse,
			Quantity:      line.Quantity,
			AccountCode:   line.Account,
			ProjectCode:   line.Project,
		})
	}
	var resp documentResponse
	if err := c.do(ctx, http.MethodPost, "/"+documentCollection(req.Direction), body, &resp); err != nil {
		return reconcile.DocumentResult{}, err
	}
	return reconcile.DocumentResult{Entry: resp.DocEntry, Number: resp.DocNum}, nil
}

func documentCollection(dir reconcile.Direction) string {
	if dir == reconcile.DirectionEntry {
		return "InventoryGenEntries"
	}
	return "InventoryGenExits"
}

type errorEnvelope struct {
	Error struct {
		Code    int `json:"code"`
		Message struct {
			Lang  string `json:"lang"`
			Value string `json:"value"`
		} `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusUnauthorized && path != "/Login" {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return fmt.Errorf("%w: %s %s returned 401", ErrSessionUnavailable, method, strings.SplitN(path, "?", 2)[0])
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sapb1: decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	sapErr := &Error{Status: resp.StatusCode, Code: resp.StatusCode}
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && (env.Error.Code != 0 || env.Error.Message.Value != "") {
		sapErr.Code = env.Error.Code
		sapErr.Message = env.Error.Message.Value
		return sapErr
	}
	sapErr.Message = strings.TrimSpace(string(raw))
	if sapErr.Message == "" {
		sapErr.Message = http.StatusText(resp.StatusCode)
	}
	return sapErr
}
