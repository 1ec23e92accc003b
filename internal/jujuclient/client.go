// Package jujuclient is a minimal Juju controller API client. It speaks the
// JSON-RPC websocket protocol and covers only the calls collection needs:
// Admin.Login, ModelManager.ListModels, Client.FullStatus and
// Bundle.ExportBundle.
package jujuclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/names/v5"

	"github.com/canonical/software-inventory-collector/internal/logging"
)

var log = logging.L("jujuclient")

const (
	handshakeTimeout = 30 * time.Second
	writeWait        = 10 * time.Second

	// loginFacadeVersion is fixed: Admin.Login v3 is the entry point on
	// every controller release the collector targets.
	loginFacadeVersion = 3

	// clientVersion is reported to the controller at login.
	clientVersion = "2.9.45"
)

// ErrShutdown is returned for calls made on a connection that has closed.
var ErrShutdown = errors.New("connection is shut down")

// clientMaxFacades holds the highest facade versions this client speaks.
// Login negotiation picks the highest version both sides support.
var clientMaxFacades = map[string]int{
	"ModelManager": 9,
	"Client":       6,
	"Bundle":       6,
}

// ControllerConfig holds what is needed to reach and authenticate against
// one controller.
type ControllerConfig struct {
	Endpoint string // host:port
	Username string
	Password string
	CACert   string // PEM
}

// RequestError is an error returned by the controller for one request.
type RequestError struct {
	Message string
	Code    string
}

func (e *RequestError) Error() string {
	if e.Code != "" {
		return e.Message + " (" + e.Code + ")"
	}
	return e.Message
}

// Model describes one model hosted on the controller.
type Model struct {
	Name     string `json:"name"`
	UUID     string `json:"uuid"`
	Type     string `json:"type"`
	OwnerTag string `json:"owner-tag"`
}

// Conn is an authenticated connection to a controller endpoint. A reader
// goroutine owns the socket; concurrent calls are safe.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *wireResponse
	reqID   uint64
	closed  bool
	readErr error

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	authTag       string
	facades       map[string]int
	serverVersion string
}

// Dial connects to the controller endpoint and logs in.
func Dial(ctx context.Context, cfg ControllerConfig) (*Conn, error) {
	return dial(ctx, cfg, "/api")
}

// DialModel connects to the API endpoint of one model and logs in. Model
// scoped facades (Client, Bundle) are only available on this endpoint.
func DialModel(ctx context.Context, cfg ControllerConfig, modelUUID string) (*Conn, error) {
	return dial(ctx, cfg, "/model/"+modelUUID+"/api")
}

func dial(ctx context.Context, cfg ControllerConfig, path string) (*Conn, error) {
	tlsCfg, err := tlsConfig(cfg.CACert)
	if err != nil {
		return nil, err
	}

	u := url.URL{Scheme: "wss", Host: cfg.Endpoint, Path: path}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  tlsCfg,
	}
	// Older controllers reject handshakes without an Origin header.
	header := http.Header{"Origin": {"http://localhost/"}}

	ws, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", u.String(), err)
	}

	c := &Conn{
		ws:      ws,
		pending: make(map[uint64]chan *wireResponse),
		done:    make(chan struct{}),
		facades: make(map[string]int),
	}
	go c.readLoop()

	if err := c.login(ctx, cfg); err != nil {
		c.Close()
		return nil, err
	}

	log.Debug("connected",
		"endpoint", cfg.Endpoint,
		"path", path,
		"server_version", c.serverVersion,
	)
	return c, nil
}

// tlsConfig builds the TLS client config for a controller. Controllers are
// addressed by IP and present a cert issued by the per-controller CA for
// the name juju-apiserver, so verification pins that server name.
func tlsConfig(caCertPEM string) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(caCertPEM)) {
		return nil, fmt.Errorf("controller CA certificate: no certificates found in PEM data")
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: "juju-apiserver",
	}, nil
}

type loginRequest struct {
	AuthTag       string `json:"auth-tag"`
	Credentials   string `json:"credentials"`
	ClientVersion string `json:"client-version,omitempty"`
}

type facadeVersions struct {
	Name     string `json:"name"`
	Versions []int  `json:"versions"`
}

type loginResult struct {
	ControllerTag string           `json:"controller-tag"`
	ModelTag      string           `json:"model-tag"`
	ServerVersion string           `json:"server-version"`
	Facades       []facadeVersions `json:"facades"`
}

func (c *Conn) login(ctx context.Context, cfg ControllerConfig) error {
	if !names.IsValidUser(cfg.Username) {
		return fmt.Errorf("invalid controller username %q", cfg.Username)
	}
	authTag := names.NewUserTag(cfg.Username).String()

	req := loginRequest{
		AuthTag:       authTag,
		Credentials:   cfg.Password,
		ClientVersion: clientVersion,
	}
	var result loginResult
	if err := c.call(ctx, "Admin", loginFacadeVersion, "Login", req, &result); err != nil {
		return fmt.Errorf("controller login: %w", err)
	}

	c.mu.Lock()
	c.authTag = authTag
	c.serverVersion = result.ServerVersion
	for _, f := range result.Facades {
		max, ok := clientMaxFacades[f.Name]
		if !ok {
			continue
		}
		if best := bestVersion(max, f.Versions); best > 0 {
			c.facades[f.Name] = best
		}
	}
	c.mu.Unlock()
	return nil
}

func bestVersion(ours int, server []int) int {
	best := 0
	for _, v := range server {
		if v > best && v <= ours {
			best = v
		}
	}
	return best
}

func (c *Conn) facadeVersion(name string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.facades[name]
	if !ok {
		return 0, fmt.Errorf("controller does not support the %s facade", name)
	}
	return v, nil
}

// ServerVersion reports the controller's version as returned at login.
func (c *Conn) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion
}

type entity struct {
	Tag string `json:"tag"`
}

type userModel struct {
	Model
	LastConnection *time.Time `json:"last-connection"`
}

type userModelList struct {
	UserModels []userModel `json:"user-models"`
}

// AllModels lists the models on the controller visible to the login user.
func (c *Conn) AllModels(ctx context.Context) ([]Model, error) {
	version, err := c.facadeVersion("ModelManager")
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	tag := c.authTag
	c.mu.Unlock()

	var result userModelList
	err = c.call(ctx, "ModelManager", version, "ListModels", entity{Tag: tag}, &result)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}

	models := make([]Model, 0, len(result.UserModels))
	for _, m := range result.UserModels {
		models = append(models, m.Model)
	}
	return models, nil
}

type statusParams struct {
	Patterns []string `json:"patterns"`
}

// Status returns the full status document of the model this connection is
// scoped to, as raw JSON. The document is archived verbatim, so it is never
// decoded into structs.
func (c *Conn) Status(ctx context.Context) (json.RawMessage, error) {
	version, err := c.facadeVersion("Client")
	if err != nil {
		return nil, err
	}

	var result json.RawMessage
	err = c.call(ctx, "Client", version, "FullStatus", statusParams{Patterns: []string{}}, &result)
	if err != nil {
		return nil, fmt.Errorf("fetching model status: %w", err)
	}
	return result, nil
}

type exportBundleParams struct {
	IncludeCharmDefaults bool `json:"include-charm-defaults,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type stringResult struct {
	Error  *apiError `json:"error,omitempty"`
	Result string    `json:"result"`
}

// ExportBundle returns the bundle representation of the model this
// connection is scoped to, as YAML.
func (c *Conn) ExportBundle(ctx context.Context) (string, error) {
	version, err := c.facadeVersion("Bundle")
	if err != nil {
		return "", err
	}

	var result stringResult
	err = c.call(ctx, "Bundle", version, "ExportBundle", exportBundleParams{}, &result)
	if err != nil {
		return "", fmt.Errorf("exporting bundle: %w", err)
	}
	if result.Error != nil {
		return "", &RequestError{Message: result.Error.Message, Code: result.Error.Code}
	}
	return result.Result, nil
}

type wireRequest struct {
	RequestID uint64 `json:"request-id"`
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Request   string `json:"request"`
	Params    any    `json:"params,omitempty"`
}

type wireResponse struct {
	RequestID uint64          `json:"request-id"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error-code,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

func (c *Conn) call(ctx context.Context, facade string, version int, method string, params, result any) error {
	id, ch, err := c.register()
	if err != nil {
		return err
	}

	req := wireRequest{
		RequestID: id,
		Type:      facade,
		Version:   version,
		Request:   method,
		Params:    params,
	}
	if req.Params == nil {
		req.Params = struct{}{}
	}

	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("sending %s.%s: %w", facade, method, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case resp := <-ch:
		return decodeResponse(resp, result)
	case <-c.done:
		// The response may have landed just as the reader exited.
		select {
		case resp := <-ch:
			return decodeResponse(resp, result)
		default:
			return c.deadError()
		}
	}
}

func decodeResponse(resp *wireResponse, result any) error {
	if resp.Error != "" {
		return &RequestError{Message: resp.Error, Code: resp.ErrorCode}
	}
	if result != nil && len(resp.Response) > 0 {
		if err := json.Unmarshal(resp.Response, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func (c *Conn) register() (uint64, chan *wireResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, ErrShutdown
	}
	c.reqID++
	ch := make(chan *wireResponse, 1)
	c.pending[c.reqID] = ch
	return c.reqID, ch, nil
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) deadError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return fmt.Errorf("%w: %v", ErrShutdown, c.readErr)
	}
	return ErrShutdown
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		var resp wireResponse
		if err := c.ws.ReadJSON(&resp); err != nil {
			c.mu.Lock()
			c.readErr = err
			c.closed = true
			c.pending = make(map[uint64]chan *wireResponse)
			c.mu.Unlock()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read loop ended", "error", err)
			}
			return
		}

		c.mu.Lock()
		ch := c.pending[resp.RequestID]
		delete(c.pending, resp.RequestID)
		c.mu.Unlock()

		if ch == nil {
			log.Debug("dropping response with no pending call", "request_id", resp.RequestID)
			continue
		}
		r := resp
		ch <- &r
	}
}

// Close shuts the connection down and waits for the reader to exit.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		c.closeErr = c.ws.Close()
	})
	<-c.done
	return c.closeErr
}
