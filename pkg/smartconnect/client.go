// Package smartconnect talks to the Angel One SmartAPI: password + TOTP login
// over REST, and the SmartStream WebSocket that carries request frames,
// order pushes and binary LTP ticks.
//
// Usage example:
//
//	sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: "your_api_key"})
//	sess, err := sc.Login(ctx, "CLIENTID", "PASSWORD", totpSecret)
//	if err != nil { log.Fatal(err) }
//	stream := smartconnect.NewStream(smartconnect.StreamConfig{URL: url, Session: sess, APIKey: key})
package smartconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/pquerna/otp/totp"
)

var (
	ErrLoginFailed   = errors.New("smartconnect: login failed")
	ErrEmptyTokens   = errors.New("smartconnect: login returned empty tokens")
	ErrTokenExpired  = errors.New("smartconnect: session token expired")
	ErrNotConnected  = errors.New("smartconnect: stream not connected")
	ErrShortTickData = errors.New("smartconnect: binary payload too short")
)

// ---- Config & client ----

type Config struct {
	APIKey string

	RootURL        string        // default: https://apiconnect.angelone.in
	Timeout        time.Duration // default: 7s
	Debug          bool
	Accept         string // default: application/json
	UserType       string // default: USER
	SourceID       string // default: WEB
	ClientPublicIP string // default 106.193.147.98
	ClientLocalIP  string // default resolved, else 127.0.0.1
	ClientMAC      string // default from interface MAC
}

// Session holds the tokens issued by a successful login.
type Session struct {
	ClientCode   string
	JWTToken     string
	RefreshToken string
	FeedToken    string
	IssuedAt     time.Time
}

// AuthHeader returns the bearer value for stream and REST authorization.
func (s *Session) AuthHeader() string { return "Bearer " + s.JWTToken }

type SmartConnect struct {
	apiKey  string
	rootURL string
	debug   bool

	httpClient *http.Client

	accept         string
	userType       string
	sourceID       string
	clientPublicIP string
	clientLocalIP  string
	clientMAC      string

	now func() time.Time

	// Optional callback for 403 TokenException
	SessionExpiryHook func()
}

const defaultRoot = "https://apiconnect.angelone.in"

var routes = map[string]string{
	"api.login":  "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout": "/rest/secure/angelbroking/user/v1/logout",
}

// GetLocalIP finds the first non-loopback IPv4 address.
func GetLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, address := range addrs {
		if ipNet, ok := address.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no local IP found")
}

// NewSmartConnect initializes the REST client.
func NewSmartConnect(cfg Config) *SmartConnect {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.Accept == "" {
		cfg.Accept = "application/json"
	}
	if cfg.UserType == "" {
		cfg.UserType = "USER"
	}
	if cfg.SourceID == "" {
		cfg.SourceID = "WEB"
	}
	if cfg.ClientLocalIP == "" {
		ip, err := GetLocalIP()
		if err != nil {
			log.Printf("[smartconnect] local IP lookup failed: %v", err)
		}
		cfg.ClientLocalIP = firstNonEmpty(ip, "127.0.0.1")
	}
	cfg.ClientPublicIP = firstNonEmpty(cfg.ClientPublicIP, "106.193.147.98")
	cfg.ClientMAC = firstNonEmpty(cfg.ClientMAC, getMACFallback())

	return &SmartConnect{
		apiKey:         cfg.APIKey,
		rootURL:        cfg.RootURL,
		debug:          cfg.Debug,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		accept:         cfg.Accept,
		userType:       cfg.UserType,
		sourceID:       cfg.SourceID,
		clientPublicIP: cfg.ClientPublicIP,
		clientLocalIP:  cfg.ClientLocalIP,
		clientMAC:      cfg.ClientMAC,
		now:            time.Now,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func getMACFallback() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "00:00:00:00:00:00"
	}
	for _, i := range ifaces {
		if i.Flags&net.FlagLoopback == 0 && len(i.HardwareAddr) > 0 {
			return i.HardwareAddr.String()
		}
	}
	return "00:00:00:00:00:00"
}

func (sc *SmartConnect) requestHeaders(accessToken string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", sc.accept)
	h.Set("Accept", sc.accept)
	h.Set("X-ClientLocalIP", sc.clientLocalIP)
	h.Set("X-ClientPublicIP", sc.clientPublicIP)
	h.Set("X-MACAddress", sc.clientMAC)
	h.Set("X-PrivateKey", sc.apiKey)
	h.Set("X-UserType", sc.userType)
	h.Set("X-SourceID", sc.sourceID)
	if accessToken != "" {
		h.Set("Authorization", "Bearer "+accessToken)
	}
	return h
}

// apiResponse is the SmartAPI REST envelope.
type apiResponse struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

func (sc *SmartConnect) post(ctx context.Context, route, accessToken string, params map[string]any) (*apiResponse, error) {
	uri, ok := routes[route]
	if !ok {
		return nil, fmt.Errorf("smartconnect: unknown route: %s", route)
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.rootURL+uri, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header = sc.requestHeaders(accessToken)

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("smartconnect: %s: %w", route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("smartconnect: %s: read: %w", route, err)
	}
	if sc.debug {
		log.Printf("[smartconnect] %s code=%d", route, resp.StatusCode)
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("smartconnect: %s: couldn't parse JSON response (status %d): %w", route, resp.StatusCode, err)
	}
	if out.ErrorType != "" {
		if resp.StatusCode == http.StatusForbidden && out.ErrorType == "TokenException" {
			if sc.SessionExpiryHook != nil {
				sc.SessionExpiryHook()
			}
			return &out, ErrTokenExpired
		}
		return &out, fmt.Errorf("smartconnect: %s: %s: %s", route, out.ErrorType, out.Message)
	}
	return &out, nil
}

// Login generates a TOTP code from secret and opens a fresh session.
func (sc *SmartConnect) Login(ctx context.Context, clientCode, password, totpSecret string) (*Session, error) {
	code, err := totp.GenerateCode(totpSecret, sc.now())
	if err != nil {
		return nil, fmt.Errorf("smartconnect: totp: %w", err)
	}
	res, err := sc.post(ctx, "api.login", "", map[string]any{
		"clientcode": clientCode,
		"password":   password,
		"totp":       code,
	})
	if err != nil {
		return nil, err
	}
	if !res.Status {
		return nil, fmt.Errorf("%w: %s %s", ErrLoginFailed, res.ErrorCode, res.Message)
	}

	var data struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	if err := json.Unmarshal(res.Data, &data); err != nil {
		return nil, fmt.Errorf("smartconnect: unexpected login response format: %w", err)
	}
	if data.JWTToken == "" || data.FeedToken == "" {
		return nil, ErrEmptyTokens
	}
	return &Session{
		ClientCode:   clientCode,
		JWTToken:     data.JWTToken,
		RefreshToken: data.RefreshToken,
		FeedToken:    data.FeedToken,
		IssuedAt:     sc.now(),
	}, nil
}

// Logout terminates s on the broker side.
func (sc *SmartConnect) Logout(ctx context.Context, s *Session) error {
	res, err := sc.post(ctx, "api.logout", s.JWTToken, map[string]any{"clientcode": s.ClientCode})
	if err != nil {
		return err
	}
	if !res.Status {
		return fmt.Errorf("smartconnect: logout: %s", res.Message)
	}
	return nil
}
