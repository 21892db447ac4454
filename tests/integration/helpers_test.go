package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/resilience-core/internal/auth"
	"github.com/dskow/resilience-core/internal/config"
	"github.com/dskow/resilience-core/internal/middleware"
	"github.com/dskow/resilience-core/internal/pipeline"
	"github.com/dskow/resilience-core/internal/retry"
	"github.com/dskow/resilience-core/internal/server"
	"github.com/dskow/resilience-core/internal/transport"
)

const (
	jwtSecret = "integration-test-secret-key-32chars!!"
	jwtIssuer = "resilience-core"
	jwtAud    = "admin-api"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// newFlakyUpstream is an in-process stand-in for the flaky dependency:
// /get succeeds, /delay/{seconds} responds slowly, /status/{code} returns
// the requested status.
func newFlakyUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"url":"/get","ok":true}`))
	})
	mux.HandleFunc("/delay/", func(w http.ResponseWriter, r *http.Request) {
		secs, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/delay/"))
		if err != nil || secs < 0 {
			http.Error(w, "bad delay", http.StatusBadRequest)
			return
		}
		select {
		case <-time.After(time.Duration(secs) * 100 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"url":"` + r.URL.Path + `","ok":true}`))
	})
	mux.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/status/"))
		if err != nil || code < 100 || code > 599 {
			http.Error(w, "bad status", http.StatusBadRequest)
			return
		}
		w.WriteHeader(code)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type stackOptions struct {
	authEnabled      bool
	failureThreshold int
	resetTimeout     time.Duration
	ratePerSecond    float64
	burst            int
	maxConcurrent    int
}

func defaultStackOptions() stackOptions {
	return stackOptions{
		failureThreshold: 3,
		resetTimeout:     300 * time.Millisecond,
		ratePerSecond:    1000,
		burst:            1000,
		maxConcurrent:    50,
	}
}

// newStack wires the full service in process: transport, pipeline, auth
// guard, HTTP handler, and the middleware chain.
func newStack(t *testing.T, opts stackOptions) *httptest.Server {
	t.Helper()
	upstream := newFlakyUpstream(t)

	tr, err := transport.NewHTTP("httpbin", upstream.URL, transport.Options{})
	if err != nil {
		t.Fatalf("transport.NewHTTP: %v", err)
	}
	p, err := pipeline.New(pipeline.Config{
		Destination:      "httpbin",
		RatePerSecond:    opts.ratePerSecond,
		Burst:            opts.burst,
		MaxConcurrent:    opts.maxConcurrent,
		FailureThreshold: opts.failureThreshold,
		ResetTimeout:     opts.resetTimeout,
		Retry: retry.Policy{
			MaxAttempts:       2,
			PerAttemptTimeout: time.Second,
			BaseBackoff:       5 * time.Millisecond,
			Multiplier:        2,
			MaxBackoff:        50 * time.Millisecond,
		},
	}, tr, slog.Default())
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}

	authCfg := config.AuthConfig{}
	if opts.authEnabled {
		authCfg = config.AuthConfig{
			Enabled:   true,
			JWTSecret: jwtSecret,
			Issuer:    jwtIssuer,
			Audience:  jwtAud,
			Scopes:    []string{"circuit:write"},
		}
	}
	guard := auth.Guard(authCfg, slog.Default())

	scenarios := map[string]config.ScenarioConfig{
		"httpbin": {OKPath: "/get", SlowPath: "/delay/2", ErrorPath: "/status/500"},
	}
	h := server.New([]*pipeline.Client{p}, scenarios, guard, nil, slog.Default())

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	logger := slog.Default()
	root := middleware.Recovery(logger)(middleware.RequestID(middleware.Logging(logger)(mux)))

	srv := httptest.NewServer(root)
	t.Cleanup(srv.Close)
	return srv
}

func generateJWT(scope string, expiry time.Duration) string {
	claims := jwt.MapClaims{
		"sub":   "admin",
		"iss":   jwtIssuer,
		"aud":   jwtAud,
		"exp":   time.Now().Add(expiry).Unix(),
		"scope": scope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		panic(fmt.Sprintf("generateJWT: %v", err))
	}
	return s
}

func httpDo(method, url string, headers map[string]string) (*http.Response, []byte, error) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return resp, data, err
}

func httpGet(url string, headers map[string]string) (*http.Response, []byte, error) {
	return httpDo("GET", url, headers)
}

func httpPost(url string, headers map[string]string) (*http.Response, []byte, error) {
	return httpDo("POST", url, headers)
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func parseJSON(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to parse JSON %q: %v", string(data), err)
	}
	return m
}

func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertBodyContains(t *testing.T, body []byte, substr string) {
	t.Helper()
	if !strings.Contains(string(body), substr) {
		t.Errorf("expected body to contain %q, got %q", substr, string(body))
	}
}
