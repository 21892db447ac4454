// Package main provides a local stand-in for an unreliable upstream,
// useful for exercising the resilience pipeline without external traffic.
// It mirrors the httpbin endpoints the demo configuration points at:
// /get echoes request details, /delay/{seconds} responds slowly, and
// /status/{code} returns an arbitrary status.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "flaky", "service name")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	// /status/{code} returns an arbitrary HTTP status code.
	// Example: GET /status/500 → 500 Internal Server Error
	http.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":        *name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	// /delay/{seconds} waits before responding, capped at 10s.
	// Example: GET /delay/3 → 200 after 3 seconds
	http.HandleFunc("/delay/", func(w http.ResponseWriter, r *http.Request) {
		secStr := strings.TrimPrefix(r.URL.Path, "/delay/")
		sec, err := strconv.ParseFloat(secStr, 64)
		if err != nil || sec < 0 {
			sec = 1
		}
		if sec > 10 {
			sec = 10
		}
		select {
		case <-time.After(time.Duration(sec * float64(time.Second))):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service": *name,
			"delayed": sec,
		})
	})

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"service":     *name,
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s", *name, addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}
