// Command setup_collections applies the attendance schema to an external PocketBase server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"presence-verifier/migrations"
)

type admin struct {
	baseURL string
	token   string
	client  *http.Client
}

func (a *admin) call(method, path string, body interface{}) (int, []byte, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.baseURL+path, r)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return resp.StatusCode, out, err
}

// apply creates the collection, or adds the fields an existing one lacks
func (a *admin) apply(name string, collection interface{}) (string, error) {
	status, body, err := a.call(http.MethodPost, "/api/collections", collection)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		return "created", nil
	case status == http.StatusBadRequest && (bytes.Contains(body, []byte("must be unique")) || bytes.Contains(body, []byte("already exists"))):
		return a.extend(name, collection)
	default:
		return "", fmt.Errorf("create: HTTP %d %s", status, body)
	}
}

type schema struct {
	Fields []map[string]interface{} `json:"fields"`
}

func (a *admin) extend(name string, collection interface{}) (string, error) {
	var wanted schema
	encoded, err := json.Marshal(collection)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(encoded, &wanted); err != nil {
		return "", err
	}

	status, body, err := a.call(http.MethodGet, "/api/collections/"+name, nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("read: HTTP %d %s", status, body)
	}
	var current schema
	if err := json.Unmarshal(body, &current); err != nil {
		return "", fmt.Errorf("decode %s: %w", name, err)
	}

	have := make(map[string]bool, len(current.Fields))
	for _, f := range current.Fields {
		if n, ok := f["name"].(string); ok {
			have[n] = true
		}
	}
	added := 0
	for _, f := range wanted.Fields {
		if n, ok := f["name"].(string); ok && !have[n] {
			delete(f, "id")
			current.Fields = append(current.Fields, f)
			added++
		}
	}
	if added == 0 {
		return "up to date", nil
	}

	status, body, err = a.call(http.MethodPatch, "/api/collections/"+name, current)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("patch: HTTP %d %s", status, body)
	}
	return fmt.Sprintf("added %d field(s)", added), nil
}

func main() {
	_ = godotenv.Load()

	a := &admin{
		baseURL: envOr("POCKETBASE_URL", "http://127.0.0.1:8090"),
		token:   os.Getenv("POCKETBASE_TOKEN"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	if a.token == "" {
		log.Fatal("POCKETBASE_TOKEN must hold a superuser token")
	}
	if status, body, err := a.call(http.MethodGet, "/api/collections?perPage=1", nil); err != nil || status != http.StatusOK {
		log.Fatalf("❌ %s unreachable or token rejected: %v %d %s", a.baseURL, err, status, body)
	}

	failed := 0
	for _, c := range migrations.AttendanceCollections() {
		result, err := a.apply(c.Name, c)
		if err != nil {
			log.Printf("⚠️ %s: %v", c.Name, err)
			failed++
			continue
		}
		log.Printf("✅ %s: %s", c.Name, result)
	}
	if failed > 0 {
		log.Fatalf("%d collection(s) failed", failed)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
