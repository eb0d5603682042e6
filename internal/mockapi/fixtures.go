package mockapi

import (
	_ "embed"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultFixtures is used when no fixture file is given.
//
//go:embed fixtures.yaml
var defaultFixtures []byte

// Fixtures is the data set the mock server serves.
type Fixtures struct {
	Version     string                      `yaml:"version"`
	Users       []User                      `yaml:"users"`
	Collections map[string][]map[string]any `yaml:"collections"`
	Routes      []Route                     `yaml:"routes"`
}

// Route is a canned reply for one method and path. Body is sent as the
// envelope's data unless Raw is set, in which case it is sent as is.
type Route struct {
	Method  string            `yaml:"method"`
	Path    string            `yaml:"path"`
	Status  int               `yaml:"status"`
	Body    any               `yaml:"body"`
	Raw     bool              `yaml:"raw"`
	Delay   time.Duration     `yaml:"delay"`
	Headers map[string]string `yaml:"headers"`
}

// LoadFixtures reads a fixture file, or the built-in set when path is empty.
func LoadFixtures(path string) (*Fixtures, error) {
	if path == "" {
		return ParseFixtures(defaultFixtures)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures %s: %w", path, err)
	}
	f, err := ParseFixtures(data)
	if err != nil {
		return nil, fmt.Errorf("fixtures %s: %w", path, err)
	}
	return f, nil
}

// ParseFixtures decodes and checks a YAML fixture document.
func ParseFixtures(data []byte) (*Fixtures, error) {
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	if f.Version == "" {
		f.Version = "1.0.0"
	}
	if f.Collections == nil {
		f.Collections = make(map[string][]map[string]any)
	}

	seen := make(map[int]bool)
	for i := range f.Users {
		u := &f.Users[i]
		if u.ID <= 0 || u.Email == "" || u.Password == "" {
			return nil, fmt.Errorf("user %d: id, email and password are required", i)
		}
		if seen[u.ID] {
			return nil, fmt.Errorf("user %d: duplicate id %d", i, u.ID)
		}
		seen[u.ID] = true
		if u.Role == "" {
			u.Role = "user"
		}
	}
	for i := range f.Routes {
		r := &f.Routes[i]
		r.Method = strings.ToUpper(r.Method)
		if r.Method == "" {
			r.Method = http.MethodGet
		}
		if !strings.HasPrefix(r.Path, "/") {
			return nil, fmt.Errorf("route %d: path %q must start with /", i, r.Path)
		}
		if r.Status == 0 {
			r.Status = http.StatusOK
		}
	}
	return &f, nil
}

func (f *Fixtures) route(method, path string) (Route, bool) {
	for _, r := range f.Routes {
		if r.Method == method && r.Path == path {
			return r, true
		}
	}
	return Route{}, false
}
