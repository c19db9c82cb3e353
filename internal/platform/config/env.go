package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// source resolves a key in precedence order: explicit map, process environment, .env file.
type source struct {
	explicit map[string]string
	system   bool
	dotEnv   map[string]string
}

func (s source) lookup(key string) (string, bool) {
	if value, ok := s.explicit[key]; ok {
		return value, true
	}
	if s.system {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	value, ok := s.dotEnv[key]
	return value, ok
}

func newSource(options loaderOptions) (source, error) {
	dotEnv, err := readDotEnvFile(options.envFile)
	if err != nil {
		return source{}, err
	}
	return source{explicit: options.envMap, system: options.useSystemEnv, dotEnv: dotEnv}, nil
}

// envReader reads typed values and remembers which config fields held
// something unparsable so Load can report them together with validation.
type envReader struct {
	lookup    func(string) (string, bool)
	malformed []string
}

func (r *envReader) raw(key string) (string, bool) {
	value, ok := r.lookup(key)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (r *envReader) str(key, fallback string) string {
	if value, ok := r.raw(key); ok {
		return value
	}
	return fallback
}

func (r *envReader) lower(key, fallback string) string {
	return strings.ToLower(r.str(key, fallback))
}

func (r *envReader) duration(field, key string, fallback time.Duration) time.Duration {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.malformed = append(r.malformed, field)
		return fallback
	}
	return d
}

func (r *envReader) integer(field, key string, fallback int64) int64 {
	value, ok := r.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		r.malformed = append(r.malformed, field)
		return fallback
	}
	return n
}

// readDotEnvFile returns nil when path is empty or the file does not exist.
func readDotEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	values, err := parseDotEnv(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return values, nil
}

// parseDotEnv understands KEY=VALUE lines, an optional "export " prefix,
// # comments and single or double quoted values.
func parseDotEnv(r io.Reader) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = unquote(strings.TrimSpace(value))
	}
	return values, scanner.Err()
}

func unquote(value string) string {
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if first == last && (first == '"' || first == '\'') {
			return value[1 : len(value)-1]
		}
	}
	return value
}
