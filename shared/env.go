package shared

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const Version = "0.4.0"

type EnvParser[T any] func(string) (T, error)

func GetenvString(s string) (string, error) { return s, nil }

func GetenvInt(s string) (int, error) { return strconv.Atoi(s) }

func GetenvBool(s string) (bool, error) { return strconv.ParseBool(s) }

func GetenvFloat(s string) (float64, error) { return strconv.ParseFloat(s, 64) }

// GetenvDuration accepts Go durations ("750ms") and bare seconds ("30").
func GetenvDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Getenv reads key and parses it. Missing or blank values yield def, or an
// error when required is set.
func Getenv[T any](parse EnvParser[T], key string, required bool, def T) (T, error) {
	raw, ok := os.LookupEnv(key)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		if required {
			return def, fmt.Errorf("environment variable %s is required", key)
		}
		return def, nil
	}
	v, err := parse(raw)
	if err != nil {
		return def, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

func MustGetenv[T any](parse EnvParser[T], key string, required bool, def T) T {
	v, err := Getenv(parse, key, required, def)
	if err != nil {
		panic(err)
	}
	return v
}

// LoadDotenv loads KEY=VALUE pairs into the process environment. Variables
// already set win. A missing file is not an error.
func LoadDotenv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %q: %w", path, err)
	}
	return nil
}
