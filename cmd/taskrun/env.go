package main

import (
	"os"
	"strconv"
	"time"
)

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	return envParse(key, defaultVal, strconv.Atoi)
}

func envFloatOr(key string, defaultVal float64) float64 {
	return envParse(key, defaultVal, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	return envParse(key, defaultVal, time.ParseDuration)
}

func envBoolOr(key string, defaultVal bool) bool {
	return envParse(key, defaultVal, strconv.ParseBool)
}

// envParse parses the variable named key with parse. Unset and malformed
// values yield defaultVal.
func envParse[T any](key string, defaultVal T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return defaultVal
	}
	v, err := parse(raw)
	if err != nil {
		return defaultVal
	}
	return v
}
