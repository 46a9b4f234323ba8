package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// ListResponse represents a list response with paging metadata.
type ListResponse[T any] struct {
	Data   []T `json:"data"`
	Count  int `json:"count"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// parseQueryArray parses a comma-separated query parameter into a string slice.
// Returns nil if the input is empty.
func parseQueryArray(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// parseQueryInt parses a query parameter as an integer.
// Returns defaultVal if the input is empty or invalid.
func parseQueryInt(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return val
}

// parseQueryUint64 parses a query parameter as a uint64.
// Returns defaultVal if the input is empty or invalid.
func parseQueryUint64(s string, defaultVal uint64) uint64 {
	if s == "" {
		return defaultVal
	}
	val, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return defaultVal
	}
	return val
}
