package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/stevehiehn/testagent/internal/config"
	dagerrors "github.com/stevehiehn/testagent/internal/errors"
)

// parseInputs converts ["key=value", ...] to a map.
func parseInputs(raw []string) (map[string]string, error) {
	m := map[string]string{}
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, dagerrors.NewValidationError(
				fmt.Sprintf("malformed input %q", kv),
				"Pass inputs as --input key=value")
		}
		m[key] = value
	}
	return m, nil
}

// newLogger writes to stderr so stdout stays free for command output.
func newLogger(c config.Config) (*slog.Logger, error) {
	level, err := config.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRunError prints a structured error with its hint.
func printRunError(w io.Writer, err error) {
	var re *dagerrors.RunError
	if !errors.As(err, &re) {
		fmt.Fprintf(w, "Error: %s\n", err)
		return
	}
	fmt.Fprintf(w, "Error: %s\n", re.Error())
	if re.Hint != "" {
		fmt.Fprintf(w, "Hint: %s\n", re.Hint)
	}
}

// errorPayload renders err for JSON output.
func errorPayload(err error) any {
	var re *dagerrors.RunError
	if errors.As(err, &re) {
		return re
	}
	return map[string]string{"message": err.Error()}
}
