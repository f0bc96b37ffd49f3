package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rcliao/story-memory/internal/model"
)

// parseValue reads an attribute value from the command line. JSON scalars
// and {"ref": id} objects keep their type; anything else is a string.
func parseValue(raw string) model.Value {
	var v model.Value
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return model.String(raw)
}

// parseAttrs turns key=value pairs into attributes.
func parseAttrs(pairs []string) (map[string]model.Value, error) {
	attrs := make(map[string]model.Value, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("attribute %q is not key=value", p)
		}
		attrs[k] = parseValue(v)
	}
	return attrs, nil
}

// readInput returns the positional args joined, else the named file, else
// piped stdin.
func readInput(args []string, file string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	stat, _ := os.Stdin.Stat()
	if stat != nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return "", nil
}
