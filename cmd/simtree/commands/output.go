package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/tree"
)

// printValue writes v as indented JSON with --json, as plain text for
// scalars and as YAML for lists and maps otherwise.
func printValue(w io.Writer, v interface{}) error {
	if jsonOutput {
		return printJSON(w, v)
	}
	switch v.(type) {
	case nil:
		_, err := fmt.Fprintln(w, "null")
		return err
	case string, bool, int64, float64, int:
		_, err := fmt.Fprintln(w, v)
		return err
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to render value: %w", err)
	}
	_, err = w.Write(out)
	return err
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printNames writes one name per line, or a JSON array with --json.
func printNames(w io.Writer, names []string) error {
	if jsonOutput {
		if names == nil {
			names = []string{}
		}
		return printJSON(w, names)
	}
	for _, n := range names {
		if _, err := fmt.Fprintln(w, n); err != nil {
			return err
		}
	}
	return nil
}

// parseValue reads a command-line value as JSON. Anything that is not
// valid JSON is taken as a bare string.
func parseValue(s string) tree.Value {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// parseArgs reads command arguments given as a JSON object.
func parseArgs(s string) (map[string]tree.Value, error) {
	if s == "" {
		return nil, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(s), &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	out := make(map[string]tree.Value, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out, nil
}

// parseTreePath parses an absolute tree path as given on the command line.
func parseTreePath(arg string) (path.Path, error) {
	if !strings.HasPrefix(arg, path.Separator) {
		return path.Path{}, fmt.Errorf("path %q must be absolute (start with %s)", arg, path.Separator)
	}
	return path.Parse(arg)
}

// memberPath splits a path whose last segment names a collection member
// into the collection path and the instance name.
func memberPath(p path.Path) (path.Path, string, error) {
	last, ok := p.Last()
	if !ok || !last.Named() {
		return path.Path{}, "", fmt.Errorf("%s does not name a collection member (want <collection>:<name>)", p)
	}
	return p.Parent().Child(last.Name), last.Instance, nil
}
