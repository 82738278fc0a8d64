package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	js "github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed requests/*.json
var requestFS embed.FS

const baseURL = "mem://convroute/requests/"

// Request body schemas
const (
	Route        = "route"
	Agent        = "agent"
	AgentUpdate  = "agent_update"
	Availability = "availability"
	Team         = "team"
	TeamUpdate   = "team_update"
	Members      = "members"
	Transition   = "transition"
	Response     = "response"
	Rating       = "rating"
)

// ErrUnknownSchema is returned for a name with no embedded schema
var ErrUnknownSchema = errors.New("unknown schema")

// ValidationError lists every violation found in a request body
type ValidationError struct {
	Schema   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Schema, strings.Join(e.Problems, "; "))
}

// Compiler validates request bodies against the embedded schemas.
// Compiled schemas are cached and recompiled after an hour.
type Compiler struct {
	mu       sync.Mutex
	compiler *js.Compiler
	cache    *expirable.LRU[string, *js.Schema]
	names    map[string]bool
}

// NewCompilerWithCache creates a new compiler with cache
func NewCompilerWithCache(maxSize int) (*Compiler, error) {
	c := js.NewCompiler()
	c.Draft = js.Draft7
	c.ExtractAnnotations = true

	names := make(map[string]bool)
	files, err := fs.Glob(requestFS, "requests/*.json")
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		data, err := requestFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		name := strings.TrimSuffix(path.Base(file), ".json")
		if err := c.AddResource(baseURL+name+".json", bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to add resource %s: %w", name, err)
		}
		names[name] = true
	}

	return &Compiler{
		compiler: c,
		cache:    expirable.NewLRU[string, *js.Schema](maxSize, nil, time.Hour),
		names:    names,
	}, nil
}

// Names lists the embedded schemas
func (c *Compiler) Names() []string {
	out := make([]string, 0, len(c.names))
	for n := range c.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Prepare compiles and caches a schema
func (c *Compiler) Prepare(name string) (*js.Schema, error) {
	if s, ok := c.cache.Get(name); ok {
		return s, nil
	}
	if !c.names[name] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	compiled, err := c.compiler.Compile(baseURL + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	c.cache.Add(name, compiled)
	return compiled, nil
}

// Validate checks a raw JSON body against the named schema. Violations come
// back as *ValidationError; malformed JSON and unknown names as plain errors.
func (c *Compiler) Validate(name string, body []byte) error {
	compiled, err := c.Prepare(name)
	if err != nil {
		return err
	}

	var value interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := compiled.Validate(value); err != nil {
		var ve *js.ValidationError
		if errors.As(err, &ve) {
			return &ValidationError{Schema: name, Problems: problems(ve)}
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// problems flattens the leaf causes of a validation error
func problems(ve *js.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + ve.Message}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, problems(cause)...)
	}
	return out
}
