package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// schemaFilePrefix names schema sources so that errors can be attributed
// to the configuration rather than the schema.
const schemaFilePrefix = "schema:"

// SchemaRegistry manages named CUE definitions used for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in schemas.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("build", "#Build", builtinBuildSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles src and registers its definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, def, src string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(schemaFilePrefix+name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	d := val.LookupPath(cue.ParsePath(def))
	if !d.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}

	sr.schemas[name] = d
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Apply unifies data with the named schema and checks that the result is
// concrete. The unified value carries defaults from the schema.
func (sr *SchemaRegistry) Apply(schemaName string, data cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates a Go value against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Apply(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinBuildSchema = `
#Name: =~"^[a-zA-Z0-9@_+][a-zA-Z0-9@._+-]*$"

#Build: {
	repository: {
		// $repo and $arch are substituted
		url:    string & !=""
		repos:  [#Name, ...#Name]
		arch?:  #Name
		files?: bool
	}

	// Optional here so the command line can supply it
	target?: string & !=""

	packages: {[#Name]: string}
	constraints?: {[#Name]: string}

	system?: #System

	bootloader?: {
		kind?:    "systemd-boot" | "grub" | "none"
		esp?:     =~"^/"
		cmdline?: string
		timeout?: int & >=0
		device?:  =~"^/dev/"
	}

	policies?: {
		deny_packages?:    [...#Name]
		require_packages?: [...#Name]
		max_packages?:     int & >=0
		files?: [...string]
	}

	prune?: bool
}

#System: {
	hostname?: =~"^[a-zA-Z0-9]([a-zA-Z0-9.-]{0,251}[a-zA-Z0-9])?$"
	timezone?: =~"^[A-Za-z0-9_+-]+(/[A-Za-z0-9_+-]+)*$"
	locale?:   string
	keymap?:   string
	groups?: [...{
		name: string
		gid?: int & >=0
	}]
	users?: [...#User]
	services?: [...string]
	files?: [...{
		path:     =~"^/"
		content?: string
		mode?:    =~"^0?[0-7]{3,4}$"
	}]
	scripts?: [...string]
}

#User: {
	name:           =~"^[a-z_][a-z0-9_-]*[$]?$"
	uid?:           int & >=0
	groups?:        [...string]
	shell?:         =~"^/"
	home?:          =~"^/"
	gecos?:         string
	password_hash?: string
	password?:      string
	sudo?:          bool
}
`
