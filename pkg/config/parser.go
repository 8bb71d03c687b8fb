package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	cuejson "cuelang.org/go/encoding/json"
	"github.com/go-playground/validator/v10"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/dodos-os/dodos/pkg/version"
)

// Parser reads build configurations written in CUE, YAML or JSON with
// comments. Every format is checked against the same CUE schema and then
// against the struct tags of BuildConfig.
type Parser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewParser creates a new parser.
func NewParser() *Parser {
	ctx := cuecontext.New()
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Parser{
		ctx:            ctx,
		schemaRegistry: NewSchemaRegistry(ctx),
		validator:      v,
	}
}

// Load reads a configuration file, or every CUE file of a directory. A
// target given on the command line replaces the configured one.
func (p *Parser) Load(ctx context.Context, path, target string) (*BuildConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", path, err)
	}

	var (
		val   cue.Value
		files []string
	)
	if info.IsDir() {
		val, files, err = p.loadDirectory(path)
	} else {
		var data []byte
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		files = []string{path}
		val, err = p.compile(path, data)
	}
	if err != nil {
		return nil, err
	}

	cfg, err := p.decode(val, target)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = files

	// Policy files are relative to the configuration.
	base := path
	if !info.IsDir() {
		base = filepath.Dir(path)
	}
	for i, f := range cfg.Policies.Files {
		if !filepath.IsAbs(f) {
			cfg.Policies.Files[i] = filepath.Join(base, f)
		}
	}
	return cfg, nil
}

// Parse reads a configuration from memory. The format follows the
// extension of name: .cue, .yaml, .yml, .json or .jsonc.
func (p *Parser) Parse(name string, data []byte) (*BuildConfig, error) {
	val, err := p.compile(name, data)
	if err != nil {
		return nil, err
	}
	cfg, err := p.decode(val, "")
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = []string{name}
	return cfg, nil
}

// compile turns a document of any supported format into a CUE value.
func (p *Parser) compile(name string, data []byte) (cue.Value, error) {
	var val cue.Value
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cue":
		val = p.ctx.CompileBytes(data, cue.Filename(name))

	case ".yaml", ".yml":
		var doc map[string]interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return cue.Value{}, ValidationErrors{{File: name, Message: err.Error()}}
		}
		if doc == nil {
			doc = map[string]interface{}{}
		}
		val = p.ctx.Encode(doc)

	case ".json", ".jsonc":
		// ToJSON keeps offsets, so CUE positions stay accurate.
		expr, err := cuejson.Extract(name, jsonc.ToJSON(data))
		if err != nil {
			return cue.Value{}, ValidationErrors(convertCUEErrors(err))
		}
		val = p.ctx.BuildExpr(expr)

	default:
		return cue.Value{}, fmt.Errorf("%s: unsupported configuration format %q", name, filepath.Ext(name))
	}

	if err := val.Err(); err != nil {
		return cue.Value{}, ValidationErrors(convertCUEErrors(err))
	}
	return val, nil
}

// loadDirectory loads a directory as a CUE package.
func (p *Parser) loadDirectory(dir string) (cue.Value, []string, error) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, ValidationErrors(convertCUEErrors(inst.Err))
	}

	val := p.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, ValidationErrors(convertCUEErrors(err))
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

// decode validates val and extracts the BuildConfig.
func (p *Parser) decode(val cue.Value, target string) (*BuildConfig, error) {
	unified, err := p.schemaRegistry.Apply("build", val)
	if err != nil {
		return nil, ValidationErrors(convertCUEErrors(err))
	}

	var cfg BuildConfig
	if err := unified.Decode(&cfg); err != nil {
		return nil, ValidationErrors{{Message: fmt.Sprintf("failed to decode configuration: %v", err)}}
	}
	if target != "" {
		cfg.Target = target
	}

	var errs ValidationErrors
	if err := p.validator.Struct(&cfg); err != nil {
		errs = append(errs, convertValidatorErrors(err)...)
	}
	errs = append(errs, checkRanges("packages", cfg.Packages)...)
	errs = append(errs, checkRanges("constraints", cfg.Constraints)...)
	if len(errs) > 0 {
		return nil, errs
	}

	cfg.Defaults()
	return &cfg, nil
}

// checkRanges reports unparsable version ranges in sorted key order.
func checkRanges(field string, ranges map[string]string) ValidationErrors {
	names := make([]string, 0, len(ranges))
	for name := range ranges {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs ValidationErrors
	for _, name := range names {
		if _, err := version.ParseRange(ranges[name]); err != nil {
			errs = append(errs, ValidationError{Path: field + "." + name, Message: err.Error()})
		}
	}
	return errs
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Message: e.Error()}
		for _, pos := range cueerrors.Positions(e) {
			if strings.HasPrefix(pos.Filename(), schemaFilePrefix) {
				continue
			}
			ve.File = pos.Filename()
			ve.Line = pos.Line()
			ve.Column = pos.Column()
			break
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		format, args := e.Msg()
		ve.Message = fmt.Sprintf(format, args...)
		validationErrors = append(validationErrors, ve)
	}
	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{Message: err.Error()})
	}

	return validationErrors
}

// convertValidatorErrors maps struct tag failures onto configuration paths.
func convertValidatorErrors(err error) []ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		msg := "failed on the '" + fe.Tag() + "' rule"
		if fe.Param() != "" {
			msg = "failed on the '" + fe.Tag() + "=" + fe.Param() + "' rule"
		}
		out = append(out, ValidationError{Path: path, Message: msg})
	}
	return out
}
