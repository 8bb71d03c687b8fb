package sysconfig

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/dodos-os/dodos/pkg/telemetry"
)

// runScript executes one customisation script against the target root.
//
// Scripts see the settings as predeclared values (hostname, timezone,
// locale, keymap, services, users and a settings dict) and reach the target
// only through the write_file, read_file, exists, mkdir and symlink
// builtins, all confined to the root.
func runScript(ctx context.Context, r *root, name, src string, s *Settings, timeout time.Duration, log *telemetry.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			log.WithField("script", name).Info(msg)
		},
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("timeout")
		case <-done:
		}
	}()

	settings, err := toStarlarkValue(settingsMap(s))
	if err != nil {
		return err
	}
	predeclared := starlark.StringDict{
		"struct":   starlarkstruct.Default,
		"settings": settings,
	}
	for k, v := range settingsMap(s) {
		sv, err := toStarlarkValue(v)
		if err != nil {
			return err
		}
		predeclared[k] = sv
	}
	b := &builtins{r: r}
	for fname, fn := range map[string]func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error){
		"write_file": b.writeFile,
		"read_file":  b.readFile,
		"exists":     b.exists,
		"mkdir":      b.mkdir,
		"symlink":    b.symlink,
	} {
		predeclared[fname] = starlark.NewBuiltin(fname, fn)
	}

	start := time.Now()
	_, err = starlark.ExecFile(thread, name+".star", src, predeclared)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("timed out after %s", timeout)
		}
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return errors.New(evalErr.Backtrace())
		}
		return err
	}
	log.Debugf("%s finished in %s, wrote %d file(s)", name, time.Since(start).Round(time.Millisecond), b.written)
	return nil
}

func settingsMap(s *Settings) map[string]interface{} {
	users := make([]interface{}, 0, len(s.Users))
	for _, u := range s.Users {
		groups := make([]interface{}, 0, len(u.Groups))
		for _, g := range u.Groups {
			groups = append(groups, g)
		}
		users = append(users, map[string]interface{}{
			"name":   u.Name,
			"groups": groups,
			"shell":  u.Shell,
			"home":   u.Home,
		})
	}
	services := make([]interface{}, 0, len(s.Services))
	for _, svc := range s.Services {
		services = append(services, svc)
	}
	return map[string]interface{}{
		"hostname": s.Hostname,
		"timezone": s.Timezone,
		"locale":   s.Locale,
		"keymap":   s.Keymap,
		"users":    users,
		"services": services,
	}
}

type builtins struct {
	r       *root
	written int
}

func (b *builtins) writeFile(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var p, content string
	mode := "0644"
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &p, "content", &content, "mode?", &mode); err != nil {
		return nil, err
	}
	perm, err := parseMode(mode)
	if err != nil {
		return nil, err
	}
	if err := b.r.writeFile(p, []byte(content), perm); err != nil {
		return nil, err
	}
	b.written++
	return starlark.None, nil
}

func (b *builtins) readFile(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var p string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &p); err != nil {
		return nil, err
	}
	data, err := b.r.readFile(p)
	if err != nil {
		return nil, err
	}
	return starlark.String(data), nil
}

func (b *builtins) exists(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var p string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &p); err != nil {
		return nil, err
	}
	return starlark.Bool(b.r.exists(p)), nil
}

func (b *builtins) mkdir(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var p string
	mode := "0755"
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &p, "mode?", &mode); err != nil {
		return nil, err
	}
	perm, err := parseMode(mode)
	if err != nil {
		return nil, err
	}
	return starlark.None, b.r.mkdir(p, perm)
}

func (b *builtins) symlink(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, p string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "target", &target, "path", &p); err != nil {
		return nil, err
	}
	return starlark.None, b.r.symlink(target, p)
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
