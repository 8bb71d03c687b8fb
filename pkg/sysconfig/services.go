package sysconfig

import (
	"bufio"
	"bytes"
	"fmt"
	"path"
	"strings"
)

var unitDirs = []string{"etc/systemd/system", "usr/lib/systemd/system", "lib/systemd/system"}

// install holds the [Install] section of a systemd unit.
type install struct {
	wantedBy   []string
	requiredBy []string
	alias      []string
	also       []string
}

func parseInstall(data []byte) install {
	var in install
	section := ""
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = line[1 : len(line)-1]
			continue
		}
		if section != "Install" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values := strings.Fields(value)
		switch strings.TrimSpace(key) {
		case "WantedBy":
			in.wantedBy = append(in.wantedBy, values...)
		case "RequiredBy":
			in.requiredBy = append(in.requiredBy, values...)
		case "Alias":
			in.alias = append(in.alias, values...)
		case "Also":
			in.also = append(in.also, values...)
		}
	}
	return in
}

// findUnit returns the root relative path of a unit file. An instance of a
// template unit resolves to the template.
func findUnit(r *root, unit string) (string, error) {
	names := []string{unit}
	if at := strings.Index(unit, "@"); at > 0 {
		if dot := strings.LastIndex(unit, "."); dot > at {
			names = append(names, unit[:at+1]+unit[dot:])
		}
	}
	for _, name := range names {
		for _, dir := range unitDirs {
			rel := path.Join(dir, name)
			if r.exists(rel) {
				return rel, nil
			}
		}
	}
	return "", fmt.Errorf("unit %s not found in target", unit)
}

// enableService does what systemctl enable does offline: it links the unit
// into the .wants and .requires directories of its install targets.
func enableService(r *root, unit string) error {
	return enableUnit(r, unit, make(map[string]bool))
}

func enableUnit(r *root, unit string, seen map[string]bool) error {
	if seen[unit] {
		return nil
	}
	seen[unit] = true
	if !validName(unit) || !strings.Contains(unit, ".") {
		return fmt.Errorf("%w: unit %q", errInvalidName, unit)
	}

	rel, err := findUnit(r, unit)
	if err != nil {
		return err
	}
	data, err := r.readFile(rel)
	if err != nil {
		return err
	}
	in := parseInstall(data)
	if len(in.wantedBy)+len(in.requiredBy)+len(in.alias)+len(in.also) == 0 {
		return fmt.Errorf("unit %s has no [Install] section", unit)
	}

	target := "/" + rel
	for _, t := range in.wantedBy {
		if err := r.symlink(target, path.Join("etc/systemd/system", t+".wants", unit)); err != nil {
			return err
		}
	}
	for _, t := range in.requiredBy {
		if err := r.symlink(target, path.Join("etc/systemd/system", t+".requires", unit)); err != nil {
			return err
		}
	}
	for _, alias := range in.alias {
		if !validName(alias) {
			return fmt.Errorf("%w: alias %q", errInvalidName, alias)
		}
		if err := r.symlink(target, path.Join("etc/systemd/system", alias)); err != nil {
			return err
		}
	}
	for _, also := range in.also {
		if err := enableUnit(r, also, seen); err != nil {
			return err
		}
	}
	return nil
}
