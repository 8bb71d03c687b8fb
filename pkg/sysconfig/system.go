package sysconfig

import (
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"
)

const zoneinfoDir = "usr/share/zoneinfo"

func writeHostname(r *root, hostname string) error {
	if err := r.writeFile("etc/hostname", []byte(hostname+"\n"), 0o644); err != nil {
		return err
	}
	short := strings.SplitN(hostname, ".", 2)[0]
	hosts := fmt.Sprintf("127.0.0.1\tlocalhost\n::1\t\tlocalhost\n127.0.1.1\t%s.localdomain\t%s\n", hostname, short)
	return r.writeFile("etc/hosts", []byte(hosts), 0o644)
}

// writeTimezone links /etc/localtime to the zone's tzdata file, which the
// installed packages must provide.
func writeTimezone(r *root, tz string) error {
	zone, err := cleanZone(tz)
	if err != nil {
		return err
	}
	if !r.exists(path.Join(zoneinfoDir, zone)) {
		return fmt.Errorf("unknown timezone %q: no %s/%s in target", tz, zoneinfoDir, zone)
	}
	return r.symlink("/"+path.Join(zoneinfoDir, zone), "etc/localtime")
}

func cleanZone(tz string) (string, error) {
	if tz == "" || strings.HasPrefix(tz, "/") {
		return "", fmt.Errorf("invalid timezone %q", tz)
	}
	for _, part := range strings.Split(tz, "/") {
		if !validName(part) {
			return "", fmt.Errorf("invalid timezone %q", tz)
		}
	}
	return tz, nil
}

func writeLocale(r *root, locale string) error {
	if strings.ContainsAny(locale, " \n=") {
		return fmt.Errorf("invalid locale %q", locale)
	}
	if err := r.writeFile("etc/locale.conf", []byte("LANG="+locale+"\n"), 0o644); err != nil {
		return err
	}
	return enableLocaleGen(r, locale)
}

// enableLocaleGen uncomments the locale in /etc/locale.gen when the target
// has one, so locale-gen builds it on first boot.
func enableLocaleGen(r *root, locale string) error {
	data, err := r.readFile("etc/locale.gen")
	if err != nil {
		return nil
	}
	lines := strings.Split(string(data), "\n")
	changed := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		if fields := strings.Fields(trimmed); len(fields) > 0 && fields[0] == locale && line != trimmed {
			lines[i] = trimmed
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return r.writeFile("etc/locale.gen", []byte(strings.Join(lines, "\n")), 0o644)
}

func writeKeymap(r *root, keymap string) error {
	if strings.ContainsAny(keymap, " \n=/") {
		return fmt.Errorf("invalid keymap %q", keymap)
	}
	return r.writeFile("etc/vconsole.conf", []byte("KEYMAP="+keymap+"\n"), 0o644)
}

func writeExtraFile(r *root, f File) error {
	mode, err := parseMode(f.Mode)
	if err != nil {
		return err
	}
	return r.writeFile(f.Path, []byte(f.Content), mode)
}

func parseMode(s string) (fs.FileMode, error) {
	if s == "" {
		return 0o644, nil
	}
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", s, err)
	}
	if mode > 0o7777 {
		return 0, fmt.Errorf("invalid mode %q", s)
	}
	perm := fs.FileMode(mode).Perm()
	if mode&0o4000 != 0 {
		perm |= fs.ModeSetuid
	}
	if mode&0o2000 != 0 {
		perm |= fs.ModeSetgid
	}
	if mode&0o1000 != 0 {
		perm |= fs.ModeSticky
	}
	return perm, nil
}
