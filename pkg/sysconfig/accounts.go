package sysconfig

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/crypto/bcrypt"
)

const (
	firstUserID  = 1000
	defaultShell = "/bin/bash"
)

// table is a colon separated account database such as /etc/passwd.
type table struct {
	name   string
	fields int
	rows   [][]string
}

func readTable(r *root, name string, fields int) (*table, error) {
	t := &table{name: name, fields: fields}
	data, err := r.readFile(name)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		row := strings.Split(line, ":")
		for len(row) < fields {
			row = append(row, "")
		}
		t.rows = append(t.rows, row)
	}
	return t, nil
}

func (t *table) find(name string) []string {
	for _, row := range t.rows {
		if row[0] == name {
			return row
		}
	}
	return nil
}

func (t *table) add(row ...string) []string {
	t.rows = append(t.rows, row)
	return row
}

// ids returns the numeric ids in column col.
func (t *table) ids(col int) map[int]bool {
	ids := make(map[int]bool)
	for _, row := range t.rows {
		if id, err := strconv.Atoi(row[col]); err == nil {
			ids[id] = true
		}
	}
	return ids
}

func (t *table) bytes() []byte {
	var b strings.Builder
	for _, row := range t.rows {
		b.WriteString(strings.Join(row, ":"))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func nextFree(used map[int]bool, want int) int {
	if want > 0 && !used[want] {
		return want
	}
	id := firstUserID
	for used[id] {
		id++
	}
	return id
}

type accounts struct {
	passwd, group, shadow, gshadow *table
}

func readAccounts(r *root) (*accounts, error) {
	var (
		a   accounts
		err error
	)
	if a.passwd, err = readTable(r, "etc/passwd", 7); err != nil {
		return nil, err
	}
	if a.group, err = readTable(r, "etc/group", 4); err != nil {
		return nil, err
	}
	if a.shadow, err = readTable(r, "etc/shadow", 9); err != nil {
		return nil, err
	}
	if a.gshadow, err = readTable(r, "etc/gshadow", 4); err != nil {
		return nil, err
	}
	return &a, nil
}

func (a *accounts) ensureGroup(name string, gid int) []string {
	if row := a.group.find(name); row != nil {
		return row
	}
	id := nextFree(a.group.ids(2), gid)
	if a.gshadow.find(name) == nil {
		a.gshadow.add(name, "!", "", "")
	}
	return a.group.add(name, "x", strconv.Itoa(id), "")
}

func (a *accounts) addMember(group, user string) error {
	row := a.group.find(group)
	if row == nil {
		return fmt.Errorf("user %s: unknown group %q", user, group)
	}
	row[3] = appendMember(row[3], user)
	if gs := a.gshadow.find(group); gs != nil {
		gs[3] = appendMember(gs[3], user)
	}
	return nil
}

func appendMember(list, user string) string {
	if list == "" {
		return user
	}
	for _, m := range strings.Split(list, ",") {
		if m == user {
			return list
		}
	}
	return list + "," + user
}

func (a *accounts) ensureUser(u User) error {
	if !validName(u.Name) || strings.ContainsAny(u.Name, ":\n") {
		return fmt.Errorf("%w: user %q", errInvalidName, u.Name)
	}
	home := u.Home
	if home == "" {
		home = path.Join("/home", u.Name)
	}
	shell := u.Shell
	if shell == "" {
		shell = defaultShell
	}

	row := a.passwd.find(u.Name)
	if row == nil {
		uid := nextFree(a.passwd.ids(2), u.UID)
		primary := a.ensureGroup(u.Name, uid)
		row = a.passwd.add(u.Name, "x", strconv.Itoa(uid), primary[2], "", "", "")
	}
	row[4], row[5], row[6] = u.GECOS, home, shell

	hash, err := passwordHash(u)
	if err != nil {
		return err
	}
	days := strconv.FormatInt(time.Now().Unix()/86400, 10)
	if sh := a.shadow.find(u.Name); sh != nil {
		sh[1], sh[2] = hash, days
	} else {
		a.shadow.add(u.Name, hash, days, "0", "99999", "7", "", "", "")
	}

	for _, g := range u.Groups {
		if err := a.addMember(g, u.Name); err != nil {
			return err
		}
	}
	return nil
}

// passwordHash returns the shadow password field for u. Accounts without a
// password are locked.
func passwordHash(u User) (string, error) {
	switch {
	case u.PasswordHash != "":
		if strings.ContainsAny(u.PasswordHash, ":\n") {
			return "", fmt.Errorf("user %s: invalid password hash", u.Name)
		}
		return u.PasswordHash, nil
	case u.Password != "":
		h, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
		if err != nil {
			return "", fmt.Errorf("user %s: hashing password: %w", u.Name, err)
		}
		return string(h), nil
	default:
		return "!", nil
	}
}

func writeAccounts(r *root, groups []Group, users []User) error {
	a, err := readAccounts(r)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if !validName(g.Name) || strings.ContainsAny(g.Name, ":\n") {
			return fmt.Errorf("%w: group %q", errInvalidName, g.Name)
		}
		a.ensureGroup(g.Name, g.GID)
	}
	for _, u := range users {
		if err := a.ensureUser(u); err != nil {
			return err
		}
	}

	if err := r.writeFile("etc/group", a.group.bytes(), 0o644); err != nil {
		return err
	}
	if err := r.writeFile("etc/passwd", a.passwd.bytes(), 0o644); err != nil {
		return err
	}
	if err := r.writeFile("etc/shadow", a.shadow.bytes(), 0o600); err != nil {
		return err
	}
	if len(a.gshadow.rows) > 0 && r.exists("etc/gshadow") {
		return r.writeFile("etc/gshadow", a.gshadow.bytes(), 0o600)
	}
	return nil
}

// createHomes creates each user's home directory from /etc/skel. Ownership
// is only set when running as root.
func createHomes(r *root, users []User) error {
	a, err := readAccounts(r)
	if err != nil {
		return err
	}
	var failed []string
	for _, u := range users {
		row := a.passwd.find(u.Name)
		if row == nil {
			failed = append(failed, u.Name)
			continue
		}
		uid, _ := strconv.Atoi(row[2])
		gid, _ := strconv.Atoi(row[3])
		if err := createHome(r, row[5], uid, gid); err != nil {
			return fmt.Errorf("home of %s: %w", u.Name, err)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("no passwd entry for %s", strings.Join(failed, ", "))
	}
	return nil
}

func createHome(r *root, home string, uid, gid int) error {
	if err := r.mkdir(home, 0o700); err != nil {
		return err
	}
	homePath, err := r.path(home)
	if err != nil {
		return err
	}
	skel, err := r.path("etc/skel")
	if err != nil {
		return err
	}
	chown := os.Geteuid() == 0

	if r.exists("etc/skel") {
		err = afero.Walk(r.fs, skel, func(p string, info fs.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel := strings.TrimPrefix(p, skel)
			if rel == "" {
				return nil
			}
			dst := homePath + rel
			switch {
			case info.IsDir():
				if err := r.fs.MkdirAll(dst, info.Mode().Perm()); err != nil {
					return err
				}
			case info.Mode().IsRegular():
				data, err := afero.ReadFile(r.fs, p)
				if err != nil {
					return err
				}
				if err := afero.WriteFile(r.fs, dst, data, info.Mode().Perm()); err != nil {
					return err
				}
			default:
				return nil
			}
			if chown {
				return r.fs.Chown(dst, uid, gid)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if chown {
		return r.fs.Chown(homePath, uid, gid)
	}
	return nil
}

func hasSudoers(users []User) bool {
	for _, u := range users {
		if u.Sudo {
			return true
		}
	}
	return false
}

// writeSudoers grants sudo to users that ask for it, one drop-in per user.
func writeSudoers(r *root, users []User) error {
	for _, u := range users {
		if !u.Sudo {
			continue
		}
		if !validName(u.Name) {
			return fmt.Errorf("%w: user %q", errInvalidName, u.Name)
		}
		rule := fmt.Sprintf("# Managed by dodos-builder\n%s ALL=(ALL:ALL) ALL\n", u.Name)
		if err := r.writeFile(path.Join("etc/sudoers.d", "dodos-"+u.Name), []byte(rule), 0o440); err != nil {
			return err
		}
	}
	return nil
}
