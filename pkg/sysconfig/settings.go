package sysconfig

// Settings describe the system configuration written into a committed
// target root.
type Settings struct {
	Hostname string `json:"hostname,omitempty" yaml:"hostname,omitempty" validate:"omitempty,hostname_rfc1123"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Locale   string `json:"locale,omitempty" yaml:"locale,omitempty"`
	Keymap   string `json:"keymap,omitempty" yaml:"keymap,omitempty"`

	Groups   []Group  `json:"groups,omitempty" yaml:"groups,omitempty" validate:"dive"`
	Users    []User   `json:"users,omitempty" yaml:"users,omitempty" validate:"dive"`
	Services []string `json:"services,omitempty" yaml:"services,omitempty" validate:"dive,required"`
	Files    []File   `json:"files,omitempty" yaml:"files,omitempty" validate:"dive"`

	// Scripts are Starlark programs run last, with write access to the
	// target root.
	Scripts []string `json:"scripts,omitempty" yaml:"scripts,omitempty"`
}

// User is a login account.
type User struct {
	Name   string   `json:"name" yaml:"name" validate:"required,max=32"`
	UID    int      `json:"uid,omitempty" yaml:"uid,omitempty" validate:"gte=0"`
	Groups []string `json:"groups,omitempty" yaml:"groups,omitempty"`
	Shell  string   `json:"shell,omitempty" yaml:"shell,omitempty"`
	Home   string   `json:"home,omitempty" yaml:"home,omitempty"`
	GECOS  string   `json:"gecos,omitempty" yaml:"gecos,omitempty"`

	// PasswordHash is a crypt(3) hash copied into /etc/shadow as is.
	PasswordHash string `json:"password_hash,omitempty" yaml:"password_hash,omitempty"`

	// Password is hashed with bcrypt when no PasswordHash is given.
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// Sudo grants the user unrestricted sudo through /etc/sudoers.d.
	Sudo bool `json:"sudo,omitempty" yaml:"sudo,omitempty"`
}

// Group is a system group.
type Group struct {
	Name string `json:"name" yaml:"name" validate:"required,max=32"`
	GID  int    `json:"gid,omitempty" yaml:"gid,omitempty" validate:"gte=0"`
}

// File is an extra file written into the target.
type File struct {
	Path    string `json:"path" yaml:"path" validate:"required"`
	Content string `json:"content" yaml:"content"`

	// Mode is an octal permission string, 0644 when empty.
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,numeric"`
}

// IsZero reports whether s configures nothing.
func (s *Settings) IsZero() bool {
	return s == nil || (s.Hostname == "" && s.Timezone == "" && s.Locale == "" && s.Keymap == "" &&
		len(s.Groups) == 0 && len(s.Users) == 0 && len(s.Services) == 0 &&
		len(s.Files) == 0 && len(s.Scripts) == 0)
}
