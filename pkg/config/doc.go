// Package config loads build configurations and builder settings.
//
// # Build configurations
//
// A build configuration says what system to build: the repositories, the
// target directory, the requested packages with version ranges, global
// constraints, system settings, the bootloader and the plan policies. It
// may be written in CUE, YAML or JSON with comments; a directory is loaded
// as a CUE package. Every format is unified with the #Build CUE schema,
// which rejects unknown fields and malformed values with file positions
// where the format has them, and then checked against the struct tags of
// BuildConfig with go-playground/validator.
//
//	repository: {
//	    url:   "https://mirror.example.org/$repo/os/$arch"
//	    repos: ["core", "extra"]
//	}
//	target: "/mnt/root"
//	packages: {base: ">=3", linux: ""}
//	system: {hostname: "dodos", timezone: "UTC"}
//	bootloader: {kind: "systemd-boot"}
//	policies: {deny_packages: ["telnet"]}
//
// # Settings
//
// Settings configure the builder: cache and state locations, parallelism,
// logging, metrics, tracing and transport credentials. They are layered
// with koanf from built-in defaults, a TOML file (by default
// $XDG_CONFIG_HOME/dodos/builder.toml) and DODOS_* environment variables.
package config
