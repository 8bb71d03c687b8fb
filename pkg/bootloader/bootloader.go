// Package bootloader makes a committed target root bootable on x86_64
// UEFI or BIOS machines with systemd-boot or GRUB.
package bootloader

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/dodos-os/dodos/pkg/telemetry"
)

// Kind selects the bootloader.
type Kind string

const (
	KindSystemdBoot Kind = "systemd-boot"
	KindGrub        Kind = "grub"
	KindNone        Kind = "none"
)

// Config describes the bootloader of a build.
type Config struct {
	Kind Kind `json:"kind" yaml:"kind" validate:"omitempty,oneof=systemd-boot grub none"`

	// ESP is where the EFI system partition is mounted inside the target
	// root. Defaults to /boot.
	ESP string `json:"esp,omitempty" yaml:"esp,omitempty"`

	// Cmdline holds the kernel options, root= included.
	Cmdline string `json:"cmdline,omitempty" yaml:"cmdline,omitempty"`

	// Timeout is the menu timeout in seconds.
	Timeout int `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`

	// Device selects a BIOS GRUB install onto the given disk. Empty means
	// UEFI.
	Device string `json:"device,omitempty" yaml:"device,omitempty"`
}

// Defaults fills unset fields.
func (c *Config) Defaults() {
	if c.Kind == "" {
		c.Kind = KindNone
	}
	if c.ESP == "" {
		c.ESP = "/boot"
	}
	if c.Cmdline == "" {
		c.Cmdline = "rw"
	}
}

var ucodeImages = []string{"intel-ucode.img", "amd-ucode.img"}

type kernel struct {
	name   string // suffix after vmlinuz-
	image  string
	initrd []string
}

// Installer implements engine.BootloaderInstaller.
type Installer struct {
	cfg    Config
	runner Runner
	fs     afero.Fs
	log    *telemetry.Logger
}

// Option configures an Installer.
type Option func(*Installer)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(i *Installer) { i.runner = r }
}

// WithFs sets the filesystem target roots live on.
func WithFs(fsys afero.Fs) Option {
	return func(i *Installer) { i.fs = fsys }
}

// WithLogger sets the logger.
func WithLogger(log *telemetry.Logger) Option {
	return func(i *Installer) { i.log = log }
}

// New creates an installer for cfg.
func New(cfg Config, opts ...Option) (*Installer, error) {
	cfg.Defaults()
	switch cfg.Kind {
	case KindSystemdBoot, KindGrub, KindNone:
	default:
		return nil, fmt.Errorf("unsupported bootloader %q", cfg.Kind)
	}
	if !path.IsAbs(cfg.ESP) || strings.Contains(cfg.ESP, "..") {
		return nil, fmt.Errorf("esp must be an absolute path inside the target, got %q", cfg.ESP)
	}
	i := &Installer{
		cfg:    cfg,
		runner: &ExecRunner{},
		fs:     afero.NewOsFs(),
		log:    telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Install installs the bootloader into targetRoot and writes a boot entry
// for every kernel found in its /boot.
func (i *Installer) Install(ctx context.Context, targetRoot string) error {
	if i.cfg.Kind == KindNone {
		i.log.Info("bootloader installation disabled")
		return nil
	}
	if !strings.Contains(i.cfg.Cmdline, "root=") {
		i.log.Warn("kernel command line has no root= option")
	}

	kernels, err := i.findKernels(targetRoot)
	if err != nil {
		return err
	}
	if len(kernels) == 0 {
		return fmt.Errorf("no kernel found in %s", filepath.Join(targetRoot, "boot"))
	}

	switch i.cfg.Kind {
	case KindSystemdBoot:
		err = i.installSystemdBoot(ctx, targetRoot, kernels)
	case KindGrub:
		err = i.installGrub(ctx, targetRoot, kernels)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", i.cfg.Kind, err)
	}
	i.log.Infof("installed %s with %d boot entr%s", i.cfg.Kind, len(kernels), plural(len(kernels), "y", "ies"))
	return nil
}

func (i *Installer) hostPath(targetRoot, p string) string {
	return filepath.Join(targetRoot, filepath.FromSlash(p))
}

func (i *Installer) findKernels(targetRoot string) ([]kernel, error) {
	bootDir := i.hostPath(targetRoot, "/boot")
	images, err := afero.Glob(i.fs, filepath.Join(bootDir, "vmlinuz-*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(images)

	var ucode []string
	for _, name := range ucodeImages {
		if ok, _ := afero.Exists(i.fs, filepath.Join(bootDir, name)); ok {
			ucode = append(ucode, name)
		}
	}

	var kernels []kernel
	for _, img := range images {
		base := filepath.Base(img)
		k := kernel{name: strings.TrimPrefix(base, "vmlinuz-"), image: base}
		k.initrd = append(k.initrd, ucode...)
		initramfs := "initramfs-" + k.name + ".img"
		if ok, _ := afero.Exists(i.fs, filepath.Join(bootDir, initramfs)); ok {
			k.initrd = append(k.initrd, initramfs)
		}
		kernels = append(kernels, k)
	}
	return kernels, nil
}

func (i *Installer) writeFile(p, content string) error {
	if err := i.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(i.fs, p, []byte(content), 0o644)
}

// installSystemdBoot runs bootctl without touching the build host's EFI
// variables and writes loader entries. Kernels are copied onto the ESP
// when it is not /boot.
func (i *Installer) installSystemdBoot(ctx context.Context, targetRoot string, kernels []kernel) error {
	esp := i.hostPath(targetRoot, i.cfg.ESP)
	if _, err := run(ctx, i.runner, "bootctl", "--no-variables", "--esp-path="+esp, "install"); err != nil {
		return err
	}

	prefix := "/"
	if path.Clean(i.cfg.ESP) != "/boot" {
		prefix = "/dodos/"
		if err := i.copyToESP(targetRoot, esp, kernels); err != nil {
			return err
		}
	}

	loader := fmt.Sprintf("default dodos-%s.conf\ntimeout %d\neditor no\n", kernels[0].name, i.cfg.Timeout)
	if err := i.writeFile(filepath.Join(esp, "loader", "loader.conf"), loader); err != nil {
		return err
	}
	for _, k := range kernels {
		var b strings.Builder
		fmt.Fprintf(&b, "title   dodos (%s)\n", k.name)
		fmt.Fprintf(&b, "linux   %s%s\n", prefix, k.image)
		for _, img := range k.initrd {
			fmt.Fprintf(&b, "initrd  %s%s\n", prefix, img)
		}
		fmt.Fprintf(&b, "options %s\n", i.cfg.Cmdline)
		entry := filepath.Join(esp, "loader", "entries", "dodos-"+k.name+".conf")
		if err := i.writeFile(entry, b.String()); err != nil {
			return err
		}
	}
	return nil
}

func (i *Installer) copyToESP(targetRoot, esp string, kernels []kernel) error {
	seen := make(map[string]bool)
	for _, k := range kernels {
		for _, name := range append([]string{k.image}, k.initrd...) {
			if seen[name] {
				continue
			}
			seen[name] = true
			data, err := afero.ReadFile(i.fs, filepath.Join(i.hostPath(targetRoot, "/boot"), name))
			if err != nil {
				return err
			}
			dst := filepath.Join(esp, "dodos", name)
			if err := i.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			if err := afero.WriteFile(i.fs, dst, data, fs.FileMode(0o644)); err != nil {
				return err
			}
		}
	}
	return nil
}

// installGrub installs GRUB for UEFI, or for BIOS when a device is given,
// and writes grub.cfg directly instead of running grub-mkconfig, which
// would need a chroot.
func (i *Installer) installGrub(ctx context.Context, targetRoot string, kernels []kernel) error {
	bootDir := i.hostPath(targetRoot, "/boot")
	args := []string{"--boot-directory=" + bootDir}
	if i.cfg.Device != "" {
		args = append(args, "--target=i386-pc", i.cfg.Device)
	} else {
		args = append(args,
			"--target=x86_64-efi",
			"--efi-directory="+i.hostPath(targetRoot, i.cfg.ESP),
			"--bootloader-id=dodos",
			"--removable",
			"--no-nvram",
		)
	}
	if _, err := run(ctx, i.runner, "grub-install", args...); err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "set default=0\nset timeout=%d\n\n", i.cfg.Timeout)
	for _, k := range kernels {
		fmt.Fprintf(&b, "menuentry 'dodos (%s)' {\n", k.name)
		fmt.Fprintf(&b, "\tsearch --no-floppy --set=root --file /boot/%s\n", k.image)
		fmt.Fprintf(&b, "\tlinux /boot/%s %s\n", k.image, i.cfg.Cmdline)
		if len(k.initrd) > 0 {
			paths := make([]string, len(k.initrd))
			for j, img := range k.initrd {
				paths[j] = "/boot/" + img
			}
			fmt.Fprintf(&b, "\tinitrd %s\n", strings.Join(paths, " "))
		}
		b.WriteString("}\n\n")
	}
	return i.writeFile(filepath.Join(bootDir, "grub", "grub.cfg"), b.String())
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
