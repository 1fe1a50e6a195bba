// Package config loads mincraft.yaml.
package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/mincraft/mincraft/internal/codec"
	"github.com/mincraft/mincraft/internal/source"
	"github.com/mincraft/mincraft/internal/types"
)

// DefaultPath is read when no --config flag is given.
const DefaultPath = "mincraft.yaml"

// Config is the build description.
type Config struct {
	Arch     string    `yaml:"arch"`
	Base     Package   `yaml:"base"`
	Debs     []Package `yaml:"debs"`
	Overlays []string  `yaml:"overlays"`
	CacheDir string    `yaml:"cache_dir"`

	Layers    LayersConfig    `yaml:"layers"`
	Initramfs InitramfsConfig `yaml:"initramfs"`
	Boot      BootConfig      `yaml:"boot"`
	ESP       ESPConfig       `yaml:"esp"`
}

// Package is a fetchable input, written either as a bare URL or path or as
// a mapping with a checksum.
type Package struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	SHA256 string `yaml:"sha256"`
}

// UnmarshalYAML accepts both forms:
//
//	- https://example.com/busybox.deb
//	- {url: https://example.com/busybox.deb, sha256: 0123...}
func (p *Package) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		p.URL = value.Value
		return nil
	}

	type rawPackage Package
	var raw rawPackage
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*p = Package(raw)
	return nil
}

// Spec converts p into a package spec, naming it after its file when no
// name is given.
func (p Package) Spec() (types.PackageSpec, error) {
	name := p.Name
	if name == "" {
		var err error
		if name, err = source.PackageName(p.URL); err != nil {
			return types.PackageSpec{}, err
		}
	}
	spec := types.PackageSpec{Name: name, URL: p.URL}
	if p.SHA256 != "" {
		spec.Checksum = "sha256:" + strings.TrimPrefix(strings.ToLower(p.SHA256), "sha256:")
	}
	return spec, nil
}

// LayersConfig controls composition.
type LayersConfig struct {
	FollowDirSymlinks bool `yaml:"follow_dir_symlinks"`
	// Workers bounds parallel extraction; 0 means one per CPU.
	Workers int `yaml:"workers"`
}

// InitramfsConfig controls packing.
type InitramfsConfig struct {
	Compression     string `yaml:"compression"`
	SkipUnsupported bool   `yaml:"skip_unsupported"`
}

// BootConfig selects the boot mechanism and its inputs.
type BootConfig struct {
	Mechanism string `yaml:"mechanism"`
	Kernel    string `yaml:"kernel"`
	Cmdline   string `yaml:"cmdline"`
	DTB       string `yaml:"dtb"`
	DumpDTB   bool   `yaml:"dump_dtb"`
}

// ESPConfig controls the packed image.
type ESPConfig struct {
	ImageSizeMiB int64 `yaml:"image_size_mib"`
	// SkipImage leaves out the disk image, publishing only the directory.
	SkipImage bool `yaml:"skip_image"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() *Config {
	return &Config{
		Arch: "arm64",
		Initramfs: InitramfsConfig{
			Compression: "gzip",
		},
		Boot: BootConfig{
			Mechanism: "grub",
			Kernel:    "boot/vmlinuz",
		},
		ESP: ESPConfig{
			ImageSizeMiB: 512,
		},
	}
}

// LoadFile reads and validates the configuration at path. Relative
// overlay paths and local package paths are resolved against the file's
// directory.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "read configuration"), types.ErrConfig)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	cfg.resolve(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes and validates a configuration document. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Mark(errors.Wrap(err, "parse configuration"), types.ErrConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, errors.Newf(format, args...))
	}

	if _, err := c.ArchValue(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.MechanismValue(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.CompressionValue(); err != nil {
		errs = append(errs, err)
	}
	if c.Base.URL == "" {
		fail("base is required")
	}
	for i, p := range append([]Package{c.Base}, c.Debs...) {
		if p.URL == "" {
			if i > 0 {
				fail("debs[%d]: url is required", i-1)
			}
			continue
		}
		if _, _, err := source.Detect(p.URL); err != nil {
			errs = append(errs, err)
		}
		if p.SHA256 != "" {
			if _, err := source.ParseChecksum(p.SHA256); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for i, o := range c.Overlays {
		if o == "" {
			fail("overlays[%d] is empty", i)
		}
	}
	if c.Boot.Kernel == "" {
		fail("boot.kernel is required")
	}
	if c.Layers.Workers < 0 {
		fail("layers.workers must not be negative")
	}
	if c.ESP.ImageSizeMiB < 32 {
		fail("esp.image_size_mib must be at least 32, got %d", c.ESP.ImageSizeMiB)
	}

	if err := errors.Join(errs...); err != nil {
		return errors.Mark(err, types.ErrConfig)
	}
	return nil
}

// ArchValue returns the parsed architecture.
func (c *Config) ArchValue() (types.Arch, error) {
	return types.ParseArch(c.Arch)
}

// MechanismValue returns the parsed boot mechanism.
func (c *Config) MechanismValue() (types.BootMechanism, error) {
	return types.ParseBootMechanism(c.Boot.Mechanism)
}

// CompressionValue returns the parsed initramfs compression.
func (c *Config) CompressionValue() (codec.Format, error) {
	f, err := codec.ParseFormat(c.Initramfs.Compression)
	if err != nil {
		return f, errors.Mark(err, types.ErrConfig)
	}
	return f, nil
}

// resolve makes relative local paths relative to dir.
func (c *Config) resolve(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	local := func(p *Package) {
		if kind, _, err := source.Detect(p.URL); err == nil && kind == source.Local && !strings.HasPrefix(p.URL, "file://") {
			p.URL = abs(p.URL)
		}
	}

	local(&c.Base)
	for i := range c.Debs {
		local(&c.Debs[i])
	}
	for i := range c.Overlays {
		c.Overlays[i] = abs(c.Overlays[i])
	}
	c.Boot.DTB = abs(c.Boot.DTB)
	if c.CacheDir != "" {
		c.CacheDir = abs(c.CacheDir)
	}
}
