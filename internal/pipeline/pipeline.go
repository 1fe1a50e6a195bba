// Package pipeline drives a build from configuration to ESP image, one
// stage at a time, skipping stages whose inputs have not changed.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mincraft/mincraft/internal/archive"
	"github.com/mincraft/mincraft/internal/boot"
	"github.com/mincraft/mincraft/internal/cache"
	"github.com/mincraft/mincraft/internal/codec"
	"github.com/mincraft/mincraft/internal/config"
	"github.com/mincraft/mincraft/internal/esp"
	"github.com/mincraft/mincraft/internal/fsutil"
	"github.com/mincraft/mincraft/internal/initramfs"
	"github.com/mincraft/mincraft/internal/layer"
	"github.com/mincraft/mincraft/internal/source"
	"github.com/mincraft/mincraft/internal/types"
)

// Stage names, as used in logs, errors and stamps.
const (
	StageFetch   = "fetch"
	StagePrepare = "prepare"
	StageCompose = "compose"
	StagePack    = "pack"
	StageESP     = "esp"
	StageImage   = "image"
)

// Pipeline builds one configuration into one cache directory.
type Pipeline struct {
	Config  *config.Config
	Cache   cache.Layout
	Fetcher *source.Fetcher

	arch        types.Arch
	strategy    boot.Strategy
	compression codec.Format
	logger      *log.Entry
}

// Report summarizes a run.
type Report struct {
	// Ran lists the stages that did work, in order.
	Ran []string
	// Skipped lists the stages whose stamps were fresh.
	Skipped []string
	// Unsupported lists the initramfs entries that were left out.
	Unsupported []string
}

// New validates cfg and prepares a pipeline writing into cacheDir.
func New(cfg *config.Config, cacheDir string) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	arch, _ := cfg.ArchValue()
	mechanism, _ := cfg.MechanismValue()
	compression, _ := cfg.CompressionValue()
	strategy, err := boot.New(mechanism)
	if err != nil {
		return nil, err
	}

	layout := cache.New(cacheDir)
	return &Pipeline{
		Config:      cfg,
		Cache:       layout,
		Fetcher:     &source.Fetcher{Dir: layout.Packages()},
		arch:        arch,
		strategy:    strategy,
		compression: compression,
		logger:      log.WithField("run", uuid.NewString()),
	}, nil
}

// state carries values from one stage to the next.
type state struct {
	base    types.PackageSpec
	debs    []types.PackageSpec
	layers  []layer.Layer
	compose string
	pack    string
	esp     string
	report  Report
}

// Run executes every stage in order. The first failure stops the run; its
// error names the stage.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	s := &state{}
	stages := []struct {
		name string
		run  func(context.Context, *state) (bool, error)
	}{
		{StageFetch, p.fetch},
		{StagePrepare, p.prepare},
		{StageCompose, p.compose},
		{StagePack, p.pack},
		{StageESP, p.buildESP},
		{StageImage, p.packImage},
	}

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return &s.report, errors.Wrapf(err, "stage %s", stage.name)
		}
		logger := p.logger.WithField("stage", stage.name)
		logger.Debug("stage started")

		ran, err := stage.run(ctx, s)
		if err != nil {
			return &s.report, errors.Wrapf(err, "stage %s", stage.name)
		}
		if ran {
			s.report.Ran = append(s.report.Ran, stage.name)
			logger.Info("stage complete")
		} else {
			s.report.Skipped = append(s.report.Skipped, stage.name)
			logger.Info("stage up to date")
		}
	}
	return &s.report, nil
}

func (p *Pipeline) fetch(ctx context.Context, s *state) (bool, error) {
	base, err := p.Config.Base.Spec()
	if err != nil {
		return false, err
	}
	if _, err := p.Fetcher.Fetch(ctx, &base); err != nil {
		return false, err
	}
	s.base = base

	for _, pkg := range p.Config.Debs {
		spec, err := pkg.Spec()
		if err != nil {
			return false, err
		}
		if _, err := p.Fetcher.Fetch(ctx, &spec); err != nil {
			return false, err
		}
		s.debs = append(s.debs, spec)
	}

	p.checkRequiredPackages(s.debs)
	return true, nil
}

// checkRequiredPackages warns when none of the configured packages
// provides what the boot mechanism usually needs. The base image may still
// ship it, so this is not fatal.
func (p *Pipeline) checkRequiredPackages(debs []types.PackageSpec) {
	installed := map[string]bool{}
	for _, spec := range debs {
		info, err := archive.ReadDebInfo(spec.CachedPath)
		if err != nil {
			// Reported with context when the layer is extracted.
			continue
		}
		installed[info.Package] = true
	}
	for _, name := range p.strategy.RequiredPackages(p.arch) {
		if !installed[name] {
			p.logger.WithFields(log.Fields{
				"package":   name,
				"mechanism": p.strategy.Mechanism(),
			}).Warn("required package is not among the configured debs")
		}
	}
}

func (p *Pipeline) prepare(ctx context.Context, s *state) (bool, error) {
	sources := make([]layer.Source, 0, 1+len(s.debs)+len(p.Config.Overlays))

	base, err := archiveSource(s.base, layer.Tarball)
	if err != nil {
		return false, err
	}
	if strings.HasSuffix(s.base.CachedPath, ".deb") {
		base.Kind = layer.Deb
	}
	sources = append(sources, base)

	for _, spec := range s.debs {
		src, err := archiveSource(spec, layer.Deb)
		if err != nil {
			return false, err
		}
		sources = append(sources, src)
	}
	for _, dir := range p.Config.Overlays {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return false, errors.Mark(errors.Newf("overlay %s is not a directory", dir), types.ErrMissingInput)
		}
		sources = append(sources, layer.Source{Name: filepath.Base(dir), Kind: layer.Directory, Path: dir})
	}

	layers, err := layer.Prepare(ctx, sources, p.Cache.Layers(), p.Config.Layers.Workers)
	if err != nil {
		return false, err
	}
	s.layers = layers
	return true, nil
}

// archiveSource names the layer of a fetched archive after its content, so
// a changed package never reuses a stale extraction.
func archiveSource(spec types.PackageSpec, kind layer.SourceKind) (layer.Source, error) {
	sum, err := cache.NewFingerprint("layer").File(spec.CachedPath).Sum()
	if err != nil {
		return layer.Source{}, err
	}
	return layer.Source{
		Name: spec.Name,
		Kind: kind,
		Path: spec.CachedPath,
		ID:   spec.Name + "-" + sum[:16],
	}, nil
}

func (p *Pipeline) compose(ctx context.Context, s *state) (bool, error) {
	fp := cache.NewFingerprint(StageCompose).Bool(p.Config.Layers.FollowDirSymlinks)
	for _, l := range s.layers {
		fp.String(l.Name)
		if strings.HasPrefix(l.Dir, p.Cache.Layers()) {
			// Archive layers are named after their content.
			fp.String(filepath.Base(l.Dir))
			continue
		}
		digest, err := layer.Digest(l.Dir)
		if err != nil {
			return false, err
		}
		fp.String(digest)
	}
	sum, err := fp.Sum()
	if err != nil {
		return false, err
	}
	s.compose = sum

	rootfs := p.Cache.RootFS()
	if p.Cache.Fresh(StageCompose, sum, rootfs) {
		return false, nil
	}

	tmp := rootfs + ".tmp"
	if err := p.Cache.Remove(tmp); err != nil {
		return false, err
	}
	c := &layer.Compositor{FollowDirSymlinks: p.Config.Layers.FollowDirSymlinks}
	if err := c.Compose(ctx, s.layers, tmp); err != nil {
		_ = p.Cache.Remove(tmp)
		return false, err
	}
	if err := replace(tmp, rootfs); err != nil {
		return false, err
	}
	return true, p.Cache.Complete(StageCompose, sum)
}

func (p *Pipeline) pack(_ context.Context, s *state) (bool, error) {
	sum, err := cache.NewFingerprint(StagePack).
		String(s.compose).
		String(p.compression.String()).
		Bool(p.Config.Initramfs.SkipUnsupported).
		Sum()
	if err != nil {
		return false, err
	}
	s.pack = sum

	out := p.Cache.Initramfs(p.compression)
	if p.Cache.Fresh(StagePack, sum, out) {
		return false, nil
	}

	res, err := initramfs.PackDir(p.Cache.RootFS(), out, initramfs.Options{
		Compression:     p.compression,
		SkipUnsupported: p.Config.Initramfs.SkipUnsupported,
	})
	if err != nil {
		return false, err
	}
	for _, skipped := range res.Skipped {
		p.logger.WithField("entry", skipped).Warn("left out of initramfs")
	}
	s.report.Unsupported = res.Skipped
	return true, p.Cache.Complete(StagePack, sum)
}

func (p *Pipeline) buildESP(ctx context.Context, s *state) (bool, error) {
	dtb, err := boot.DTBSource{
		Path:     p.Config.Boot.DTB,
		Dump:     p.Config.Boot.DumpDTB,
		DumpPath: p.Cache.DTB(),
		Arch:     p.arch,
	}.Load(ctx)
	if err != nil {
		return false, err
	}

	fp := cache.NewFingerprint(StageESP).
		String(s.pack).
		String(p.arch.String()).
		String(p.strategy.Mechanism().String()).
		String(p.Config.Boot.Kernel).
		String(p.Config.Boot.Cmdline).
		String(string(dtb))
	sum, err := fp.Sum()
	if err != nil {
		return false, err
	}
	s.esp = sum

	if p.Cache.Fresh(StageESP, sum, p.Cache.ESP()) {
		return false, nil
	}

	layout, err := esp.New(p.Cache.ESP(), p.arch)
	if err != nil {
		return false, err
	}
	in := boot.Inputs{
		RootFS:      p.Cache.RootFS(),
		Kernel:      p.Config.Boot.Kernel,
		Initramfs:   p.Cache.Initramfs(p.compression),
		Compression: p.compression,
		Cmdline:     p.Config.Boot.Cmdline,
		DTB:         dtb,
	}
	if err := p.strategy.Build(in, layout); err != nil {
		_ = layout.Discard()
		return false, errors.Wrapf(err, "%s", p.strategy.Mechanism())
	}
	if err := layout.Publish(); err != nil {
		return false, err
	}
	return true, p.Cache.Complete(StageESP, sum)
}

func (p *Pipeline) packImage(_ context.Context, s *state) (bool, error) {
	if p.Config.ESP.SkipImage {
		return false, nil
	}
	sum, err := cache.NewFingerprint(StageImage).
		String(s.esp).
		String(strconv.FormatInt(p.Config.ESP.ImageSizeMiB, 10)).
		Sum()
	if err != nil {
		return false, err
	}
	if p.Cache.Fresh(StageImage, sum, p.Cache.Image()) {
		return false, nil
	}
	if err := esp.PackImage(p.Cache.ESP(), p.Cache.Image(), p.Config.ESP.ImageSizeMiB); err != nil {
		return false, err
	}
	return true, p.Cache.Complete(StageImage, sum)
}

// replace moves the completed directory tmp over dir.
func replace(tmp, dir string) error {
	old := dir + ".old"
	if err := fsutil.RemoveAll(old); err != nil {
		return types.IOError(err, "remove %s", old)
	}
	if err := os.Rename(dir, old); err != nil && !os.IsNotExist(err) {
		return types.IOError(err, "move %s aside", dir)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return types.IOError(err, "rename into %s", dir)
	}
	return types.IOError(fsutil.RemoveAll(old), "remove %s", old)
}
