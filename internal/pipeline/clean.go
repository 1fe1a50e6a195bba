package pipeline

import (
	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mincraft/mincraft/internal/cache"
	"github.com/mincraft/mincraft/internal/codec"
	"github.com/mincraft/mincraft/internal/types"
)

// Target is a part of the cache that can be removed on its own.
type Target int

const (
	CleanAll Target = iota
	CleanESP
	CleanInitramfs
	CleanPackages
)

func (t Target) String() string {
	switch t {
	case CleanAll:
		return "all"
	case CleanESP:
		return "esp"
	case CleanInitramfs:
		return "initramfs"
	case CleanPackages:
		return "packages"
	default:
		return "unknown"
	}
}

// Paths returns what removing t deletes.
func (t Target) Paths(c cache.Layout) []string {
	switch t {
	case CleanAll:
		return []string{c.Root}
	case CleanESP:
		return []string{c.ESP(), c.ESP() + ".staging", c.Image()}
	case CleanInitramfs:
		paths := []string{c.RootFS(), c.RootFS() + ".tmp"}
		for _, f := range []codec.Format{codec.None, codec.Gzip, codec.XZ, codec.Zstd, codec.LZ4} {
			paths = append(paths, c.Initramfs(f))
		}
		return paths
	case CleanPackages:
		return []string{c.Packages(), c.Layers()}
	default:
		return nil
	}
}

// stages returns the stamps invalidated by removing t.
func (t Target) stages() []string {
	switch t {
	case CleanESP:
		return []string{StageESP, StageImage}
	case CleanInitramfs:
		return []string{StageCompose, StagePack}
	default:
		return nil
	}
}

// Clean removes target from the cache.
func Clean(c cache.Layout, target Target) error {
	paths := target.Paths(c)
	if paths == nil {
		return errors.Mark(errors.Newf("unknown clean target %d", target), types.ErrConfig)
	}
	if err := c.Invalidate(target.stages()...); err != nil {
		return err
	}
	if err := c.Remove(paths...); err != nil {
		return errors.Wrapf(err, "clean %s", target)
	}
	log.WithFields(log.Fields{"target": target, "cache": c.Root}).Info("cleaned")
	return nil
}
