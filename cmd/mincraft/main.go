// Command mincraft assembles a bootable EFI system partition from a base
// root filesystem, Debian packages and overlay directories.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mincraft/mincraft/internal/cache"
	"github.com/mincraft/mincraft/internal/cli"
	"github.com/mincraft/mincraft/internal/config"
	"github.com/mincraft/mincraft/internal/esp"
	"github.com/mincraft/mincraft/internal/pipeline"
	"github.com/mincraft/mincraft/internal/uki"
)

type options struct {
	configPath string
	cacheDir   string
	logLevel   string
	yes        bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	build := func(cmd *cobra.Command, _ []string) error {
		return runBuild(cmd.Context(), opts)
	}

	root := &cobra.Command{
		Use:           "mincraft",
		Short:         "Assemble a bootable EFI system partition",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			level, err := log.ParseLevel(opts.logLevel)
			if err != nil {
				return errors.Wrap(err, "--log-level")
			}
			log.SetLevel(level)
			return nil
		},
		RunE: build,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "configuration file")
	root.PersistentFlags().StringVar(&opts.cacheDir, "cache-dir", "", "cache directory (overrides cache_dir)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level")
	root.PersistentFlags().BoolVarP(&opts.yes, "yes", "y", false, "automatic yes to prompts")

	root.AddCommand(
		&cobra.Command{
			Use:   "build",
			Short: "Run every stage that is out of date",
			Args:  cobra.NoArgs,
			RunE:  build,
		},
		newCleanCmd(opts, "clean", pipeline.CleanAll, "Remove the whole cache"),
		newCleanCmd(opts, "clean-esp", pipeline.CleanESP, "Remove the ESP directory and image"),
		newCleanCmd(opts, "clean-initramfs", pipeline.CleanInitramfs, "Remove the root filesystem and initramfs"),
		newCleanCmd(opts, "clean-packages", pipeline.CleanPackages, "Remove downloaded packages and extracted layers"),
		newInspectCmd(),
	)
	return root
}

func runBuild(ctx context.Context, opts *options) error {
	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		return err
	}
	p, err := pipeline.New(cfg, cacheDir(opts, cfg))
	if err != nil {
		return err
	}
	report, err := p.Run(ctx)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"ran":     strings.Join(report.Ran, ","),
		"skipped": strings.Join(report.Skipped, ","),
		"esp":     p.Cache.ESP(),
	}).Info("build complete")
	return nil
}

func newCleanCmd(opts *options, use string, target pipeline.Target, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			layout := cache.New(cacheDir(opts, loadOptional(opts.configPath)))
			p := cli.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout(), opts.yes)
			msg := fmt.Sprintf("Remove %s", strings.Join(relPaths(target.Paths(layout)), ", "))
			if !p.AskYesNo(msg+"?", false) {
				fmt.Fprintln(cmd.OutOrStdout(), "aborted")
				return nil
			}
			return pipeline.Clean(layout, target)
		},
	}
}

func newInspectCmd() *cobra.Command {
	var image bool
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "List the sections of a unified kernel image, or the files of an ESP image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if image {
				paths, err := esp.ListImage(args[0])
				if err != nil {
					return err
				}
				for _, p := range paths {
					fmt.Fprintln(out, p)
				}
				return nil
			}

			sections, err := uki.Sections(args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVMA\tVSIZE\tOFFSET\tSIZE")
			names := map[string]bool{}
			for _, s := range sections {
				names[s.Name] = true
				fmt.Fprintf(tw, "%s\t%#x\t%#x\t%#x\t%#x\n", s.Name, s.VirtualAddress, s.VirtualSize, s.Offset, s.Size)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if !names[".linux"] {
				return nil
			}
			return printPayload(out, args[0], names[".osrel"])
		},
	}
	cmd.Flags().BoolVar(&image, "image", false, "treat the file as a disk image holding an ESP")
	return cmd
}

// printPayload describes the embedded payload of a unified kernel image.
func printPayload(out io.Writer, path string, hasOSRelease bool) error {
	assets, err := uki.Extract(path)
	if err != nil {
		return err
	}
	defer assets.Close()

	kernel, err := io.Copy(io.Discard, assets.Kernel)
	if err != nil {
		return errors.Wrap(err, "read .linux")
	}
	initrd, err := io.Copy(io.Discard, assets.Initrd)
	if err != nil {
		return errors.Wrap(err, "read .initrd")
	}
	cmdline, err := uki.ReadCmdline(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\nkernel:  %d bytes\ninitrd:  %d bytes\ncmdline: %s\n", kernel, initrd, cmdline)
	if assets.DeviceTree != nil {
		dtb, err := io.Copy(io.Discard, assets.DeviceTree)
		if err != nil {
			return errors.Wrap(err, "read .dtb")
		}
		fmt.Fprintf(out, "dtb:     %d bytes\n", dtb)
	}
	if hasOSRelease {
		osRelease, err := uki.ReadOSRelease(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nos-release:\n%s\n", strings.TrimRight(osRelease, "\n"))
	}
	return nil
}

// cacheDir picks --cache-dir, then the configured cache_dir, then the
// default next to the configuration file.
func cacheDir(opts *options, cfg *config.Config) string {
	switch {
	case opts.cacheDir != "":
		return opts.cacheDir
	case cfg != nil && cfg.CacheDir != "":
		return cfg.CacheDir
	default:
		return filepath.Join(filepath.Dir(opts.configPath), cache.DefaultDir)
	}
}

// loadOptional reads the configuration if it is there. The clean commands
// only need it for cache_dir.
func loadOptional(path string) *config.Config {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		log.WithError(err).Warn("ignoring unreadable configuration")
		return nil
	}
	return cfg
}

func relPaths(paths []string) []string {
	wd, _ := os.Getwd()
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p
		if rel, err := filepath.Rel(wd, p); err == nil && !strings.HasPrefix(rel, "..") {
			out[i] = rel
		}
	}
	return out
}
