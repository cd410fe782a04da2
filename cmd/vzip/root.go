package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meigma/vzip"
	"github.com/meigma/vzip/cache/disk"
	vziphttp "github.com/meigma/vzip/http"
)

// globals holds flags shared by every subcommand.
type globals struct {
	verbose     bool
	dir         string
	comment     string
	cacheDir    string
	concurrency int
	logger      *slog.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "vzip",
		Short: "Serve virtual stored ZIP archives",
		Long: `vzip plans a stored ZIP archive over a list of files and serves any
byte range of it, reading file content only when a range needs it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if g.verbose {
				level = slog.LevelDebug
			}
			g.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
		},
	}

	flags := root.PersistentFlags()
	flags.BoolVarP(&g.verbose, "verbose", "v", false, "log debug output to stderr")
	flags.StringVar(&g.dir, "dir", ".", "directory local sources are relative to")
	flags.StringVar(&g.comment, "comment", "", "archive comment")
	flags.StringVar(&g.cacheDir, "cache-dir", "", "directory for cached plans (disabled when empty)")
	flags.IntVar(&g.concurrency, "concurrency", vzip.DefaultResolveConcurrency, "concurrent size lookups")

	root.AddCommand(newSizeCmd(g), newRangeCmd(g), newServeCmd(g), newEntriesCmd(g))
	return root
}

// parseEntry splits a SOURCE or SOURCE=NAME argument. Without a name,
// local sources keep their slash-separated path and URLs their base name.
// URLs with a query string cannot be renamed.
func parseEntry(arg string) (vzip.Descriptor, error) {
	src, name, hasName := strings.Cut(arg, "=")
	if vziphttp.IsURL(arg) && strings.Contains(arg, "?") {
		src, name, hasName = arg, "", false
	}
	if src == "" {
		return vzip.Descriptor{}, fmt.Errorf("entry %q: empty source", arg)
	}
	if !hasName {
		name = filepath.ToSlash(filepath.Clean(src))
		if vziphttp.IsURL(src) {
			u, err := url.Parse(src)
			if err != nil {
				return vzip.Descriptor{}, fmt.Errorf("entry %q: %w", arg, err)
			}
			name = path.Base(u.Path)
		}
	}
	return vzip.Descriptor{
		SourcePath:  src,
		ArchiveName: name,
		Mode:        0o644,
	}, nil
}

// open builds and plans the archive described by args.
func (g *globals) open(ctx context.Context, args []string) (*vzip.Archive, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no entries given")
	}
	descs := make([]vzip.Descriptor, len(args))
	for i, arg := range args {
		d, err := parseEntry(arg)
		if err != nil {
			return nil, err
		}
		descs[i] = d
	}
	if err := g.stampModTimes(descs); err != nil {
		return nil, err
	}

	opts := []vzip.Option{
		vzip.WithLogger(g.logger),
		vzip.WithComment(g.comment),
		vzip.WithResolveConcurrency(g.concurrency),
		vzip.WithOpener(vziphttp.NewOpener(vziphttp.WithFallback(vzip.NewDirOpener(g.dir)))),
	}
	if g.cacheDir != "" {
		pc, err := disk.New(g.cacheDir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, vzip.WithPlanCache(pc))
	}

	a, err := vzip.New(descs, opts...)
	if err != nil {
		return nil, err
	}
	if err := a.ResolveSizes(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.Plan(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// stampModTimes records the modification time of local sources. Remote
// entries carry no time, which keeps their plans stable across runs.
func (g *globals) stampModTimes(descs []vzip.Descriptor) error {
	for i := range descs {
		if vziphttp.IsURL(descs[i].SourcePath) {
			continue
		}
		info, err := os.Lstat(filepath.Join(g.dir, filepath.FromSlash(descs[i].SourcePath)))
		if err != nil {
			return err
		}
		descs[i].Modified = info.ModTime()
	}
	return nil
}
