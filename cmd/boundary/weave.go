package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/boundary/discovery"
	"github.com/chazu/boundary/pkg/image"
)

var weaveFlags struct {
	InPlace bool
	Shadow  bool
	Suffix  string
	Verify  bool
	Strict  bool
	Jobs    int
}

var weaveCmd = &cobra.Command{
	Use:   "weave <image>...",
	Short: "Weave aspects into images",
	Long: `Weave every method that has aspects applied. Each image is woven
independently; a failing image leaves its output untouched.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := absPaths(args)
		if err != nil {
			return err
		}
		ws, err := openWorkspace(filepath.Dir(paths[0]))
		if err != nil {
			return err
		}
		applyWeaveFlags(cmd, ws)
		return ws.weaveAll(cmd.Context(), paths, paths)
	},
}

func init() {
	f := weaveCmd.Flags()
	f.BoolVar(&weaveFlags.InPlace, "in-place", false, "overwrite the input images")
	f.BoolVar(&weaveFlags.Shadow, "shadow", false, "weave into a _<prefix>_<name>_Weaved_ copy next to each image")
	f.StringVar(&weaveFlags.Suffix, "suffix", "", "suffix inserted before the extension of output images")
	f.BoolVar(&weaveFlags.Verify, "verify", false, "verify every rewritten body")
	f.BoolVar(&weaveFlags.Strict, "strict", false, "fail on early returns that cannot be expressed")
	f.IntVarP(&weaveFlags.Jobs, "jobs", "j", 0, "images woven concurrently (0: one per CPU)")
}

// applyWeaveFlags lets explicitly set flags override boundary.toml.
func applyWeaveFlags(cmd *cobra.Command, ws *workspace) {
	m := ws.manifest
	flags := cmd.Flags()
	if flags.Changed("in-place") {
		m.Output.InPlace = weaveFlags.InPlace
	}
	if flags.Changed("shadow") {
		m.Output.Shadow = weaveFlags.Shadow
	}
	if flags.Changed("suffix") {
		m.Output.Suffix = weaveFlags.Suffix
	}
	if flags.Changed("verify") {
		m.Weaver.Verify = weaveFlags.Verify
	}
	if flags.Changed("strict") {
		m.Weaver.StrictEarlyReturn = weaveFlags.Strict
	}
}

func absPaths(args []string) ([]string, error) {
	out := make([]string, len(args))
	for i, a := range args {
		p, err := filepath.Abs(a)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// weaveAll weaves targets concurrently. Every target sees all of inputs,
// so images may refer to one another.
func (w *workspace) weaveAll(ctx context.Context, targets, inputs []string) error {
	g, ctx := errgroup.WithContext(ctx)
	if weaveFlags.Jobs > 0 {
		g.SetLimit(weaveFlags.Jobs)
	}
	for _, p := range targets {
		p := p
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return w.weaveOne(p, inputs)
		})
	}
	return g.Wait()
}

// weaveOne weaves the image at path and writes the result.
func (w *workspace) weaveOne(path string, inputs []string) error {
	mods, err := w.load(inputs)
	if err != nil {
		return err
	}
	mod := mods[path]

	start := time.Now()
	report, err := discovery.New(w.manifest.DiscoveryOptions()).Weave(mod)
	if err != nil {
		log.Errorf("%s: %s", path, err)
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, m := range report.Unsupported {
		log.Warningf("%s: early return in %s throws NotSupportedException", path, m)
	}

	out := w.manifest.OutputPath(path)
	switch {
	case w.manifest.Output.Shadow:
		out = image.ShadowPath(path, strconv.FormatInt(time.Now().UnixMilli(), 10))
	case w.manifest.Output.InPlace && !report.Woven():
		log.Infof("%s: nothing to weave", path)
		return nil
	}
	if err := image.WriteFile(out, mod); err != nil {
		return fmt.Errorf("%s: %w", out, err)
	}
	log.Noticef("%s: wove %d methods, %d properties in %d types (%s) -> %s",
		path, report.Methods, report.Properties, report.Types, time.Since(start).Round(time.Millisecond), out)
	return nil
}
