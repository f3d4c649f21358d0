package main

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var watchFlags struct {
	Settle time.Duration
}

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Re-weave images whenever they are written",
	Long: `Watch a directory and weave every image matching the [watch] pattern
each time it is created or rewritten. Existing images are woven once at
startup. Outputs of the weaver itself are ignored.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		dir, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		ws, err := openWorkspace(dir)
		if err != nil {
			return err
		}
		ws.manifest.Dir = dir
		return ws.watch(cmd.Context(), dir)
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchFlags.Settle, "settle", 200*time.Millisecond, "quiet period after the last write before weaving")
}

func (w *workspace) watch(ctx context.Context, dir string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(dir); err != nil {
		return err
	}

	inputs, err := w.manifest.Images()
	if err != nil {
		return err
	}
	if len(inputs) > 0 {
		if err := w.weaveAll(ctx, inputs, inputs); err != nil {
			log.Errorf("initial weave: %s", err)
		}
	}
	log.Noticef("watching %s for %s", dir, w.manifest.Watch.Pattern)

	changed := make(chan string, 64)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(changed)
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					return nil
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 || !w.manifest.Matches(ev.Name) {
					continue
				}
				log.Debugf("%s: %s", ev.Op, ev.Name)
				changed <- ev.Name
			case err, ok := <-fw.Errors:
				if !ok {
					return nil
				}
				log.Warningf("watch: %s", err)
			}
		}
	})
	g.Go(func() error {
		w.settle(ctx, changed)
		return nil
	})
	return g.Wait()
}

// settle collects change notifications and weaves each path once it has
// been quiet for the settle period.
func (w *workspace) settle(ctx context.Context, changed <-chan string) {
	var (
		mu      sync.Mutex
		pending = make(map[string]*time.Timer)
		running sync.WaitGroup
	)
	defer running.Wait()

	for p := range changed {
		p := p
		mu.Lock()
		if t, ok := pending[p]; ok && t.Stop() {
			running.Done()
		}
		running.Add(1)
		var timer *time.Timer
		timer = time.AfterFunc(watchFlags.Settle, func() {
			defer running.Done()
			mu.Lock()
			if pending[p] == timer {
				delete(pending, p)
			}
			mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			inputs, err := w.manifest.Images()
			if err != nil {
				log.Errorf("%s: %s", p, err)
				return
			}
			if err := w.weaveOne(p, inputs); err != nil {
				log.Errorf("%s", err)
			}
		})
		pending[p] = timer
		mu.Unlock()
	}
}
