package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chazu/boundary/pkg/meta"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <image>...",
	Short: "Check the method bodies of images for structural errors",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := absPaths(args)
		if err != nil {
			return err
		}
		ws, err := openWorkspace(filepath.Dir(paths[0]))
		if err != nil {
			return err
		}
		mods, err := ws.load(paths)
		if err != nil {
			return err
		}
		failed := 0
		for _, p := range paths {
			if err := meta.VerifyModule(mods[p]); err != nil {
				log.Errorf("%s: %s", p, err)
				failed++
				continue
			}
			log.Infof("%s: ok", p)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d images failed verification", failed, len(paths))
		}
		return nil
	},
}
