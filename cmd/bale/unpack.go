package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bamsammich/bale/internal/archive"
	"github.com/bamsammich/bale/internal/digest"
	"github.com/bamsammich/bale/internal/manifest"
	"github.com/bamsammich/bale/internal/scan"
)

func newUnpackCmd() *cobra.Command {
	var manifestPath string
	cmd := &cobra.Command{
		Use:   "unpack ARCHIVE DIR",
		Short: "Extract a part archive and check its files",
		Long: `Extract ARCHIVE into DIR. When the part manifest uploaded next to the
archive (ARCHIVE.json) is present, every extracted file is checked against
the SHA-256 recorded for it.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dir := args[0], args[1]
			n, err := archive.Extract(cmd.Context(), src, dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "extracted %d entries into %s\n", n, dir)

			if manifestPath == "" {
				manifestPath = src + ".json"
				if _, err := os.Stat(manifestPath); errors.Is(err, os.ErrNotExist) {
					return nil
				}
			}
			p, err := readPartManifest(manifestPath)
			if err != nil {
				return err
			}
			checked, bad := checkExtracted(cmd.Context(), p, dir)
			for _, b := range bad {
				fmt.Fprintf(out, "MISMATCH  %s\n", b)
			}
			if len(bad) > 0 {
				return fmt.Errorf("%d of %d files do not match %s", len(bad), checked, manifestPath)
			}
			fmt.Fprintf(out, "%d files match %s\n", checked, manifestPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "part manifest to check against (default: ARCHIVE.json)")
	return cmd
}

func readPartManifest(path string) (*manifest.PartManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var p manifest.PartManifest
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &p, nil
}

// checkExtracted hashes every regular file of p under dir and returns how
// many were checked plus the paths that are missing or differ.
func checkExtracted(ctx context.Context, p *manifest.PartManifest, dir string) (int, []string) {
	var checked int
	var bad []string
	for _, f := range p.Files {
		if f.Type != scan.File || f.SHA256 == "" {
			continue
		}
		checked++
		got, _, err := digest.File(ctx, filepath.Join(dir, filepath.FromSlash(f.Path)), nil)
		if err != nil || !digest.Equal(got, f.SHA256) {
			bad = append(bad, f.Path)
		}
	}
	return checked, bad
}
