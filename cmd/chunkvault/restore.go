package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chunkvault/internal/datastore"
	"chunkvault/internal/digest"
	restoresession "chunkvault/internal/session/restore"
)

// indexedReader is the subset of *dynamicindex.Reader / *fixedindex.Reader
// restoreArchive needs; restoresession.DownloadIndex returns a narrower
// interface (just enough to seed its chunk cache), so this asserts back
// down to the concrete reader's entry-iteration methods.
type indexedReader interface {
	IndexCount() int
	IndexDigest(i int) (digest.Digest, error)
}

func newRestoreCmd(e *env) *cobra.Command {
	var (
		dsName    string
		groupType string
		groupID   string
		snapTime  string
		archive   string
		outDir    string
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a snapshot's archives to a local directory",
		RunE: withSignalContext(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			return runRestore(ctx, e, restoreOpts{
				dsName:    dsName,
				groupType: groupType,
				groupID:   groupID,
				snapTime:  snapTime,
				archive:   archive,
				outDir:    outDir,
			})
		}),
	}

	cmd.Flags().StringVar(&dsName, "datastore", "default", "source datastore name")
	cmd.Flags().StringVar(&groupType, "type", "host", "backup group type")
	cmd.Flags().StringVar(&groupID, "id", "", "backup group ID (required)")
	cmd.Flags().StringVar(&snapTime, "time", "latest", "snapshot time (RFC3339) or \"latest\"")
	cmd.Flags().StringVar(&archive, "archive", "", "restore only this archive (default: every archive in the manifest)")
	cmd.Flags().StringVar(&outDir, "output", ".", "directory to write restored files into")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

type restoreOpts struct {
	dsName    string
	groupType string
	groupID   string
	snapTime  string
	archive   string
	outDir    string
}

func runRestore(ctx context.Context, e *env, opts restoreOpts) error {
	store, _, err := e.openDatastore(ctx, opts.dsName)
	if err != nil {
		return err
	}

	group := datastore.Group{Type: opts.groupType, ID: opts.groupID}
	snap, err := resolveSnapshot(store, group, opts.snapTime)
	if err != nil {
		return err
	}

	sess, err := restoresession.Start(store, snap, nil)
	if err != nil {
		return fmt.Errorf("start restore session: %w", err)
	}
	defer sess.Close()

	m, _, err := sess.DownloadManifest()
	if err != nil {
		return fmt.Errorf("download manifest: %w", err)
	}

	if err := os.MkdirAll(opts.outDir, 0o750); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	var restored int
	for _, file := range m.Files {
		if !strings.HasSuffix(file.Filename, ".didx") && !strings.HasSuffix(file.Filename, ".fidx") {
			continue // non-indexed blob (config/log/catalog), not an archive
		}
		if opts.archive != "" && file.Filename != opts.archive {
			continue
		}
		if err := restoreArchive(sess, file.Filename, opts.outDir); err != nil {
			return fmt.Errorf("restore %s: %w", file.Filename, err)
		}
		restored++
	}
	if restored == 0 {
		return fmt.Errorf("no matching archive found in snapshot %s/%s", group.RelPath(), snap.TimeString())
	}

	e.logger.Info("restore finished",
		"datastore", opts.dsName,
		"group", group.RelPath(),
		"snapshot", snap.TimeString(),
		"archives", restored,
	)
	fmt.Printf("restored %d archive(s) from %s/%s/%s into %s\n", restored, opts.dsName, group.RelPath(), snap.TimeString(), opts.outDir)
	return nil
}

// resolveSnapshot turns "latest" or an RFC3339 timestamp into a concrete
// Snapshot, validating it actually exists.
func resolveSnapshot(store *datastore.Store, group datastore.Group, spec string) (datastore.Snapshot, error) {
	snaps, err := store.ListSnapshots(group)
	if err != nil {
		return datastore.Snapshot{}, fmt.Errorf("list snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return datastore.Snapshot{}, fmt.Errorf("group %s has no snapshots", group.RelPath())
	}
	if spec == "latest" || spec == "" {
		return snaps[len(snaps)-1], nil
	}
	t, err := time.Parse(time.RFC3339, spec)
	if err != nil {
		return datastore.Snapshot{}, fmt.Errorf("parse --time %q: %w", spec, err)
	}
	for _, s := range snaps {
		if s.Time.Equal(t) {
			return s, nil
		}
	}
	return datastore.Snapshot{}, fmt.Errorf("no snapshot at %s in group %s", spec, group.RelPath())
}

// restoreArchive streams one archive's chunks to outDir/<archive-name
// without the .didx/.fidx suffix>, in index order.
func restoreArchive(sess *restoresession.Session, archive, outDir string) error {
	idx, err := sess.DownloadIndex(archive)
	if err != nil {
		return err
	}
	defer idx.Close()

	ir, ok := idx.(indexedReader)
	if !ok {
		return fmt.Errorf("index reader for %s exposes no entry iteration", archive)
	}

	outPath := filepath.Join(outDir, strings.TrimSuffix(strings.TrimSuffix(archive, ".didx"), ".fidx"))
	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		return err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	for i := 0; i < ir.IndexCount(); i++ {
		d, err := ir.IndexDigest(i)
		if err != nil {
			return fmt.Errorf("read index entry %d: %w", i, err)
		}
		plaintext, err := sess.ReadChunk(archive, d)
		if err != nil {
			return fmt.Errorf("read chunk %d: %w", i, err)
		}
		if _, err := out.Write(plaintext); err != nil {
			return fmt.Errorf("write restored data: %w", err)
		}
	}
	return nil
}
