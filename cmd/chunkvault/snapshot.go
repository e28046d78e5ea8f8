package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"chunkvault/internal/blob"
	"chunkvault/internal/datastore"
	"chunkvault/internal/digest"
	"chunkvault/internal/manifest"
	"chunkvault/internal/verify"
)

func newSnapshotCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect and manage individual snapshots",
	}
	cmd.AddCommand(
		newSnapshotListCmd(e),
		newSnapshotForgetCmd(e),
		newSnapshotFilesCmd(e),
		newSnapshotUploadLogCmd(e),
		newSnapshotVerifyCmd(e),
	)
	return cmd
}

func resolveSnapshotTarget(ctx context.Context, e *env, dsName, groupType, groupID, snapTime string) (*datastore.Store, datastore.Snapshot, error) {
	store, _, err := e.openDatastore(ctx, dsName)
	if err != nil {
		return nil, datastore.Snapshot{}, err
	}
	group := datastore.Group{Type: groupType, ID: groupID}
	snap, err := resolveSnapshot(store, group, snapTime)
	if err != nil {
		return nil, datastore.Snapshot{}, err
	}
	return store, snap, nil
}

func newSnapshotListCmd(e *env) *cobra.Command {
	var dsName, groupType, groupID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots in a backup group",
		RunE: withSignalContext(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			store, _, err := e.openDatastore(ctx, dsName)
			if err != nil {
				return err
			}
			group := datastore.Group{Type: groupType, ID: groupID}
			snaps, err := store.ListSnapshots(group)
			if err != nil {
				return fmt.Errorf("list snapshots: %w", err)
			}
			if len(snaps) == 0 {
				fmt.Println("no snapshots in this group")
				return nil
			}
			for _, s := range snaps {
				fmt.Println(s.TimeString())
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&dsName, "datastore", "default", "target datastore name")
	cmd.Flags().StringVar(&groupType, "type", "host", "backup group type")
	cmd.Flags().StringVar(&groupID, "id", "", "backup group ID (required)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newSnapshotForgetCmd(e *env) *cobra.Command {
	var (
		dsName, groupType, groupID, snapTime string
		force                                bool
	)

	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Remove a single snapshot",
		RunE: withSignalContext(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			store, snap, err := resolveSnapshotTarget(ctx, e, dsName, groupType, groupID, snapTime)
			if err != nil {
				return err
			}
			if err := store.RemoveBackupDir(snap, force); err != nil {
				return fmt.Errorf("remove snapshot: %w", err)
			}
			fmt.Printf("removed %s/%s\n", snap.Group.RelPath(), snap.TimeString())
			return nil
		}),
	}
	cmd.Flags().StringVar(&dsName, "datastore", "default", "target datastore name")
	cmd.Flags().StringVar(&groupType, "type", "host", "backup group type")
	cmd.Flags().StringVar(&groupID, "id", "", "backup group ID (required)")
	cmd.Flags().StringVar(&snapTime, "time", "latest", "snapshot time (RFC3339) or \"latest\"")
	cmd.Flags().BoolVar(&force, "force", false, "remove even a partially-written (in-progress) snapshot directory")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newSnapshotFilesCmd(e *env) *cobra.Command {
	var dsName, groupType, groupID, snapTime string

	cmd := &cobra.Command{
		Use:   "files",
		Short: "List the files recorded in a snapshot's manifest",
		RunE: withSignalContext(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			store, snap, err := resolveSnapshotTarget(ctx, e, dsName, groupType, groupID, snapTime)
			if err != nil {
				return err
			}
			m, _, err := store.LoadManifest(snap)
			if err != nil {
				return fmt.Errorf("load manifest: %w", err)
			}
			for _, f := range m.Files {
				fmt.Printf("%s\t%d\t%s\n", f.Filename, f.Size, f.Csum)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&dsName, "datastore", "default", "target datastore name")
	cmd.Flags().StringVar(&groupType, "type", "host", "backup group type")
	cmd.Flags().StringVar(&groupID, "id", "", "backup group ID (required)")
	cmd.Flags().StringVar(&snapTime, "time", "latest", "snapshot time (RFC3339) or \"latest\"")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newSnapshotUploadLogCmd(e *env) *cobra.Command {
	var (
		dsName, groupType, groupID, snapTime string
		logPath, name                        string
	)

	cmd := &cobra.Command{
		Use:   "upload-log",
		Short: "Attach a client log file to an already-finalized snapshot",
		RunE: withSignalContext(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			store, snap, err := resolveSnapshotTarget(ctx, e, dsName, groupType, groupID, snapTime)
			if err != nil {
				return err
			}
			return uploadSnapshotLog(store, snap, logPath, name)
		}),
	}
	cmd.Flags().StringVar(&dsName, "datastore", "default", "target datastore name")
	cmd.Flags().StringVar(&groupType, "type", "host", "backup group type")
	cmd.Flags().StringVar(&groupID, "id", "", "backup group ID (required)")
	cmd.Flags().StringVar(&snapTime, "time", "latest", "snapshot time (RFC3339) or \"latest\"")
	cmd.Flags().StringVar(&logPath, "file", "", "path to the log file to upload (required)")
	cmd.Flags().StringVar(&name, "name", "client.log.blob", "blob name to store the log under")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newSnapshotVerifyCmd(e *env) *cobra.Command {
	var dsName, groupType, groupID, snapTime string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Decode every chunk a snapshot's archives reference and record the result",
		Long: "verify walks every archive in a snapshot's manifest, decoding each referenced\n" +
			"chunk and checking it against the digest the index recorded for it. The\n" +
			"outcome is written back to the manifest's unprotected verify_state, where it\n" +
			"stays recorded without re-walking the data.",
		RunE: withSignalContext(func(ctx context.Context, cmd *cobra.Command, args []string) error {
			store, snap, err := resolveSnapshotTarget(ctx, e, dsName, groupType, groupID, snapTime)
			if err != nil {
				return err
			}
			result, err := verify.Snapshot(store, snap, nil)
			if err != nil {
				return fmt.Errorf("verify snapshot: %w", err)
			}
			for _, bad := range result.Bad {
				fmt.Printf("BAD  %s  %s  %v\n", bad.Archive, bad.Digest, bad.Err)
			}
			fmt.Printf("verify_state=%s checked=%d bad=%d\n", result.State(), result.ChunksChecked, len(result.Bad))
			if result.State() != verify.StateOK {
				return fmt.Errorf("snapshot failed verification: %d of %d chunks bad", len(result.Bad), result.ChunksChecked)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&dsName, "datastore", "default", "target datastore name")
	cmd.Flags().StringVar(&groupType, "type", "host", "backup group type")
	cmd.Flags().StringVar(&groupID, "id", "", "backup group ID (required)")
	cmd.Flags().StringVar(&snapTime, "time", "latest", "snapshot time (RFC3339) or \"latest\"")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// uploadSnapshotLog writes a non-indexed log blob straight into an already
// finalized snapshot and records it in the manifest, the same two steps
// Session.UploadBlob performs while a backup is still running.
func uploadSnapshotLog(store *datastore.Store, snap datastore.Snapshot, logPath, name string) error {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return fmt.Errorf("read log file: %w", err)
	}

	framed, err := blob.Encode(data, nil)
	if err != nil {
		return fmt.Errorf("encode log blob: %w", err)
	}
	path := filepath.Join(store.SnapshotPath(snap), name)
	if err := os.WriteFile(path, framed, 0o640); err != nil {
		return fmt.Errorf("write log blob: %w", err)
	}

	entry := manifest.FileEntry{
		Filename:  name,
		Size:      uint64(len(data)),
		Csum:      digest.Compute(data).String(),
		CryptMode: manifest.CryptModeNone,
	}
	if err := store.UpdateManifest(snap, func(m *manifest.Manifest) {
		m.Files = append(m.Files, entry)
	}); err != nil {
		return fmt.Errorf("update manifest: %w", err)
	}

	fmt.Printf("uploaded %s (%d bytes) to %s/%s\n", name, len(data), snap.Group.RelPath(), snap.TimeString())
	return nil
}
