// tuplsh is a one-shot command-line shell over a Tupl-style database,
// replacing the teacher's bufio.NewReader RegisterCommands() dispatch
// loop (database/filodb_commands.go) with a cobra command tree: each
// verb opens the database, performs one operation in its own
// transaction, and exits, instead of looping on stdin.
package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tupl/engine"
)

var dbPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tuplsh",
	Short: "tuplsh manages a Tupl-style embedded key/value database",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "base path for the database's page and redo files (empty for in-memory)")
	rootCmd.AddCommand(getCmd, putCmd, deleteCmd, scanCmd, renameCmd, checkpointCmd, snapshotCmd, restoreCmd, statsCmd)
}

func openDB() (*engine.Database, error) {
	return engine.Open(engine.Options{BaseFile: dbPath})
}

var getCmd = &cobra.Command{
	Use:   "get INDEX KEY",
	Short: "Look up a key in an index",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		tx := db.NewReadOnlyTransaction()
		defer tx.Commit()

		idx, ok := db.FindIndex(args[0])
		if !ok {
			return engine.ErrNotFound
		}
		val, ok, err := idx.Get(tx, []byte(args[1]))
		if err != nil {
			return err
		}
		if !ok {
			return engine.ErrNotFound
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(val))
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put INDEX KEY VALUE",
	Short: "Store or replace a key's value in an index",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		tx := db.NewTransaction()
		idx, err := db.OpenIndex(tx, args[0])
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := idx.Insert(tx, []byte(args[1]), []byte(args[2])); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete INDEX KEY",
	Short: "Remove a key from an index",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		tx := db.NewTransaction()
		idx, err := db.OpenIndex(tx, args[0])
		if err != nil {
			tx.Rollback()
			return err
		}
		existed, err := idx.Delete(tx, []byte(args[1]))
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		if !existed {
			return engine.ErrNotFound
		}
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan INDEX",
	Short: "Print every key/value pair in an index, in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		tx := db.NewReadOnlyTransaction()
		defer tx.Commit()

		idx, ok := db.FindIndex(args[0])
		if !ok {
			return engine.ErrNotFound
		}

		cur := idx.Cursor(tx)
		if err := cur.First(); err != nil {
			return err
		}
		w := bufio.NewWriter(cmd.OutOrStdout())
		defer w.Flush()
		for cur.Valid() {
			val, err := cur.Load()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\n", cur.Key(), val)
			if err := cur.Next(); err != nil {
				return err
			}
		}
		return nil
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename OLD NEW",
	Short: "Rebind an index to a new name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		tx := db.NewTransaction()
		if err := db.RenameIndex(tx, args[0], args[1]); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Force a checkpoint, syncing the header and truncating redo",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Checkpoint()
	},
}

var snapshotOut string

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Write a consistent point-in-time copy of every page to --out",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if snapshotOut == "" {
			return fmt.Errorf("tuplsh: --out is required")
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		f, err := os.Create(snapshotOut)
		if err != nil {
			return err
		}
		defer f.Close()

		snap := db.BeginSnapshot()
		defer snap.Close()
		n, err := snap.WriteTo(f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", n, snapshotOut)
		return nil
	},
}

func init() {
	snapshotCmd.Flags().StringVar(&snapshotOut, "out", "", "output file for the snapshot stream")
}

var restoreIn string

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Create --db from a snapshot stream read from --in",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if restoreIn == "" {
			return fmt.Errorf("tuplsh: --in is required")
		}
		f, err := os.Open(restoreIn)
		if err != nil {
			return err
		}
		defer f.Close()

		db, err := engine.RestoreDatabase(engine.Options{BaseFile: dbPath}, f)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "restored %d pages to %s\n", db.PagesUsed(), dbPath)
		return nil
	},
}

func init() {
	restoreCmd.Flags().StringVar(&restoreIn, "in", "", "input file containing a snapshot stream")
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print basic database statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "pages used: %d\n", db.PagesUsed())
		return nil
	},
}
