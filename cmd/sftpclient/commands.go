package main

import (
	"fmt"
	"io"
	"path"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newReadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "read <remote-file>",
		Short: "Write a remote file to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.client.Read(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			_, err = io.Copy(a.stdout, f)
			return err
		},
	}
}

func newLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [remote-dir]",
		Short: "List the files of a remote directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}

			entries, err := a.client.ListFiles(cmd.Context(), dir)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.Mode, e.Size, e.ModTime.Format("2006-01-02 15:04"), e.Name)
			}
			return w.Flush()
		},
	}
}

func newFetchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <remote-dir> <local-dir>",
		Short: "Download every file of a remote directory into a local directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.client.ListFiles(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			for _, e := range entries {
				dest := path.Join(args[1], e.Name)
				if err := a.client.Download(cmd.Context(), e.Path, dest); err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, dest)
			}
			return nil
		},
	}
}

func newPutCmd(a *app) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "put <local-file> <remote-file>",
		Short: "Upload a local file, creating missing remote directories",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.fs.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if quiet {
				return a.client.Upload(cmd.Context(), args[1], f)
			}

			info, err := f.Stat()
			if err != nil {
				return err
			}

			pr := newProgressReader(f, info.Size(), a.stderr, "Uploading "+path.Base(args[1]))
			defer pr.Close()
			return a.client.Upload(cmd.Context(), args[1], pr)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not show a progress bar")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-file> <local-file>",
		Short: "Download a remote file, creating missing local directories",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.client.Download(cmd.Context(), args[0], args[1])
		},
	}
}

func newRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <remote-file>",
		Short: "Remove a remote file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.client.Remove(cmd.Context(), args[0])
		},
	}
}
