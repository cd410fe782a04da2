package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	vziphttp "github.com/meigma/vzip/http"
)

func newSizeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "size ENTRY...",
		Short: "Print the archive size in bytes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context(), args)
			if err != nil {
				return err
			}
			defer a.Close()
			size, err := a.TotalSize()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), size)
			return err
		},
	}
}

func newRangeCmd(g *globals) *cobra.Command {
	var offset, length uint64
	cmd := &cobra.Command{
		Use:   "range ENTRY...",
		Short: "Write a byte range of the archive to stdout",
		Long: `Write length bytes of the archive starting at offset to stdout.
A length of zero writes everything from offset to the end.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context(), args)
			if err != nil {
				return err
			}
			defer a.Close()
			if length == 0 {
				size, err := a.TotalSize()
				if err != nil {
					return err
				}
				if offset < size {
					length = size - offset
				}
			}
			r, err := a.OpenRange(cmd.Context(), offset, length)
			if err != nil {
				return err
			}
			defer r.Close()
			_, err = io.Copy(cmd.OutOrStdout(), r)
			return err
		},
	}
	cmd.Flags().Uint64Var(&offset, "offset", 0, "first byte to write")
	cmd.Flags().Uint64Var(&length, "length", 0, "number of bytes to write")
	return cmd
}

func newEntriesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "entries ENTRY...",
		Short: "List the planned position of every entry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context(), args)
			if err != nil {
				return err
			}
			defer a.Close()
			entries, err := a.Entries()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSIZE\tHEADER\tDATA\tEND")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", e.Name, e.Size, e.HeaderOffset, e.DataOffset, e.End)
			}
			return tw.Flush()
		},
	}
}

func newServeCmd(g *globals) *cobra.Command {
	var addr, name string
	cmd := &cobra.Command{
		Use:   "serve ENTRY...",
		Short: "Serve the archive over HTTP with range support",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := g.open(ctx, args)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := &nethttp.Server{
				Addr:              addr,
				Handler:           vziphttp.NewHandler(a, vziphttp.WithFilename(name), vziphttp.WithLogger(g.logger)),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			g.logger.Info("serving archive", "addr", addr, "entries", len(args))

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdown); err != nil {
				return err
			}
			if err := <-errc; !errors.Is(err, nethttp.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&name, "name", "archive.zip", "attachment file name")
	return cmd
}
