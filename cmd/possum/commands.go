package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anacrolix/possum"
)

func newWriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <key> <value>",
		Short: "Write a single key/value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := possum.Open(storePath)
			if err != nil {
				return err
			}
			defer h.Close()
			n, err := h.SingleWrite([]byte(args[0]), []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("wrote %d bytes\n", n)
			return nil
		},
	}
}

func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <key>",
		Short: "Read a single key's value to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := possum.Open(storePath)
			if err != nil {
				return err
			}
			defer h.Close()
			stat, ok, err := h.SingleStat([]byte(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("key not found")
			}
			buf := make([]byte, stat.Size)
			n, err := h.SingleReadAt([]byte(args[0]), buf, 0)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(buf[:n])
			return err
		},
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <key>",
		Short: "Print a key's size and last-used time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := possum.Open(storePath)
			if err != nil {
				return err
			}
			defer h.Close()
			stat, ok, err := h.SingleStat([]byte(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("absent")
				return nil
			}
			fmt.Printf("size=%d last_used=%d.%09d\n", stat.Size, stat.LastUsed.Secs, stat.LastUsed.Nanos)
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a single key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := possum.Open(storePath)
			if err != nil {
				return err
			}
			defer h.Close()
			_, err = h.SingleDelete([]byte(args[0]))
			return err
		},
	}
}

func newListCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys under a prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := possum.Open(storePath)
			if err != nil {
				return err
			}
			defer h.Close()
			items, err := h.ListItems([]byte(prefix))
			if err != nil {
				return err
			}
			for _, it := range items {
				fmt.Printf("%s\t%d\n", it.Key, it.Stat.Size)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "key prefix to list")
	return cmd
}
