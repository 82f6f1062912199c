package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/efritz/failcache"
)

var (
	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Checks that the current server answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			if err := client.Ping(ctx); err != nil {
				return err
			}

			_, addr := client.Servers().Current()
			fmt.Fprintf(cmd.OutOrStdout(), "PONG from %s\n", addr)
			return nil
		},
	}

	getCmd = &cobra.Command{
		Use:   "get [key]...",
		Short: "Prints the values of keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			values, err := client.GetAll(ctx, args)
			if err != nil {
				return err
			}

			for _, key := range args {
				if value, ok := values[key]; ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", key, value)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: (nil)\n", key)
				}
			}

			return nil
		},
	}

	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			expire, _ := cmd.Flags().GetDuration("expire")
			if err := client.Set(ctx, args[0], args[1], expire); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}

	addCmd = &cobra.Command{
		Use:   "add [key] [value]",
		Short: "Sets the value for a key if the key is not already set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			expire, _ := cmd.Flags().GetDuration("expire")
			ok, err := client.Add(ctx, args[0], args[1], expire)
			if err != nil {
				return err
			}

			if !ok {
				return fmt.Errorf("key %s already exists", args[0])
			}

			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}

	incrCmd = &cobra.Command{
		Use:   "incr [key] [delta]",
		Short: "Adds delta (default 1) to the integer stored at key",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			delta := int64(1)
			if len(args) == 2 {
				d, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("delta must be a number: %w", err)
				}

				delta = d
			}

			value, err := client.Increment(ctx, args[0], delta)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}

	delCmd = &cobra.Command{
		Use:   "del [key]...",
		Short: "Deletes keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			n, err := client.Remove(ctx, args...)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", n)
			return nil
		},
	}

	ttlCmd = &cobra.Command{
		Use:   "ttl [key]",
		Short: "Prints the remaining time to live of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			ttl, ok, err := client.GetExpire(ctx, args[0])
			if err != nil {
				return err
			}

			switch {
			case !ok:
				fmt.Fprintln(cmd.OutOrStdout(), "(missing)")
			case ttl == failcache.NoExpire:
				fmt.Fprintln(cmd.OutOrStdout(), "(no expire)")
			default:
				fmt.Fprintln(cmd.OutOrStdout(), ttl)
			}

			return nil
		},
	}

	expireCmd = &cobra.Command{
		Use:   "expire [key] [duration]",
		Short: "Sets the time to live of a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			expire, err := time.ParseDuration(args[1])
			if err != nil {
				return err
			}

			ok, err := client.SetExpire(ctx, args[0], expire)
			if err != nil {
				return err
			}

			if !ok {
				return fmt.Errorf("key %s does not exist", args[0])
			}

			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
)

func init() {
	setCmd.Flags().Duration("expire", 0, "time to live of the key")
	addCmd.Flags().Duration("expire", 0, "time to live of the key")
}
