package main

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/efritz/failcache"
)

var lockCmd = &cobra.Command{
	Use:   "lock [name] [command] [args]...",
	Short: "Runs a command while holding a distributed lock",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")
		expire, _ := cmd.Flags().GetDuration("expire")

		ctx := cmd.Context()

		configs := []failcache.LockConfigFunc{failcache.WithThrowOnFailure()}
		if expire > 0 {
			configs = append(configs, failcache.WithLockExpire(expire))
		}

		lock, err := client.AcquireLock(ctx, args[0], wait, configs...)
		if err != nil {
			return err
		}

		defer func() {
			// Release even if the command's context was cancelled.
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()

			if err := lock.Release(releaseCtx); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "could not release lock %s: %s\n", args[0], err)
			}
		}()

		child := exec.CommandContext(ctx, args[1], args[2:]...)
		child.Stdout = cmd.OutOrStdout()
		child.Stderr = cmd.ErrOrStderr()
		child.Stdin = cmd.InOrStdin()
		return child.Run()
	},
}

func init() {
	lockCmd.Flags().Duration("wait", 10*time.Second, "time to wait for the lock")
	lockCmd.Flags().Duration("expire", 0, "time after which the lock may be taken over (default is the wait)")
	lockCmd.Flags().SetInterspersed(false)
}
