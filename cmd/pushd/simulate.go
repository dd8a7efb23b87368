package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/jmap-push/pkg/push"
	"github.com/cuemby/jmap-push/pkg/pushconfig"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate URL",
	Short: "Exercise the manager loop in-process against one endpoint",
	Long: `simulate starts a Manager Loop with no persistence, registers a
single subscription against URL, pushes one state change to it, and
prints the resulting subscription snapshot. It is a CLI convenience for
exercising delivery, retry, and throttling without a full upstream JMAP
store — it is not part of the wire protocol.`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().Uint64("account-id", 1, "Account id for the simulated state change")
	simulateCmd.Flags().String("type", "Email", "JMAP type for the simulated state change")
	simulateCmd.Flags().Uint64("change-id", 1, "Change id for the simulated state change")
	simulateCmd.Flags().Duration("wait", 3*time.Second, "How long to wait for delivery to settle before printing the snapshot")
	simulateCmd.Flags().Bool("verify", false, "Also send a verification POST before pushing, like a freshly created PushSubscription would")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	url := args[0]
	accountID, _ := cmd.Flags().GetUint64("account-id")
	typeState, _ := cmd.Flags().GetString("type")
	changeID, _ := cmd.Flags().GetUint64("change-id")
	wait, _ := cmd.Flags().GetDuration("wait")
	doVerify, _ := cmd.Flags().GetBool("verify")

	settings := pushconfig.DefaultSettings()
	mgr := push.NewManager(push.Config{
		PushThrottle:        settings.PushThrottle.AsDuration(),
		PushAttemptInterval: settings.PushAttemptInterval.AsDuration(),
		PushAttemptsMax:     settings.PushAttemptsMax,
		PushRetryInterval:   settings.PushRetryInterval.AsDuration(),
		PushTimeout:         settings.PushTimeout.AsDuration(),
		PushVerifyTimeout:   settings.PushVerifyTimeout.AsDuration(),
		ChannelBuffer:       settings.ChannelBuffer,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	const simulatedID = push.SubscriptionId(1)
	mgr.Events().SendUpdate(push.RegisterUpdate(simulatedID, url, nil))

	if doVerify {
		// A real JMAP server mints this code when the PushSubscription is
		// created and expects the client to echo it back on confirmation;
		// this command has no server side, so it stands in for one.
		code := uuid.New().String()
		mgr.Events().SendUpdate(push.VerifyUpdate(simulatedID, push.AccountId(accountID), url, code, nil))
		fmt.Printf("sent verification code %s to %s\n", code, url)
	}

	change := push.StateChange{
		AccountId: push.AccountId(accountID),
		Types:     map[push.TypeState]push.ChangeId{push.TypeState(typeState): push.ChangeId(changeID)},
	}
	mgr.Events().SendPush([]push.SubscriptionId{simulatedID}, change)

	fmt.Printf("pushed change account=%d type=%s change_id=%d to %s, waiting %s\n",
		accountID, typeState, changeID, url, wait)
	time.Sleep(wait)

	snapCtx, cancelSnap := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelSnap()
	snapshot, err := mgr.Snapshot(snapCtx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	for _, s := range snapshot {
		fmt.Printf("subscription %d: attempts=%d pending=%d in_flight=%t last_request=%s\n",
			s.ID, s.NumAttempts, s.PendingChanges, s.InFlight, s.LastRequest.Format(time.RFC3339))
	}
	return nil
}
