package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cuemby/jmap-push/pkg/push"
	"github.com/cuemby/jmap-push/pkg/pushstore"
)

var registerCmd = &cobra.Command{
	Use:   "register ID URL",
	Short: "Register a subscription directly against the store",
	Long: `register writes a subscription straight to the BoltDB store,
without going through a running manager's event channel. Useful for
seeding a fresh deployment or registering a subscription out of band.`,
	Args: cobra.ExactArgs(2),
	RunE: runRegister,
}

func init() {
	registerCmd.Flags().String("data-dir", "./pushd-data", "Directory holding the BoltDB subscription store")
	registerCmd.Flags().String("p256dh", "", "Base64 P-256 public key, for encrypted delivery")
	registerCmd.Flags().String("auth", "", "Base64 auth secret, for encrypted delivery")
}

func runRegister(cmd *cobra.Command, args []string) error {
	rawID, url := args[0], args[1]
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid subscription id %q: %w", rawID, err)
	}

	dataDir, _ := cmd.Flags().GetString("data-dir")
	p256dh, _ := cmd.Flags().GetString("p256dh")
	auth, _ := cmd.Flags().GetString("auth")

	store, err := pushstore.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	var keys *push.EncryptionKeys
	if p256dh != "" || auth != "" {
		p256dhBytes, err := base64.StdEncoding.DecodeString(p256dh)
		if err != nil {
			return fmt.Errorf("invalid --p256dh: %w", err)
		}
		authBytes, err := base64.StdEncoding.DecodeString(auth)
		if err != nil {
			return fmt.Errorf("invalid --auth: %w", err)
		}
		keys = &push.EncryptionKeys{P256dh: p256dhBytes, Auth: authBytes}
	}

	if err := store.SaveSubscription(context.Background(), push.SubscriptionId(id), url, keys); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}

	fmt.Printf("registered subscription %d -> %s\n", id, url)
	return nil
}
