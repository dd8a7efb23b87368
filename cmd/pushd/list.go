package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/jmap-push/pkg/pushstore"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions persisted in the store",
	RunE:  runList,
}

func init() {
	listCmd.Flags().String("data-dir", "./pushd-data", "Directory holding the BoltDB subscription store")
}

func runList(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")

	store, err := pushstore.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	subs, err := store.LoadSubscriptions(context.Background())
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	if len(subs) == 0 {
		fmt.Println("no subscriptions found")
		return nil
	}

	fmt.Printf("%-12s %-10s %s\n", "ID", "ENCRYPTED", "URL")
	for id, sub := range subs {
		fmt.Printf("%-12d %-10t %s\n", id, sub.Keys != nil, sub.URL)
	}
	return nil
}
