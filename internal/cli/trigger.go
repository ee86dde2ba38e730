package cli

import (
	"fmt"
	"io"

	"wisefido-sync/internal/consumer"
	rediscommon "wisefido-sync/internal/redis"

	"github.com/spf13/cobra"
)

var triggerEvents = []string{
	consumer.EventWillEnterForeground,
	consumer.EventDidBecomeActive,
	consumer.EventManualSync,
	consumer.EventReset,
	consumer.EventCancel,
}

// NewTriggerCommand creates the trigger command.
func NewTriggerCommand(rootOpts *RootOptions) *cobra.Command {
	var deviceID string

	cmd := &cobra.Command{
		Use:   "trigger <event-type>",
		Short: "Publish a lifecycle event to a running daemon",
		Long: fmt.Sprintf(`Publish a lifecycle event to the Redis stream consumed by "serve".

Event types: %v`, triggerEvents),
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrigger(cmd, rootOpts, args[0], deviceID, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&deviceID, "device", "", "target device id (default: configured DEVICE_ID)")
	return cmd
}

func runTrigger(cmd *cobra.Command, opts *RootOptions, eventType, deviceID string, out io.Writer) error {
	if !isTriggerEvent(eventType) {
		return fmt.Errorf("unknown event type %q: must be one of %v", eventType, triggerEvents)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if deviceID == "" {
		deviceID = cfg.Device.ID
	}

	client := rediscommon.NewRedisClient(cfg.Redis.Config)
	defer rediscommon.Close(client)
	if err := rediscommon.Ping(cmd.Context(), client); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	id, err := consumer.PublishLifecycleEvent(cmd.Context(), client, cfg.Sync.LifecycleStream, consumer.LifecycleEvent{
		EventType: eventType,
		DeviceID:  deviceID,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	if opts.Format == "json" {
		fmt.Fprintf(out, "{\"id\":%q,\"event_type\":%q,\"device_id\":%q}\n", id, eventType, deviceID)
		return nil
	}
	fmt.Fprintf(out, "published %s for %s (%s)\n", eventType, deviceID, id)
	return nil
}

func isTriggerEvent(eventType string) bool {
	for _, e := range triggerEvents {
		if e == eventType {
			return true
		}
	}
	return false
}
