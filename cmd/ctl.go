package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/fleet-control/internal/api"
	"procodus.dev/fleet-control/internal/commands"
	"procodus.dev/fleet-control/internal/store"
	"procodus.dev/fleet-control/internal/tasks"
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Call the control API",
	Long:  "Call the backend's gRPC control API and print the reply as JSON.",
}

func init() {
	rootCmd.AddCommand(ctlCmd)

	ctlCmd.PersistentFlags().String("addr", "localhost:9090", "control API address")
	ctlCmd.PersistentFlags().Duration("timeout", 10*time.Second, "per-call timeout")
	_ = viper.BindPFlag("ctl.addr", ctlCmd.PersistentFlags().Lookup("addr"))
	_ = viper.BindPFlag("ctl.timeout", ctlCmd.PersistentFlags().Lookup("timeout"))

	ctlCmd.AddCommand(
		registerTenantCmd(),
		registerDeviceCmd(),
		sendCmd(),
		bulkCmd(),
		broadcastCmd(),
		getCommandCmd(),
		taskCmd(),
		alertCmd("ack-alert", "Acknowledge an alert", (*api.Client).AcknowledgeAlert),
		alertCmd("resolve-alert", "Resolve an alert", (*api.Client).ResolveAlert),
		healthCheckCmd(),
	)
}

// withClient dials the API, runs fn with a bounded context and prints its
// reply.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *api.Client) (any, error)) error {
	conn, err := api.Dial(viper.GetString("ctl.addr"))
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	client, err := api.NewClient(conn)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("ctl.timeout"))
	defer cancel()

	reply, err := fn(ctx, client)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), reply)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// jsonFlag decodes an optional JSON object flag.
func jsonFlag(cmd *cobra.Command, name string) (map[string]any, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", name, err)
	}
	return out, nil
}

func str(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func registerTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register-tenant",
		Short: "Register a tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := jsonFlag(cmd, "settings")
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *api.Client) (any, error) {
				return c.RegisterTenant(ctx, api.RegisterTenantRequest{
					ID:          str(cmd, "id"),
					Name:        str(cmd, "name"),
					Description: str(cmd, "description"),
					Settings:    settings,
				})
			})
		},
	}
	cmd.Flags().String("id", "", "tenant id")
	cmd.Flags().String("name", "", "display name")
	cmd.Flags().String("description", "", "description")
	cmd.Flags().String("settings", "", "settings as a JSON object")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func registerDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register-device",
		Short: "Register a device in a tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configuration, err := jsonFlag(cmd, "configuration")
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *api.Client) (any, error) {
				return c.RegisterDevice(ctx, api.RegisterDeviceRequest{
					TenantID:      str(cmd, "tenant"),
					ID:            str(cmd, "id"),
					Name:          str(cmd, "name"),
					DeviceType:    str(cmd, "type"),
					Description:   str(cmd, "description"),
					Location:      str(cmd, "location"),
					Configuration: configuration,
				})
			})
		},
	}
	cmd.Flags().String("tenant", "", "tenant id")
	cmd.Flags().String("id", "", "device id")
	cmd.Flags().String("name", "", "display name")
	cmd.Flags().String("type", "", "device type")
	cmd.Flags().String("description", "", "description")
	cmd.Flags().String("location", "", "location")
	cmd.Flags().String("configuration", "", `configuration as a JSON object, e.g. {"thresholds":{"temperature":85}}`)
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func addCommandFlags(cmd *cobra.Command) {
	cmd.Flags().String("tenant", "", "tenant id")
	cmd.Flags().String("command", "", "command name")
	cmd.Flags().String("params", "", "parameters as a JSON object")
	cmd.Flags().String("from", "", "issuing user")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("command")
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a command to one device",
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := jsonFlag(cmd, "params")
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *api.Client) (any, error) {
				return c.SendCommand(ctx, commands.SendRequest{
					TenantID:   str(cmd, "tenant"),
					DeviceID:   str(cmd, "device"),
					Command:    str(cmd, "command"),
					Parameters: params,
					FromUser:   str(cmd, "from"),
				})
			})
		},
	}
	addCommandFlags(cmd)
	cmd.Flags().String("device", "", "device id")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func bulkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Send a command to several devices as a background job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := jsonFlag(cmd, "params")
			if err != nil {
				return err
			}
			devices, _ := cmd.Flags().GetStringSlice("devices")
			return withClient(cmd, func(ctx context.Context, c *api.Client) (any, error) {
				return c.SendBulkCommand(ctx, commands.BulkRequest{
					TenantID:   str(cmd, "tenant"),
					DeviceIDs:  devices,
					Command:    str(cmd, "command"),
					Parameters: params,
					FromUser:   str(cmd, "from"),
				})
			})
		},
	}
	addCommandFlags(cmd)
	cmd.Flags().StringSlice("devices", nil, "device ids")
	_ = cmd.MarkFlagRequired("devices")
	return cmd
}

func broadcastCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Broadcast a command to every device of a tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := jsonFlag(cmd, "params")
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *api.Client) (any, error) {
				return c.BroadcastCommand(ctx, api.BroadcastRequest{
					TenantID:   str(cmd, "tenant"),
					Command:    str(cmd, "command"),
					Parameters: params,
					FromUser:   str(cmd, "from"),
				})
			})
		},
	}
	addCommandFlags(cmd)
	return cmd
}

func getCommandCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "command",
		Short: "Show a command and its response",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, c *api.Client) (any, error) {
				return c.GetCommand(ctx, str(cmd, "tenant"), str(cmd, "id"))
			})
		},
	}
	cmd.Flags().String("tenant", "", "tenant id")
	cmd.Flags().String("id", "", "command id")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Show a background job result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			wait, _ := cmd.Flags().GetDuration("wait")
			return withClient(cmd, func(ctx context.Context, c *api.Client) (any, error) {
				return pollTask(ctx, c, str(cmd, "id"), wait)
			})
		},
	}
	cmd.Flags().String("id", "", "task id")
	cmd.Flags().Duration("wait", 0, "poll until the job finishes or this long has passed")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func pollTask(ctx context.Context, c *api.Client, id string, wait time.Duration) (tasks.Result, error) {
	deadline := time.Now().Add(wait)
	for {
		res, err := c.GetTaskResult(ctx, id)
		if err != nil {
			return res, err
		}
		done := res.Status == tasks.StatusCompleted || res.Status == tasks.StatusFailed
		if done || time.Now().After(deadline) {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return res, nil
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func alertCmd(use, short string, call func(*api.Client, context.Context, string, string) (*store.Alert, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, c *api.Client) (any, error) {
				return call(c, ctx, str(cmd, "tenant"), str(cmd, "id"))
			})
		},
	}
	cmd.Flags().String("tenant", "", "tenant id")
	cmd.Flags().String("id", "", "alert id")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func healthCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health-check",
		Short: "Trigger a health check for a tenant, or a fleet sweep without --tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, c *api.Client) (any, error) {
				return c.TriggerHealthCheck(ctx, str(cmd, "tenant"))
			})
		},
	}
	cmd.Flags().String("tenant", "", "tenant id (empty sweeps every tenant)")
	return cmd
}
