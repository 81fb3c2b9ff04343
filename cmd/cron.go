package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/gateway/pkg/protocol"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs on the running gateway",
	}
	cmd.AddCommand(cronListCmd(), cronAddCmd(), cronRemoveCmd(), cronRunCmd())
	return cmd
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway()
			if err != nil {
				return err
			}
			defer client.close()

			resp, err := client.call(protocol.MethodCronList, map[string]interface{}{}, 10*time.Second)
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			out, _ := json.MarshalIndent(resp.Payload, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func cronAddCmd() *cobra.Command {
	var name, expr, text, channel, to, agentID string
	var everyMin int

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway()
			if err != nil {
				return err
			}
			defer client.close()

			job := map[string]interface{}{
				"name":    name,
				"agentId": agentID,
				"enabled": true,
			}
			switch {
			case expr != "":
				job["schedule"] = map[string]interface{}{"kind": "cron", "expr": expr}
			case everyMin > 0:
				job["schedule"] = map[string]interface{}{"kind": "every", "everyMs": everyMin * 60_000}
			default:
				return fmt.Errorf("one of --expr or --every is required")
			}
			if channel != "" {
				job["sessionTarget"] = "direct"
				job["payload"] = map[string]interface{}{"kind": "message", "text": text, "channel": channel, "to": to}
			} else {
				job["sessionTarget"] = "agent"
				job["payload"] = map[string]interface{}{"kind": "systemEvent", "text": text}
			}

			resp, err := client.call(protocol.MethodCronAdd, job, 10*time.Second)
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			out, _ := json.Marshal(resp.Payload)
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&expr, "expr", "", "cron expression (5-field)")
	cmd.Flags().IntVar(&everyMin, "every", 0, "interval in minutes")
	cmd.Flags().StringVar(&text, "text", "", "event or message text")
	cmd.Flags().StringVar(&channel, "channel", "", "deliver directly via this channel (message payload)")
	cmd.Flags().StringVar(&to, "to", "", "recipient chat id (with --channel)")
	cmd.Flags().StringVar(&agentID, "agent", "", "target agent id")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cronSimpleCall(protocol.MethodCronRemove, args[0])
		},
	}
}

func cronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Fire a job immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cronSimpleCall(protocol.MethodCronRun, args[0])
		},
	}
}

func cronSimpleCall(method, id string) error {
	client, err := dialGateway()
	if err != nil {
		return err
	}
	defer client.close()

	resp, err := client.call(method, map[string]interface{}{"id": id}, 10*time.Second)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	fmt.Println("ok")
	return nil
}
