package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/gateway/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var sessionKey string
	var thinking string
	var timeoutSec int

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message to an agent through the running gateway",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway()
			if err != nil {
				return err
			}
			defer client.close()

			message := args[0]
			resp, err := client.call(protocol.MethodChatSend, map[string]interface{}{
				"sessionKey":     sessionKey,
				"message":        message,
				"thinking":       thinking,
				"idempotencyKey": fmt.Sprintf("cli-%d", time.Now().UnixNano()),
			}, 30*time.Second)
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}

			var started struct {
				RunID  string `json:"runId"`
				Status string `json:"status"`
			}
			remarshal(resp.Payload, &started)
			if started.RunID == "" {
				// Directive-only message: nothing to stream.
				return nil
			}

			// Stream this run's deltas until a terminal state arrives.
			deadline := time.After(time.Duration(timeoutSec) * time.Second)
			for {
				select {
				case ev := <-client.events:
					if ev.Event != protocol.EventChat {
						continue
					}
					var delta struct {
						RunID   string `json:"runId"`
						State   string `json:"state"`
						Kind    string `json:"kind"`
						Message string `json:"message"`
						Error   string `json:"errorMessage"`
					}
					remarshal(ev.Payload, &delta)
					if delta.RunID != started.RunID {
						continue
					}
					switch delta.State {
					case protocol.RunFinal:
						fmt.Println(delta.Message)
						return nil
					case protocol.RunError:
						return fmt.Errorf("run failed: %s", delta.Error)
					case protocol.RunAborted:
						return fmt.Errorf("run aborted: %s", delta.Error)
					default:
						if delta.Kind == protocol.DeltaText && delta.Message != "" {
							fmt.Print(delta.Message)
						}
					}
				case <-deadline:
					return fmt.Errorf("timed out waiting for run %s", started.RunID)
				}
			}
		},
	}

	cmd.Flags().StringVar(&sessionKey, "session", "agent:main:main", "target session key")
	cmd.Flags().StringVar(&thinking, "thinking", "", "thinking level for this turn")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 300, "seconds to wait for the final reply")
	return cmd
}

// remarshal converts an interface{} payload into a concrete shape via JSON.
func remarshal(payload interface{}, into interface{}) {
	if payload == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	json.Unmarshal(b, into)
}
