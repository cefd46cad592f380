package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// approval mirrors the API's pending approval shape.
type approval struct {
	ID         string    `json:"id"`
	RunID      int64     `json:"run_id"`
	Stage      string    `json:"stage"`
	Prompt     string    `json:"prompt"`
	Responders []string  `json:"responders"`
	Deadline   time.Time `json:"deadline"`
}

// newApprovalsCmd creates the approvals command
func newApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List promotions awaiting a decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, base, err := apiClient(cmd)
			if err != nil {
				return err
			}

			resp, err := client.Get(base + "/api/approvals")
			if err != nil {
				return fmt.Errorf("query approvals (is a run serving the API?): %w", err)
			}
			defer func() { _ = resp.Body.Close() }()

			var pending []approval
			if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
				return fmt.Errorf("decode approvals: %w", err)
			}

			if jsonOut {
				return printJSON(pending)
			}
			if len(pending) == 0 {
				fmt.Println("No pending approvals.")
				return nil
			}
			for _, a := range pending {
				fmt.Printf("%s  run %d  stage %s\n", a.ID, a.RunID, a.Stage)
				if a.Prompt != "" {
					fmt.Printf("    %s\n", a.Prompt)
				}
				fmt.Printf("    expires %s\n", a.Deadline.Local().Format(time.RFC822))
			}
			return nil
		},
	}
	addServerFlag(cmd)
	return cmd
}

// newApproveCmd creates the approve command
func newApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a pending promotion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolve(cmd, args[0], "approve")
		},
	}
	cmd.Flags().String("responder", "", "who is deciding")
	cmd.Flags().String("reason", "", "decision note")
	addServerFlag(cmd)
	return cmd
}

// newRejectCmd creates the reject command
func newRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <request-id>",
		Short: "Reject a pending promotion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolve(cmd, args[0], "reject")
		},
	}
	cmd.Flags().String("responder", "", "who is deciding")
	cmd.Flags().String("reason", "", "decision note")
	addServerFlag(cmd)
	return cmd
}

func resolve(cmd *cobra.Command, id, action string) error {
	client, base, err := apiClient(cmd)
	if err != nil {
		return err
	}

	responder, _ := cmd.Flags().GetString("responder")
	reason, _ := cmd.Flags().GetString("reason")
	body, _ := json.Marshal(map[string]string{"responder": responder, "reason": reason})

	resp, err := client.Post(base+"/api/approvals/"+id+"/"+action, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s approval: %w", action, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("no pending approval with id %s", id)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s approval: server returned %d", action, resp.StatusCode)
	}

	if action == "approve" {
		fmt.Printf("✅ Approval %s granted\n", id)
	} else {
		fmt.Printf("❌ Approval %s rejected\n", id)
	}
	return nil
}

func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "API address (default from config)")
}

func apiClient(cmd *cobra.Command) (*http.Client, string, error) {
	addr, _ := cmd.Flags().GetString("server")
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, "", err
		}
		addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	return &http.Client{Timeout: 10 * time.Second}, "http://" + addr, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
