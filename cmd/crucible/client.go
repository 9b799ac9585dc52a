package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/api"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an evaluation",
	Long: `Submit source code for evaluation. Code comes from --file or
--source; the command prints the assigned evaluation id.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		source, _ := cmd.Flags().GetString("source")
		file, _ := cmd.Flags().GetString("file")
		runtime, _ := cmd.Flags().GetString("runtime")
		timeout, _ := cmd.Flags().GetInt("timeout")
		priority, _ := cmd.Flags().GetString("priority")

		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read source file: %v", err)
			}
			source = string(data)
		}
		if source == "" {
			return fmt.Errorf("either --source or --file is required")
		}

		body, err := json.Marshal(api.SubmitRequest{
			Source:         source,
			Runtime:        runtime,
			TimeoutSeconds: timeout,
			Priority:       priority,
		})
		if err != nil {
			return err
		}

		var resp api.SubmitResponse
		if err := call(http.MethodPost, server+"/api/v1/evaluations", body, &resp); err != nil {
			return err
		}

		fmt.Println(resp.EvalID)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <eval-id>",
	Short: "Show an evaluation record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")

		var record json.RawMessage
		if err := call(http.MethodGet, server+"/api/v1/evaluations/"+args[0], nil, &record); err != nil {
			return err
		}

		var pretty bytes.Buffer
		if err := json.Indent(&pretty, record, "", "  "); err != nil {
			return err
		}
		fmt.Println(pretty.String())
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <eval-id>",
	Short: "Cancel an evaluation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")

		if err := call(http.MethodDelete, server+"/api/v1/evaluations/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Println("✓ Cancellation requested")
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{submitCmd, getCmd, cancelCmd} {
		cmd.Flags().String("server", "http://localhost:9090", "Crucible API address")
	}
	submitCmd.Flags().String("source", "", "Source code to evaluate")
	submitCmd.Flags().String("file", "", "Read source code from file")
	submitCmd.Flags().String("runtime", "py", "Runtime tag")
	submitCmd.Flags().Int("timeout", 60, "Evaluation timeout in seconds")
	submitCmd.Flags().String("priority", "normal", "Priority class (normal|high)")
}

func call(method, url string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
