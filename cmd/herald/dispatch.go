package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// The dispatch loop runs inside the server process, so these commands go
// through the HTTP API instead of touching storage directly.

var dispatchServer string

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Control the running dispatch loop",
}

var dispatchStartCmd = &cobra.Command{
	Use:   "start <template_id>",
	Short: "Start dispatching to the selected recipients",
	Args:  cobra.ExactArgs(1),
	RunE:  runDispatchStart,
}

var dispatchStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running dispatch session",
	RunE:  runDispatchStop,
}

var dispatchStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dispatch progress",
	RunE:  runDispatchStatus,
}

func init() {
	dispatchCmd.PersistentFlags().StringVar(&dispatchServer, "server", "", "server base URL (default from config api.listen_addr)")

	dispatchCmd.AddCommand(dispatchStartCmd, dispatchStopCmd, dispatchStatusCmd)
	rootCmd.AddCommand(dispatchCmd)
}

func apiRequest(method, path string, body any) (*http.Response, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	base := dispatchServer
	if base == "" {
		addr := cfg.API.ListenAddr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		base = "http://" + addr
	}

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequest(method, base+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.API.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.API.APIKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

func runDispatchStart(cmd *cobra.Command, args []string) error {
	id, err := templateIDArg(args[0])
	if err != nil {
		return err
	}

	resp, err := apiRequest(http.MethodPost, "/api/v1/dispatch", map[string]int{"template_id": id})
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return apiError(resp)
	}

	fmt.Printf("Dispatch started with template %d\n", id)
	return nil
}

func runDispatchStop(cmd *cobra.Command, args []string) error {
	resp, err := apiRequest(http.MethodPost, "/api/v1/dispatch/stop", nil)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	fmt.Println("Dispatch stopped")
	return nil
}

func runDispatchStatus(cmd *cobra.Command, args []string) error {
	resp, err := apiRequest(http.MethodGet, "/api/v1/dispatch/status", nil)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var status struct {
		Running bool `json:"running"`
		Sent    int  `json:"sent"`
		Total   int  `json:"total"`
		Events  []struct {
			Message  string `json:"message"`
			Terminal bool   `json:"terminal"`
		} `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if status.Running {
		fmt.Printf("Dispatching: %d/%d sent\n", status.Sent, status.Total)
	} else {
		fmt.Println("Idle")
	}
	if n := len(status.Events); n > 0 {
		fmt.Printf("Last event: %s\n", status.Events[n-1].Message)
	}

	return nil
}
