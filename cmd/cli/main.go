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

	"snow-script-runner/internal/script"
)

var (
	serverURL   string
	apiKey      string
	timeoutMs   int
	description string
	runAsUser   string
	autoConfirm bool
	confirmed   bool
)

func main() {
	root := &cobra.Command{
		Use:   "snow-cli",
		Short: "CLI client for snow-script-runner",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SNOW_RUNNER_API_KEY"), "API key")

	// Execute command
	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute an ES5 script on the instance (reads stdin when no argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().IntVar(&timeoutMs, "timeout-ms", 30000, "How long to wait for completion")
	execCmd.Flags().StringVar(&description, "description", "", "Purpose of the script")
	execCmd.Flags().StringVar(&runAsUser, "run-as", "", "User to run the script as")
	execCmd.Flags().BoolVar(&autoConfirm, "auto-confirm", false, "Skip the high-risk confirmation gate")
	execCmd.Flags().BoolVar(&confirmed, "confirmed", false, "Confirm a previously held high-risk script")
	root.AddCommand(execCmd)

	// Execute from file
	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute a script from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().IntVar(&timeoutMs, "timeout-ms", 30000, "How long to wait for completion")
	execFileCmd.Flags().StringVar(&description, "description", "", "Purpose of the script")
	execFileCmd.Flags().StringVar(&runAsUser, "run-as", "", "User to run the script as")
	execFileCmd.Flags().BoolVar(&autoConfirm, "auto-confirm", false, "Skip the high-risk confirmation gate")
	execFileCmd.Flags().BoolVar(&confirmed, "confirmed", false, "Confirm a previously held high-risk script")
	root.AddCommand(execFileCmd)

	// Local checks only, no server or instance involved
	root.AddCommand(&cobra.Command{
		Use:   "check [file]",
		Short: "Lint a script for ES5 violations and assess its risk locally",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCheck,
	})

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	// List executions
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE:  runList,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func readCodeArg(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

func runExec(cmd *cobra.Command, args []string) error {
	code, err := readCodeArg(args)
	if err != nil {
		return err
	}
	return executeCode(code)
}

func runExecFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	return executeCode(string(data))
}

func runCheck(cmd *cobra.Command, args []string) error {
	var code string
	if len(args) > 0 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		code = string(data)
	} else {
		var err error
		code, err = readCodeArg(nil)
		if err != nil {
			return err
		}
	}

	report := map[string]any{
		"violations": script.Check(code),
		"assessment": script.Assess(code),
	}
	formatted, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(formatted))

	if len(script.Check(code)) > 0 {
		os.Exit(1)
	}
	return nil
}

func executeCode(code string) error {
	payload := map[string]any{
		"code":         code,
		"description":  description,
		"timeout":      timeoutMs,
		"run_as_user":  runAsUser,
		"auto_confirm": autoConfirm,
		"confirmed":    confirmed,
	}

	body, _ := json.Marshal(payload)

	req, err := http.NewRequest("POST", serverURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	// Longer than the server-side max pipeline timeout.
	client := &http.Client{Timeout: 6 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	// Pretty print
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if success, ok := result["success"].(bool); ok && !success {
		os.Exit(1)
	}

	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func runList(_ *cobra.Command, _ []string) error {
	req, _ := http.NewRequest("GET", serverURL+"/executions", nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}
