package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply an intent file",
	Long: `Apply declares every service in an intent file against a running
controller and kicks a convergence pass.

Example intent file:

  services:
    - name: web
      host: example.com
      target: localhost:3000
      ssl: true
    - name: api
      host: example.com
      path_prefix: /api
      target: localhost:4000`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "Intent file to apply (required)")
	applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	admin, _ := cmd.Flags().GetString("admin")

	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read intent file: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(adminURL(admin, "/v1/apply"), "application/yaml", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to reach controller: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("apply rejected: %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	fmt.Printf("Applied %s\n", file)
	return nil
}

func adminURL(addr, path string) string {
	return "http://" + addr + path
}
