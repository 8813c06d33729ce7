package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/cuemby/gatehouse/pkg/types"
	"github.com/spf13/cobra"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Manage proxy routes",
}

var routesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List applied proxy routes",
	RunE:  runRoutesList,
}

var routesRemoveCmd = &cobra.Command{
	Use:   "remove <host>",
	Short: "Remove a declared route",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoutesRemove,
}

func init() {
	routesRemoveCmd.Flags().String("path-prefix", "/", "Path prefix of the route to remove")

	routesCmd.AddCommand(routesListCmd)
	routesCmd.AddCommand(routesRemoveCmd)
	rootCmd.AddCommand(routesCmd)
}

func runRoutesList(cmd *cobra.Command, args []string) error {
	admin, _ := cmd.Flags().GetString("admin")

	var rows []types.ProxyRow
	if err := adminGet(admin, "/v1/routes", &rows); err != nil {
		return err
	}

	if len(rows) == 0 {
		fmt.Println("No routes applied")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tHOST\tPATH\tTARGET\tSTATE\tTLS")
	for _, row := range rows {
		tls := "no"
		if row.TLS {
			tls = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			row.Service, row.Host, row.Path, row.Target, row.State, tls)
	}
	return w.Flush()
}

func runRoutesRemove(cmd *cobra.Command, args []string) error {
	admin, _ := cmd.Flags().GetString("admin")
	prefix, _ := cmd.Flags().GetString("path-prefix")
	host := args[0]

	q := url.Values{}
	q.Set("host", host)
	q.Set("path_prefix", prefix)

	req, err := http.NewRequest(http.MethodDelete, adminURL(admin, "/v1/routes?"+q.Encode()), nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach controller: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("remove failed: %s: %s", resp.Status, body)
	}

	fmt.Printf("Removed route %s%s\n", host, prefix)
	return nil
}

func adminGet(addr, path string, out interface{}) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(adminURL(addr, path))
	if err != nil {
		return fmt.Errorf("failed to reach controller: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request failed: %s: %s", resp.Status, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
