package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cuemby/gatehouse/pkg/api"
	"github.com/cuemby/gatehouse/pkg/certs"
	"github.com/spf13/cobra"
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Manage TLS certificates",
}

var certsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List certificate assignments",
	RunE:  runCertsList,
}

var certsGenerateCmd = &cobra.Command{
	Use:   "generate <host>",
	Short: "Generate a self-signed certificate for a host",
	Long: `Generate writes a self-signed certificate and private key for the
given host into the output directory. Useful for local development
where a public authority cannot validate the host.`,
	Args: cobra.ExactArgs(1),
	RunE: runCertsGenerate,
}

func init() {
	certsGenerateCmd.Flags().StringP("output", "o", ".", "Directory to write cert.pem and key.pem")
	certsGenerateCmd.Flags().Duration("validity", 365*24*time.Hour, "Certificate validity period")

	certsCmd.AddCommand(certsListCmd)
	certsCmd.AddCommand(certsGenerateCmd)
	rootCmd.AddCommand(certsCmd)
}

func runCertsList(cmd *cobra.Command, args []string) error {
	admin, _ := cmd.Flags().GetString("admin")

	var summaries []api.CertificateSummary
	if err := adminGet(admin, "/v1/certificates", &summaries); err != nil {
		return err
	}

	if len(summaries) == 0 {
		fmt.Println("No certificates assigned")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tSOURCE\tSTATE\tISSUER\tEXPIRES")
	for _, s := range summaries {
		expires := "-"
		if !s.NotAfter.IsZero() {
			expires = s.NotAfter.Format("2006-01-02")
		}
		issuer := s.Issuer
		if issuer == "" {
			issuer = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Host, s.Source, s.State, issuer, expires)
	}
	return w.Flush()
}

func runCertsGenerate(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	validity, _ := cmd.Flags().GetDuration("validity")
	host := args[0]

	m, err := certs.GenerateSelfSigned(host, validity)
	if err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}
	if err := certs.SaveMaterial(m, output); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	fmt.Printf("Wrote cert.pem and key.pem for %s to %s (expires %s)\n",
		host, output, m.NotAfter.Format("2006-01-02"))
	return nil
}
