package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	ansCmd "ans/internal/ans/cmd"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ans-server",
		Short: "Agent Name Service",
		Long: `Agent Name Service - a security-first directory for AI agents.

Agents register under structured names, obtain an X.509 identity
certificate from the in-system Certificate Authority, and are later
discovered by clients who receive a signed endpoint record they can
verify offline against the registry's certificate chain.

API Endpoints:
  POST /register         - Submit a registration request
  POST /renew            - Renew an agent's certificate
  POST /revoke           - Revoke a certificate by serial
  POST /resolve          - Resolve an ans_name (optionally version-ranged)
  GET  /agents           - List registered agents
  GET  /protocols        - List supported protocol adapters
  GET  /ocsp/{serial}    - Query certificate status
  POST /ocsp             - Query certificate status
  GET  /ca/certificate   - Fetch the root CA certificate (PEM)
  POST /verify           - Verify a previously-resolved endpoint record`,
	}

	rootCmd.AddCommand(ansCmd.NewStartCommand())
	rootCmd.AddCommand(ansCmd.NewHealthCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
