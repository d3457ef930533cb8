package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/zoptal/abkit/pkg/authsvc"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Probe the upstream auth service",
}

// authRequestCmd issues a single request through the configured client,
// with its retry and timeout behavior, and prints the raw response.
// Handy for checking credentials and connectivity before a deploy.
var authRequestCmd = &cobra.Command{
	Use:   "request <method> <path>",
	Short: "Issue a request to the auth service and print the response",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		method := strings.ToUpper(args[0])
		path := args[1]

		switch method {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
		default:
			return eris.Errorf("unsupported method %q", method)
		}

		client := authsvc.NewClient(cfg.Auth.BaseURL,
			authsvc.WithTimeout(cfg.Auth.Timeout()),
			authsvc.WithRetryAttempts(cfg.Auth.RetryAttempts),
			authsvc.WithCacheTTL(cfg.Auth.CacheTTL()),
			authsvc.WithTokenSource(func() string { return cfg.Auth.Token }),
		)

		body, err := client.Request(cmd.Context(), method, path, nil)
		if err != nil {
			return err
		}
		fmt.Println(string(body))
		return nil
	},
}

func init() {
	authCmd.AddCommand(authRequestCmd)
	rootCmd.AddCommand(authCmd)
}
