package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"trackd/internal/app"
	"trackd/internal/config"
)

var (
	verbose     bool
	controlAddr string
)

func main() {
	root := &cobra.Command{
		Use:           "trackd",
		Short:         "Work session tracking agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	root.PersistentFlags().StringVar(&controlAddr, "addr", "127.0.0.1:7420", "control API address of the running agent")

	root.AddCommand(runCmd(), startCmd(), stopCmd(), statusCmd(), loginCmd(), logoutCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the tracking agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			slog.SetDefault(logger)

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, logger, cfg)
			if err != nil {
				return err
			}
			logger.Info("agent starting", slog.String("api_url", cfg.APIURL), slog.String("control_addr", cfg.ControlAddr))
			return application.Run(ctx)
		},
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start tracking on the running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := callControl(http.MethodPost, "/start", nil)
			if err != nil {
				return err
			}
			fmt.Println("tracking started")
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop tracking on the running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := callControl(http.MethodPost, "/stop", nil)
			if err != nil {
				return err
			}
			fmt.Println("tracking stopped")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running agent's tracking status",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := callControl(http.MethodGet, "/status", nil)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func loginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate the running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"email": email, "password": password}
			out, err := callControl(http.MethodPost, "/login", body)
			if err != nil {
				return err
			}
			fmt.Printf("logged in as user %v\n", out["user_id"])
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log the running agent out and clear credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := callControl(http.MethodPost, "/logout", nil)
			if err != nil {
				return err
			}
			fmt.Println("logged out")
			return nil
		},
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// callControl performs one request against the local control API and decodes
// the JSON reply.
func callControl(method, path string, body any) (map[string]any, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, "http://"+controlAddr+path, reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reaching agent at %s (is it running?): %w", controlAddr, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding agent reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if msg, ok := out["error"].(string); ok {
			return out, fmt.Errorf("%s", msg)
		}
		return out, fmt.Errorf("agent returned status %d", resp.StatusCode)
	}
	return out, nil
}
