// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/your-org/wihy-client/internal/config"
	"github.com/your-org/wihy-client/internal/message"
	"github.com/your-org/wihy-client/internal/resilience"
	"github.com/your-org/wihy-client/internal/server"
	"github.com/your-org/wihy-client/internal/session"
)

// withApp builds the app for one command and closes it afterwards
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Failed to close cleanly", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}

func newServeCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local bridge API for UI clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if watch {
					err := config.WatchConfig(configPath, logger, func(next *config.Config) {
						level := parseLevel(next.Logging.Level)
						if level != logLevel.Level() {
							logLevel.SetLevel(level)
							logger.Info("Log level changed", zap.String("level", level.String()))
						}
					})
					if err != nil {
						return fmt.Errorf("failed to watch config: %w", err)
					}
				}
				return runServe(ctx, a, fmt.Sprintf(":%d", a.config.Server.Port))
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "reload the log level when the config file changes")
	return cmd
}

// runServe initializes the session and serves the bridge until ctx is done
func runServe(ctx context.Context, a *app, addr string) error {
	record, err := a.sessions.Initialize(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("Session ready",
		zap.String("session_id", record.SessionID),
		zap.Bool("is_authenticated", record.IsAuthenticated))

	unsubscribe := a.sessions.Subscribe(func(r session.Record) {
		if r.Throttled() {
			a.logger.Warn("Session throttled", zap.String("session_id", r.SessionID))
		}
	})
	defer unsubscribe()

	srv := server.New(a.sessions, a.auth, a.threads, a.health, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, addr)
	})
	g.Go(func() error {
		report := a.health.Check(gctx)
		a.logger.Info("Startup health report", zap.String("status", report.Status))
		return nil
	})
	return g.Wait()
}

func newAskCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ask <question...>",
		Short: "Ask a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return runAsk(ctx, a, cmd.OutOrStdout(), strings.Join(args, " "), asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the canonical message as JSON")
	return cmd
}

// runAsk resolves one question on a fresh thread
func runAsk(ctx context.Context, a *app, out io.Writer, question string, asJSON bool) error {
	if _, err := a.sessions.Initialize(ctx); err != nil {
		return err
	}

	msg, err := a.threads.Open().Send(ctx, question)
	if err != nil {
		if text := resilience.UserMessage(err); text != "" {
			fmt.Fprintln(out, text)
		}
		return err
	}

	if asJSON {
		return writeJSON(out, msg)
	}
	printMessage(out, msg)
	return nil
}

func printMessage(out io.Writer, msg *message.Canonical) {
	fmt.Fprintln(out, msg.Summary)
	if len(msg.Recommendations) > 0 {
		fmt.Fprintln(out, "\nRecommendations:")
		for _, r := range msg.Recommendations {
			fmt.Fprintf(out, "  - %s\n", r)
		}
	}
	if len(msg.Sources) > 0 {
		fmt.Fprintln(out, "\nSources:")
		for _, s := range msg.Sources {
			fmt.Fprintf(out, "  - %s\n", s)
		}
	}
	fmt.Fprintf(out, "\n(answered from %s)\n", msg.OriginTier)
}

func newSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return runSession(ctx, a, cmd.OutOrStdout())
			})
		},
	}
}

func runSession(ctx context.Context, a *app, out io.Writer) error {
	record, err := a.sessions.Initialize(ctx)
	if err != nil {
		return err
	}
	return writeJSON(out, server.SessionView{Session: record, Throttled: a.sessions.IsThrottled()})
}

func newLoginCmd() *cobra.Command {
	var token string
	var user session.User
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Remember an identity and switch to an authenticated session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return runLogin(ctx, a, cmd.OutOrStdout(), token, user)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token issued by the auth service")
	cmd.Flags().StringVar(&user.ID, "user", "", "user id to sign in as")
	cmd.Flags().StringVar(&user.Email, "email", "", "email of the --user identity")
	cmd.Flags().StringVar(&user.Name, "name", "", "display name of the --user identity")
	cmd.MarkFlagsMutuallyExclusive("token", "user")
	cmd.MarkFlagsOneRequired("token", "user")
	return cmd
}

func runLogin(ctx context.Context, a *app, out io.Writer, token string, user session.User) error {
	if _, err := a.sessions.Initialize(ctx); err != nil {
		return err
	}

	signedIn := &user
	if token != "" {
		u, err := a.auth.SignInWithToken(ctx, token)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		signedIn = u
	} else if err := a.auth.SignInAsUser(ctx, user); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	record, err := a.sessions.HandleAuthChange(ctx, signedIn)
	if err != nil {
		return err
	}
	return writeJSON(out, server.SessionView{Session: record, Throttled: record.Throttled()})
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the identity and start an anonymous session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return runLogout(ctx, a, cmd.OutOrStdout())
			})
		},
	}
}

func runLogout(ctx context.Context, a *app, out io.Writer) error {
	if _, err := a.sessions.Initialize(ctx); err != nil {
		return err
	}
	if err := a.auth.SignOut(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	record, err := a.sessions.HandleAuthChange(ctx, nil)
	if err != nil {
		return err
	}
	return writeJSON(out, server.SessionView{Session: record, Throttled: record.Throttled()})
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

func runConfig(out io.Writer, c *config.Config) error {
	if c == nil {
		return errors.New("no configuration loaded")
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(c.MaskSensitiveValues()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
