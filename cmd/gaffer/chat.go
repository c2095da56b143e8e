package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/gaffer/config"
	"github.com/mohammad-safakhou/gaffer/internal/agent/core"
	srv "github.com/mohammad-safakhou/gaffer/internal/server"
	"github.com/spf13/cobra"
)

func chatCMD() *cobra.Command {
	var sessionID string
	var verbose bool
	var chat = &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the assistant from the terminal",
		Long:  "Runs one turn for the given message, or reads messages from stdin line by line when none is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.General)
			if err != nil {
				return err
			}
			if !verbose {
				logger.SetOutput(io.Discard)
			}
			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if sessionID == "" {
				sessionID = "cli-" + uuid.NewString()
			}
			ctx := core.WithRoute(cmd.Context(), "cli")
			out := cmd.OutOrStdout()
			if len(args) > 0 {
				return say(ctx, a.orch, out, sessionID, strings.Join(args, " "))
			}
			scanner := bufio.NewScanner(cmd.InOrStdin())
			fmt.Fprint(out, "> ")
			for scanner.Scan() {
				if line := strings.TrimSpace(scanner.Text()); line != "" {
					if err := say(ctx, a.orch, out, sessionID, line); err != nil {
						return err
					}
				}
				fmt.Fprint(out, "> ")
			}
			return scanner.Err()
		},
	}
	chat.Flags().StringVar(&sessionID, "session", "", "session id (default: a new one per run)")
	chat.Flags().BoolVarP(&verbose, "verbose", "v", false, "print logs to stderr")
	return chat
}

func say(ctx context.Context, runner srv.TurnRunner, out io.Writer, sessionID, message string) error {
	res, err := runner.RunTurn(ctx, sessionID, message)
	if err != nil {
		if core.IsFatal(err) || errors.Is(err, context.DeadlineExceeded) {
			fmt.Fprintln(out, srv.Apology)
		}
		return err
	}
	fmt.Fprintln(out, res.Reply)
	if res.Unresolved {
		fmt.Fprintln(out, "(unresolved)")
	}
	return nil
}
