package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 18
	statusIndent     = "  "
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := ctx.apiClient()
			if err != nil {
				return err
			}
			status, err := cli.Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			runningKind := statusOK
			runningMsg := fmt.Sprintf("pid %d", status.PID)
			if !status.Running {
				runningKind = statusWarn
				runningMsg = "not processing"
			}
			fmt.Fprintln(out, renderStatusLine("Daemon", runningKind, runningMsg, colorize))
			fmt.Fprintln(out, renderStatusLine("Registry DB", statusInfo, status.RegistryDBPath, colorize))
			fmt.Fprintln(out, renderStatusLine("Queue DB", statusInfo, status.QueueDBPath, colorize))

			queueKind := statusOK
			if status.Queue.Errored > 0 {
				queueKind = statusWarn
			}
			fmt.Fprintln(out, renderStatusLine("Queue", queueKind, fmt.Sprintf(
				"%d total, %d queued, %d in flight, %d completed, %d errored",
				status.Queue.Total, status.Queue.Queued, status.Queue.InFlight,
				status.Queue.Completed, status.Queue.Errored,
			), colorize))

			if len(status.ReviewFlags) > 0 {
				for _, flag := range status.ReviewFlags {
					fmt.Fprintln(out, renderStatusLine("Review", statusError,
						flag.HandlerID+": "+flag.Reason, colorize))
				}
			}
			return nil
		},
	}
}

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := "[" + statusKindLabel(kind) + "]"
	if message != "" {
		statusText += " " + message
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func formatCount(n int) string {
	return strconv.Itoa(n)
}

func truncate(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max-3]) + "..."
}
