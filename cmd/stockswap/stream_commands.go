package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	natspkg "github.com/brojonat/stockswap/service/nats"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

func watchTradesCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Stream trade journal events via SSE",
		ArgsUsage: "[wallet_address]",
		Action: func(c *cli.Context) error {
			journalURL, err := requireJournalURL(c)
			if err != nil {
				return err
			}
			walletAddress := c.Args().First()
			jsonOutput := c.Bool("json")

			url := journalURL + "/api/v1/stream/trades"
			if walletAddress != "" {
				url += "/" + walletAddress
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Accept", "text/event-stream")

			// no timeout for streaming
			resp, err := (&http.Client{}).Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusNotFound {
				return fmt.Errorf("trade streaming is not enabled on this journal")
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned status %d", resp.StatusCode)
			}

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Streaming trades... (Ctrl+C to stop)\n\n")
			}

			err = readTradeStream(resp.Body, os.Stdout, jsonOutput)
			if ctx.Err() != nil {
				if !jsonOutput {
					fmt.Fprintf(os.Stderr, "\nDisconnected\n")
				}
				return nil
			}
			return err
		},
	}
}

// readTradeStream consumes SSE frames until the stream ends. Server
// "error" events end the stream with an error.
func readTradeStream(body io.Reader, out io.Writer, jsonOutput bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var currentEvent, currentData string

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if currentEvent != "" && currentData != "" {
				if err := handleTradeEvent(out, currentEvent, currentData, jsonOutput); err != nil {
					return err
				}
			}
			currentEvent, currentData = "", ""
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			currentData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return nil
}

func handleTradeEvent(out io.Writer, eventType, data string, jsonOutput bool) error {
	switch eventType {
	case "connected":
		if !jsonOutput {
			var info struct {
				Wallet string `json:"wallet"`
			}
			if err := json.Unmarshal([]byte(data), &info); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "✓ Subscribed to %s\n\n", info.Wallet)
		}
		return nil

	case natspkg.EventTradeRecorded, natspkg.EventTradeVerified, natspkg.EventTradeFailed:
		if jsonOutput {
			fmt.Fprintln(out, data)
			return nil
		}
		var event natspkg.TradeEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return err
		}
		printTradeEvent(out, event)
		return nil

	case "error":
		var errInfo struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &errInfo); err != nil {
			return err
		}
		return fmt.Errorf("server error: %s", errInfo.Error)

	default:
		return nil
	}
}

func printTradeEvent(out io.Writer, e natspkg.TradeEvent) {
	status := e.Status
	switch e.Type {
	case natspkg.EventTradeVerified:
		status = color.GreenString(status)
	case natspkg.EventTradeFailed:
		status = color.RedString(status)
	}

	fmt.Fprintf(out, "%s  %-4s %s %s for %s  [%s]\n",
		e.RecordedAt.Format(time.RFC3339),
		e.Direction,
		e.TokenAmount.String(),
		e.Symbol,
		e.QuoteAssetAmount.String(),
		status,
	)
	fmt.Fprintf(out, "  Wallet:    %s\n", e.WalletAddress)
	fmt.Fprintf(out, "  Signature: %s\n", e.TransactionSignature)
	if e.FailureReason != "" {
		fmt.Fprintf(out, "  Reason:    %s\n", e.FailureReason)
	}
	fmt.Fprintln(out)
}
