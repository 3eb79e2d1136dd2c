// Command testclient follows one interaction in the terminal, live over SSE
// with polling fallback.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/exkrishan/rtaafin-sub011/internal/models"
	"github.com/exkrishan/rtaafin-sub011/internal/observability/logging"
	"github.com/exkrishan/rtaafin-sub011/internal/viewer"
)

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func render(c *viewer.Client, interactionID string, rows int) {
	var b strings.Builder
	b.WriteString("\033[H\033[2J")
	fmt.Fprintf(&b, "Interaction %s  [%s]", interactionID, c.State())
	if c.Ended() {
		b.WriteString("  (call ended)")
	}
	b.WriteString("\n")
	if i := c.Intent(); i != nil {
		fmt.Fprintf(&b, "Intent: %s (%.2f)\n", i.Intent, i.Confidence)
	}
	b.WriteString(strings.Repeat("-", 60) + "\n")

	lines := c.History()
	if len(lines) > rows {
		lines = lines[len(lines)-rows:]
	}
	for _, l := range lines {
		marker := " "
		if l.Type == models.TranscriptPartial {
			marker = "~"
		}
		ts := time.UnixMilli(l.TimestampMs).Format("15:04:05")
		fmt.Fprintf(&b, "%s %s #%-4d %s\n", ts, marker, l.Seq, truncate(l.Text, 100))
	}
	fmt.Print(b.String())
}

func main() {
	baseURL := flag.String("server", "http://localhost:8080", "API base URL")
	interactionID := flag.String("interaction", "", "Interaction ID to follow")
	pollInterval := flag.Duration("poll", 2*time.Second, "Polling interval when live stream is unavailable")
	rows := flag.Int("rows", 30, "Transcript lines to show")
	flag.Parse()

	if *interactionID == "" {
		log.Fatal("-interaction is required")
	}

	// Keep client logs out of the rendered screen.
	logging.Init(logging.Config{Level: "error", Format: "console", TimeFormat: time.RFC3339})

	c := viewer.New(viewer.Config{
		BaseURL:       *baseURL,
		InteractionID: *interactionID,
		PollInterval:  *pollInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	for {
		select {
		case <-c.Updates():
			render(c, *interactionID, *rows)
		case err := <-done:
			render(c, *interactionID, *rows)
			if err != nil && !errors.Is(err, viewer.ErrCallEnded) && !errors.Is(err, context.Canceled) {
				log.Fatalf("Viewer stopped: %v", err)
			}
			return
		}
	}
}
