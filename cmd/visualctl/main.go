// visualctl is the operator CLI for the visual streaming service: start
// and cancel sessions, inspect them, and watch a live stream from the
// terminal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/visualcore/backend/pkg/client"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	base := os.Getenv("VISUALCORE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	vc := client.New(client.Config{
		BaseURL: base,
		OwnerID: os.Getenv("VISUALCORE_OWNER_ID"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch os.Args[1] {
	case "run":
		cmdRun(ctx, vc)
	case "sessions":
		cmdSessions(ctx, vc)
	case "status":
		cmdStatus(ctx, vc)
	case "cancel":
		cmdCancel(ctx, vc)
	case "watch":
		cmdWatch(ctx, vc)
	case "key":
		cmdKey(ctx, vc)
	case "version":
		fmt.Printf("visualctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`visualctl v` + version + `

Usage: visualctl <command> [args]

Commands:
  run       Start a session (--owner id, --workflow file.json, --visible)
  sessions  List sessions on the pod
  status    Show one session: visualctl status <session-id>
  cancel    Tear a session down: visualctl cancel <session-id>
  watch     Stream a session's events to the terminal: visualctl watch <session-id>
  key       Print the storage-state wrapping key
  version   Print version
  help      Show this help

Environment:
  VISUALCORE_URL        Service URL (default: http://localhost:8080)
  VISUALCORE_OWNER_ID   Owner id for storage-state calls

Examples:
  visualctl run --owner acct-42
  visualctl run --workflow checkout.json --visible
  visualctl watch visual-5f2a...`)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func sessionArg() string {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: visualctl %s <session-id>\n", os.Args[1])
		os.Exit(1)
	}
	return os.Args[2]
}

// ----------------------------------------------------------------
// run
// ----------------------------------------------------------------

func cmdRun(ctx context.Context, vc *client.Client) {
	var owner, workflowPath string
	visible := false

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--owner", "-o":
			i++
			if i < len(args) {
				owner = args[i]
			}
		case "--workflow", "-w":
			i++
			if i < len(args) {
				workflowPath = args[i]
			}
		case "--visible":
			visible = true
		}
	}

	req := client.RunRequest{OwnerID: owner}
	if workflowPath != "" {
		data, err := os.ReadFile(workflowPath)
		if err != nil {
			fatal(err)
		}
		req.Workflow = json.RawMessage(data)
	}
	if visible {
		headless := false
		req.Headless = &headless
	}

	run, err := vc.RunWorkflow(ctx, req)
	if err != nil {
		fatal(err)
	}

	fmt.Printf("Session:  %s\n", run.SessionID)
	fmt.Printf("Stream:   %s\n", run.StreamURL)
	fmt.Printf("Control:  %s\n", run.ControlURL)
	fmt.Printf("Status:   %s\n", run.StatusURL)
}

// ----------------------------------------------------------------
// sessions / status / cancel
// ----------------------------------------------------------------

func cmdSessions(ctx context.Context, vc *client.Client) {
	sessions, err := vc.Sessions(ctx)
	if err != nil {
		fatal(err)
	}
	if len(sessions) == 0 {
		fmt.Println("No active sessions.")
		return
	}

	fmt.Printf("%-45s %-12s %8s %10s %s\n", "SESSION", "PHASE", "VIEWERS", "EVENTS", "AGE")
	fmt.Println("--------------------------------------------------------------------------------------")
	for _, s := range sessions {
		fmt.Printf("%-45s %-12s %8d %10d %s\n",
			s.SessionID, s.Phase, s.Stream.ConnectedClients, s.Stream.EventsProcessed,
			time.Since(s.CreatedAt).Round(time.Second))
	}
}

func cmdStatus(ctx context.Context, vc *client.Client) {
	status, err := vc.Status(ctx, sessionArg())
	if err != nil {
		fatal(err)
	}

	fmt.Printf("Session:    %s\n", status.SessionID)
	fmt.Printf("Phase:      %s", status.Phase)
	if status.Degraded {
		fmt.Print("  (degraded)")
	}
	fmt.Println()
	if status.Failure != "" {
		fmt.Printf("Failure:    %s\n", status.Failure)
	}
	if status.OwnerID != "" {
		fmt.Printf("Owner:      %s\n", status.OwnerID)
	}
	if status.Workflow != "" {
		fmt.Printf("Workflow:   %s\n", status.Workflow)
	}
	fmt.Printf("Created:    %s\n", status.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Ready:      %v\n", status.Stream.StreamingReady)
	fmt.Printf("Viewers:    %d\n", status.Stream.ConnectedClients)
	fmt.Printf("Events:     %d buffered=%d rate=%.1f/s\n",
		status.Stream.EventsProcessed, status.Stream.EventsBuffered, status.Stream.EventsPerSecond)
	fmt.Printf("Stream URL: %s\n", status.StreamURL)
}

func cmdCancel(ctx context.Context, vc *client.Client) {
	id := sessionArg()
	if err := vc.Cancel(ctx, id); err != nil {
		fatal(err)
	}
	fmt.Printf("Cancelling %s\n", id)
}

// ----------------------------------------------------------------
// watch
// ----------------------------------------------------------------

func cmdWatch(ctx context.Context, vc *client.Client) {
	id := sessionArg()

	viewer, err := vc.OpenStream(ctx, id, &client.StreamOptions{
		OnReset: func(base uint64) {
			fmt.Printf("--- stream re-anchored at seq %d ---\n", base)
		},
		OnError: func(errorType, message string) {
			fmt.Fprintf(os.Stderr, "protocol error: %s: %s\n", errorType, message)
		},
	})
	if err != nil {
		fatal(err)
	}
	defer viewer.Close()

	fmt.Printf("Watching %s (ctrl-c to stop)\n", viewer.SessionID())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-viewer.Events():
			if !ok {
				if err := viewer.Err(); err != nil {
					fatal(err)
				}
				return
			}
			kind := "incremental"
			if ev.Metadata.IsSnapshot {
				kind = "SNAPSHOT"
			}
			fmt.Printf("seq=%-8d %-12s %6dB  %s\n",
				ev.SequenceID, kind, len(ev.Event), ev.Metadata.OriginURL)
		}
	}
}

// ----------------------------------------------------------------
// key
// ----------------------------------------------------------------

func cmdKey(ctx context.Context, vc *client.Client) {
	key, err := vc.PublicKey(ctx)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("KID: %s\nAlg: %s\n\n%s", key.KID, key.Alg, key.PEM)
}
