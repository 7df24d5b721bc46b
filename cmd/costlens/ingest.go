package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/janekbaraniewski/costlens/internal/backend"
	"github.com/janekbaraniewski/costlens/internal/config"
	"github.com/spf13/cobra"
)

func newIngestCommand(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Submit usage events to the daemon",
		Long:  "Reads a JSON array of usage events (or an object with an \"events\" array) from a file or stdin and submits it for ingestion.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var reader io.Reader = os.Stdin
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				reader = f
			}

			data, err := io.ReadAll(reader)
			if err != nil {
				return fmt.Errorf("reading events: %w", err)
			}

			events, err := decodeEvents(data)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("no events to ingest")
				return nil
			}

			client := backend.NewClient(socketPath(cfg))
			n, err := client.IngestUsage(cmd.Context(), events)
			if err != nil {
				return err
			}
			fmt.Printf("ingested %d events\n", n)
			return nil
		},
	}
	return cmd
}

func decodeEvents(data []byte) ([]backend.IngestEvent, error) {
	var wrapped struct {
		Events []backend.IngestEvent `json:"events"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Events) > 0 {
		return stampDefaults(wrapped.Events), nil
	}

	var bare []backend.IngestEvent
	if err := json.Unmarshal(data, &bare); err != nil {
		return nil, fmt.Errorf("parsing events: %w", err)
	}
	return stampDefaults(bare), nil
}

func stampDefaults(events []backend.IngestEvent) []backend.IngestEvent {
	now := time.Now().UTC()
	for i := range events {
		if events[i].OccurredAt.IsZero() {
			events[i].OccurredAt = now
		}
	}
	return events
}
