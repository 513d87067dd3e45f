package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/raphaelgruber/ocrbatch/internal/discovery"
	"github.com/raphaelgruber/ocrbatch/internal/extract"
	"github.com/raphaelgruber/ocrbatch/internal/models"
	"github.com/spf13/cobra"
)

const previewChars = 400

var showCmd = &cobra.Command{
	Use:   "show <path-or-id>",
	Short: "Show a file record with its attempt log and output",
	Long: `Show one file record, every attempt logged for it and the location of its
extracted text. Text stored on the local filesystem is previewed and checked
for signs of an OCR failure.

Examples:
  ocrbatch show /data/scans/letter-001.tif
  ocrbatch show 0b4c8f0e-4d7c-4a4b-9a53-8c3b1f0e2d11`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rec, err := lookupFile(ctx, args[0])
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("file not found: %s", args[0])
	}

	fmt.Printf("File: %s\n", rec.Path)
	fmt.Printf("  ID: %s\n", rec.ID)
	fmt.Printf("  Status: %s\n", rec.Status)
	fmt.Printf("  Attempts: %d\n", rec.Attempts)
	fmt.Printf("  Size: %d bytes (%s)\n", rec.SizeBytes, rec.Type)
	fmt.Printf("  Registered: %s\n", rec.RegisteredAt.Format(time.RFC3339))
	fmt.Printf("  Updated: %s\n", rec.UpdatedAt.Format(time.RFC3339))

	entries, err := store.AttemptLog(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("attempt log: %w", err)
	}
	if len(entries) > 0 {
		fmt.Printf("\nAttempt log (%d):\n", len(entries))
		for _, e := range entries {
			fmt.Printf("  #%d %-10s %6d ms %6d chars  %s\n",
				e.AttemptNumber, e.Outcome, e.ProcessingTimeMs, e.OutputLength, e.CreatedAt.Format(time.RFC3339))
			if e.ErrorDetail != nil && *e.ErrorDetail != "" {
				fmt.Printf("     error: %s\n", *e.ErrorDetail)
			}
			if verbose && len(e.EngineMetadata) > 0 {
				fmt.Printf("     metadata: %v\n", e.EngineMetadata)
			}
		}
	}

	out, err := store.Output(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("output: %w", err)
	}
	if out == nil {
		return nil
	}
	fmt.Println("\nOutput:")
	fmt.Printf("  Location: %s\n", out.ContentPointer)
	fmt.Printf("  Length: %d chars\n", out.ContentLength)
	fmt.Printf("  Produced: %s\n", out.ProducedAt.Format(time.RFC3339))

	if strings.Contains(out.ContentPointer, "://") {
		return nil
	}
	text, err := os.ReadFile(out.ContentPointer)
	if err != nil {
		fmt.Printf("  (text unavailable: %v)\n", err)
		return nil
	}
	q := extract.Assess(string(text))
	verdict := "ok"
	if q.Low {
		verdict = "low"
	}
	fmt.Printf("  Quality: %s (%s, confidence %.1f)\n", verdict, q.Reason, q.Confidence)
	fmt.Printf("\n%s\n", preview(string(text)))
	return nil
}

// lookupFile resolves an argument as a path first, then as a record id.
func lookupFile(ctx context.Context, arg string) (*models.FileRecord, error) {
	if canon, err := discovery.Canonicalize(arg); err == nil {
		rec, err := store.GetByPath(ctx, canon)
		if err != nil {
			return nil, fmt.Errorf("get file: %w", err)
		}
		if rec != nil {
			return rec, nil
		}
	}
	rec, err := store.Get(ctx, arg)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return rec, nil
}

func preview(text string) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= previewChars {
		return text
	}
	return string(r[:previewChars]) + "..."
}
