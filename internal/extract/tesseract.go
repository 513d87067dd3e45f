package extract

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// TesseractEngine runs the tesseract CLI once per image. Each call is an
// independent process, so one engine may be shared by every worker.
type TesseractEngine struct {
	Binary  string
	Lang    string
	PSM     int
	Timeout time.Duration
}

var _ Engine = (*TesseractEngine)(nil)

// NewTesseractEngine checks that binary is runnable.
func NewTesseractEngine(binary, lang string) (*TesseractEngine, error) {
	if binary == "" {
		binary = "tesseract"
	}
	if lang == "" {
		lang = "eng"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("tesseract not available: %w", err)
	}
	return &TesseractEngine{Binary: binary, Lang: lang, PSM: 6, Timeout: 60 * time.Second}, nil
}

func (t *TesseractEngine) Name() string { return "tesseract" }

func (t *TesseractEngine) Recognize(ctx context.Context, image []byte) (string, map[string]string, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	args := []string{"stdin", "stdout", "-l", t.Lang, "--oem", "3"}
	if t.PSM > 0 {
		args = append(args, "--psm", fmt.Sprint(t.PSM))
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.Binary, args...)
	cmd.Stdin = bytes.NewReader(image)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", nil, fmt.Errorf("tesseract timed out: %w", ctx.Err())
		}
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", nil, fmt.Errorf("tesseract: %w: %s", err, detail)
		}
		return "", nil, fmt.Errorf("tesseract: %w", err)
	}

	return strings.TrimSpace(stdout.String()), map[string]string{"lang": t.Lang}, nil
}
