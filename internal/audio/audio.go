// Package audio wraps the command-line tools used to inspect, cut and
// assemble media: soxi, mp3splt and pandoc.
package audio

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rpggio/scribe/internal/fault"
)

// Info describes an audio file as reported by soxi.
type Info struct {
	Duration float64
	Channels int
	Type     string
	Encoding string
}

// Validate accepts only single channel Ogg Vorbis audio.
func (i Info) Validate() error {
	if i.Channels != 1 {
		return fault.BadRequest("Only single channel audio supported! Split channels into separate files.")
	}
	if !strings.Contains(strings.ToUpper(i.Type), "VORBIS") && !strings.Contains(strings.ToUpper(i.Encoding), "VORBIS") {
		return fault.BadRequest("Only OGG Vorbis audio supported! Re-encode audio file.")
	}
	return nil
}

func run(ctx context.Context, bin string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", filepath.Base(bin), strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Soxi probes audio files with sox's soxi.
type Soxi struct {
	Bin string
}

// Probe reads duration, channel count, file type and encoding.
func (s Soxi) Probe(ctx context.Context, path string) (Info, error) {
	var info Info
	out, err := run(ctx, s.Bin, "-D", path)
	if err != nil {
		return info, err
	}
	if info.Duration, err = strconv.ParseFloat(out, 64); err != nil {
		return info, fmt.Errorf("parse duration %q: %w", out, err)
	}
	out, err = run(ctx, s.Bin, "-c", path)
	if err != nil {
		return info, err
	}
	if info.Channels, err = strconv.Atoi(out); err != nil {
		return info, fmt.Errorf("parse channels %q: %w", out, err)
	}
	if info.Type, err = run(ctx, s.Bin, "-t", path); err != nil {
		return info, err
	}
	if info.Encoding, err = run(ctx, s.Bin, "-e", path); err != nil {
		return info, err
	}
	return info, nil
}

// SplitTime renders seconds in mp3splt's minutes.seconds notation,
// rounding seconds up.
func SplitTime(seconds float64) string {
	minutes := int(seconds / 60)
	rest := int(math.Ceil(seconds - float64(minutes)*60))
	return fmt.Sprintf("%d.%d", minutes, rest)
}

// Splitter cuts a time range out of an Ogg file with mp3splt.
type Splitter struct {
	Bin     string
	TempDir string
}

// Segment writes the range to a temporary file and returns its path.
// The caller removes the file.
func (s Splitter) Segment(ctx context.Context, path string, start, end float64) (string, error) {
	dir := s.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	name := "seg-" + uuid.NewString()
	if _, err := run(ctx, s.Bin, path, SplitTime(start), SplitTime(end), "-d", dir, "-o", name); err != nil {
		return "", err
	}
	return filepath.Join(dir, name+".ogg"), nil
}

// Pandoc converts HTML to a Word document.
type Pandoc struct {
	Bin string
	Dir string
}

// Assemble writes html to a docx file in the configured directory.
func (p Pandoc) Assemble(ctx context.Context, html []byte) (string, error) {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return "", fmt.Errorf("prepare document dir: %w", err)
	}
	base := filepath.Join(p.Dir, uuid.NewString())
	in := base + ".html"
	out := base + ".docx"
	if err := os.WriteFile(in, html, 0o644); err != nil {
		return "", fmt.Errorf("write document source: %w", err)
	}
	defer os.Remove(in)
	if _, err := run(ctx, p.Bin, "-f", "html", "-t", "docx", "-o", out, in); err != nil {
		return "", err
	}
	return out, nil
}
