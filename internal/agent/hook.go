package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agleyzer/segfetch/internal/resume"
	"github.com/agleyzer/segfetch/internal/segment"
)

// HookCommand is the subcommand name the hook script invokes.
const HookCommand = "hook"

// Complete finalizes one downloaded segment: the temporary chunk is renamed
// to its final name and only then is the id appended to the completed log.
// An empty tmpPath means the layout's temporary chunk path. A chunk that was
// already moved is still logged, so Complete can be repeated safely.
func Complete(layout resume.Layout, gid, tmpPath string) (int, error) {
	id, err := segment.ParseGID(gid)
	if err != nil {
		return 0, err
	}
	if tmpPath == "" {
		tmpPath = layout.ChunkTemp(id)
	}

	final := layout.Chunk(id)
	if err := os.Rename(tmpPath, final); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return id, fmt.Errorf("move chunk %d into place: %w", id, err)
		}
		if _, statErr := os.Stat(final); statErr != nil {
			return id, fmt.Errorf("chunk %d missing: %w", id, err)
		}
	}

	if err := resume.AppendCompleted(layout, id); err != nil {
		return id, err
	}
	return id, nil
}

// RunHook handles "hook <prefix> <gid> <file-count> <path>" as invoked by
// the agent through the hook script.
func RunHook(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s <prefix> <gid> [file-count] [path]", HookCommand)
	}
	layout := resume.Layout{Prefix: args[0]}
	var tmpPath string
	if len(args) >= 4 {
		tmpPath = args[3]
	}
	_, err := Complete(layout, args[1], tmpPath)
	return err
}

// writeHook creates the script the agent runs on every completed download.
// It re-enters this binary's hook subcommand for the job at prefix.
func writeHook(binary, prefix string) (string, error) {
	if strings.ContainsRune(binary, '\'') || strings.ContainsRune(prefix, '\'') {
		return "", fmt.Errorf("paths with single quotes are not supported: %q, %q", binary, prefix)
	}

	path := filepath.Join(os.TempDir(), fmt.Sprintf(".segfetch.%d.done.hook", os.Getpid()))
	_ = os.Remove(path)

	script := fmt.Sprintf("#!/bin/sh\nexec '%s' %s '%s' \"$@\"\n", binary, HookCommand, prefix)
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		return "", fmt.Errorf("write completion hook: %w", err)
	}
	return path, nil
}
