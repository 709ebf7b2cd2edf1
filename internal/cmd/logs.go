package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/ccjk-org/ccjk/internal/fileutil"
)

// defaultLogLines is printed when -n is not given.
const defaultLogLines = 50

// CmdLogs creates the logs command: print or tail the daemon log.
func CmdLogs() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "logs",
			Short: "Print the daemon log",
			Long: `Print the last lines of the daemon log file.

With --follow the command keeps watching the file and streams appended
records, re-opening it after rotation.

Example:
  ccjk logs -n 100
  ccjk logs --follow
`,
			Args: cobra.NoArgs,
		}, logsFlags, runLogs,
	)
}

var logsFlags = []commandLineFlag{
	{name: "lines", shorthand: "n", defaultValue: strconv.Itoa(defaultLogLines), usage: "number of lines to print"},
	{name: "follow", shorthand: "f", usage: "keep watching the log and stream new lines", isBool: true},
}

func runLogs(ctx *Context, _ []string) error {
	logFile := ctx.Config.Paths.LogFile
	lines, err := ctx.Command.Flags().GetString("lines")
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(lines)
	if err != nil || n < 0 {
		return fmt.Errorf("invalid line count %q", lines)
	}
	follow, _ := ctx.Command.Flags().GetBool("follow")

	if !fileutil.FileExists(logFile) {
		if !follow {
			fmt.Printf("Log file %s does not exist yet\n", logFile)
			return nil
		}
	} else {
		tail, err := lastLines(logFile, n)
		if err != nil {
			return err
		}
		for _, line := range tail {
			fmt.Println(line)
		}
	}

	if !follow {
		return nil
	}
	return followFile(ctx, logFile)
}

// lastLines returns the trailing n lines of the file.
func lastLines(path string, n int) ([]string, error) {
	f, err := os.Open(path) // nolint:gosec
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if n == 0 {
			continue
		}
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, scanner.Text())
	}
	return ring, scanner.Err()
}

// followFile streams appended lines until the command context is cancelled.
// Rotation truncates or replaces the file; both cases restart from the top
// of the new file.
func followFile(ctx *Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	// Watch the directory: rotation removes and recreates the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch log directory: %w", err)
	}

	var (
		file   *os.File
		offset int64
	)
	defer func() {
		if file != nil {
			_ = file.Close()
		}
	}()

	reopen := func() error {
		if file != nil {
			_ = file.Close()
			file = nil
		}
		f, err := os.Open(path) // nolint:gosec
		if err != nil {
			return err
		}
		file = f
		offset = 0
		return nil
	}

	drain := func() {
		if file == nil {
			if err := reopen(); err != nil {
				return
			}
		}
		if info, err := file.Stat(); err == nil && info.Size() < offset {
			// Truncated in place.
			offset = 0
		}
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return
		}
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			fmt.Println(scanner.Text())
		}
		if pos, err := file.Seek(0, io.SeekCurrent); err == nil {
			offset = pos
		}
	}

	if fileutil.FileExists(path) {
		if err := reopen(); err == nil {
			if pos, err := file.Seek(0, io.SeekEnd); err == nil {
				offset = pos
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path {
				continue
			}
			switch {
			case event.Has(fsnotify.Create):
				if err := reopen(); err == nil {
					drain()
				}
			case event.Has(fsnotify.Write):
				drain()
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				if file != nil {
					_ = file.Close()
					file = nil
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("log watcher failed: %w", err)
		}
	}
}
