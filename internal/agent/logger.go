package agent

import (
	"bufio"
	"io"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// newAgentLogger creates the hclog.Logger that agent console output is
// forwarded to.
func newAgentLogger(w io.Writer, verbose bool) hclog.Logger {
	level := hclog.Info
	if verbose {
		level = hclog.Debug
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "aria2c",
		Level:  level,
		Output: w,
	})
}

// pipeLines logs every line read from r until it is closed. aria2c tags its
// console lines with [ERROR], [WARN] or [NOTICE].
func pipeLines(r io.Reader, logger hclog.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.Contains(line, "[ERROR]"):
			logger.Error(line)
		case strings.Contains(line, "[WARN]"):
			logger.Warn(line)
		case strings.Contains(line, "[NOTICE]"):
			logger.Info(line)
		default:
			logger.Debug(line)
		}
	}
}
