package objstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	deleteTimeout = 60 * time.Second
	statTimeout   = 30 * time.Second
)

// MCGateway shells out to the MinIO mc CLI. This matches the backup scripts
// themselves, which upload with mc; keeping both sides on the same tool means
// one set of aliases and credentials.
type MCGateway struct {
	mcPath string
	alias  string
	logger zerolog.Logger
}

func NewMCGateway(mcPath, alias string, logger zerolog.Logger) *MCGateway {
	return &MCGateway{
		mcPath: mcPath,
		alias:  alias,
		logger: logger.With().Str("component", "mc-gateway").Logger(),
	}
}

func (g *MCGateway) objectPath(bucket, key string) string {
	return g.alias + "/" + bucket + "/" + key
}

// Delete removes an object. An object that no longer exists counts as
// success.
func (g *MCGateway) Delete(ctx context.Context, bucket, key string) error {
	path := g.objectPath(bucket, key)

	ctx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.mcPath, "rm", "--json", path)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		g.logger.Info().Str("object", path).Msg("deleted object")
		return nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("delete %s: timeout after %s", path, deleteTimeout)
	}

	// mc emits JSON to stdout or stderr depending on version; check both.
	if isObjectNotFound(stdout.String()) || isObjectNotFound(stderr.String()) {
		g.logger.Info().Str("object", path).Msg("object already deleted")
		return nil
	}

	return fmt.Errorf("delete %s: %w: stdout: %s, stderr: %s",
		path, err, strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()))
}

// Exists reports whether an object is present.
func (g *MCGateway) Exists(ctx context.Context, bucket, key string) (bool, error) {
	path := g.objectPath(bucket, key)

	ctx, cancel := context.WithTimeout(ctx, statTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.mcPath, "stat", "--json", path)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return false, fmt.Errorf("stat %s: timeout after %s", path, statTimeout)
	}
	if _, ok := err.(*exec.ExitError); ok {
		// mc stat exits non-zero when the object is absent.
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

// isObjectNotFound checks mc --json output for an object-not-found error.
// mc interleaves JSON lines with plain-text warnings and progress output, so
// each line is parsed independently and non-JSON lines are skipped. The S3
// NoSuchKey code is checked first; the message match is a fallback and is
// deliberately narrow so that bucket, alias and host errors never pass as
// "already deleted".
func isObjectNotFound(output string) bool {
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}

		var entry struct {
			Status string `json:"status"`
			Error  struct {
				Message string `json:"message"`
				Cause   struct {
					Error struct {
						Code string `json:"Code"`
					} `json:"error"`
				} `json:"cause"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.Status != "error" {
			continue
		}

		if entry.Error.Cause.Error.Code == "NoSuchKey" {
			return true
		}
		if strings.Contains(strings.ToLower(entry.Error.Message), "object does not exist") {
			return true
		}
	}
	return false
}
