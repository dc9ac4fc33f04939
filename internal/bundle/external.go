package bundle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// extractExternal shells out to the system unzip utility as a last resort.
// The invocation junks directory paths and is restricted to payload-file
// patterns, so the same flattening and extension rules apply.
func extractExternal(ctx context.Context, containerPath, destDir string) ([]string, error) {
	unzip, err := exec.LookPath("unzip")
	if err != nil {
		return nil, fmt.Errorf("unzip not available: %w", err)
	}

	cmd := exec.CommandContext(ctx, unzip, "-o", "-j", containerPath, "*"+PayloadExt, "-d", destDir)

	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("unzip failed: %w: %s", err, string(out))
	}

	entries, err := os.ReadDir(destDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list extracted files: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if _, ok := acceptEntry(entry.Name()); !ok {
			continue
		}

		files = append(files, filepath.Join(destDir, entry.Name()))
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("unzip produced no payload files")
	}

	return files, nil
}
