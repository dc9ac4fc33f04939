// Package bundle extracts installable payload files from multi-file package
// containers. Containers in the wild are frequently malformed, so extraction
// cascades through increasingly forgiving strategies.
package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/braxtechnologies/appstation/internal/logctx"
	"github.com/braxtechnologies/appstation/internal/store"
)

// ErrNoPayloadFound is returned when no strategy yields any payload file.
var ErrNoPayloadFound = errors.New("no payload found in container")

// PayloadExt is the file extension of installable payload files.
const PayloadExt = ".apk"

var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// Stage names which extraction strategy produced the result.
type Stage string

const (
	StageStructured Stage = "structured"
	StageStreaming  Stage = "streaming"
	StageExternal   Stage = "external"
	StageSingleFile Stage = "single_file"
)

const filePerm = 0o644

// DetectKind classifies a container. The declared content type wins when
// present; otherwise the first four bytes are sniffed for the zip magic,
// since declared types are not trustworthy.
func DetectKind(declared string, containerPath string) store.ContainerKind {
	switch declared {
	case "bundle":
		return store.MultiFileBundle
	case "single":
		return store.SingleArchive
	}

	if hasZipMagic(containerPath) {
		return store.MultiFileBundle
	}

	return store.SingleArchive
}

func hasZipMagic(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, 4)
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}

	return bytes.Equal(head, zipMagic)
}

type strategy struct {
	stage Stage
	fn    func(ctx context.Context, containerPath, destDir string) ([]string, error)
}

// Extract produces the set of installable payload files from containerPath
// into destDir. Strategies run in order; each is attempted only after the
// previous one failed structurally, and the first one yielding at least one
// file wins. The caller owns destDir and must remove it once the payloads
// have been handed to the install session.
func Extract(ctx context.Context, containerPath, destDir string) ([]string, Stage, error) {
	logger := logctx.LoggerFromContext(ctx).With("container", containerPath)

	strategies := []strategy{
		{StageStructured, extractStructured},
		{StageStreaming, extractStreaming},
		{StageExternal, extractExternal},
	}

	for _, s := range strategies {
		files, err := s.fn(ctx, containerPath, destDir)
		if err == nil && len(files) > 0 {
			logger.Debug("extraction succeeded", "stage", string(s.stage), "file_count", len(files))

			return files, s.stage, nil
		}

		logger.Warn("extraction stage failed, falling through", "stage", string(s.stage), "err", err)
	}

	// All archive strategies failed. If the container itself looks like a
	// usable payload, install it directly instead of failing the operation.
	if looksLikePayload(containerPath) {
		logger.Info("container usable as single payload, skipping extraction")

		return []string{containerPath}, StageSingleFile, nil
	}

	return nil, "", fmt.Errorf("all extraction strategies failed: %w", ErrNoPayloadFound)
}

// looksLikePayload reports whether the container can be installed as-is.
// Payloads are themselves zip-based, so a readable zip header is enough.
func looksLikePayload(containerPath string) bool {
	info, err := os.Stat(containerPath)
	if err != nil || info.Size() == 0 {
		return false
	}

	return hasZipMagic(containerPath) || strings.EqualFold(filepath.Ext(containerPath), PayloadExt)
}

// acceptEntry applies the shared entry filter: directories, blank names,
// parent-directory traversal and non-payload extensions are rejected, and the
// surviving name is flattened to its base to avoid nested-path issues.
func acceptEntry(name string) (string, bool) {
	name = strings.ReplaceAll(name, `\`, "/")
	if strings.TrimSpace(name) == "" || strings.HasSuffix(name, "/") {
		return "", false
	}

	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", false
		}
	}

	flat := path.Base(name)
	if strings.TrimSpace(flat) == "" || flat == "." || flat == "/" {
		return "", false
	}

	if !strings.EqualFold(filepath.Ext(flat), PayloadExt) {
		return "", false
	}

	return flat, true
}

// extractStructured reads the container with the stdlib random-access zip
// reader. Any failure, including a well-formed archive with zero payload
// entries, falls through to the next strategy.
func extractStructured(ctx context.Context, containerPath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(containerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open container: %w", err)
	}
	defer r.Close()

	var files []string

	for _, entry := range r.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if entry.FileInfo().IsDir() {
			continue
		}

		flat, ok := acceptEntry(entry.Name)
		if !ok {
			continue
		}

		out, err := extractZipEntry(entry, filepath.Join(destDir, flat))
		if err != nil {
			// Mid-stream decode failure: the whole structured read is
			// abandoned so the forgiving reader can take over.
			return nil, fmt.Errorf("failed to extract entry %q: %w", entry.Name, err)
		}

		files = append(files, out)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("container holds no payload entries")
	}

	return files, nil
}

func extractZipEntry(entry *zip.File, dest string) (string, error) {
	rc, err := entry.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		os.Remove(dest)

		return "", err
	}

	if err := out.Close(); err != nil {
		os.Remove(dest)

		return "", err
	}

	return dest, nil
}
