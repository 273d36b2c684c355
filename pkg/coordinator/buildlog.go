package coordinator

import (
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/kilnworks/kiln/pkg/types"
)

// archiveLog writes the build's console output as a gzip archive under
// the web root, addressed by zero-padded build id. Failures are logged
// and otherwise ignored; the build record is authoritative, the archive
// is a convenience.
func (c *Coordinator) archiveLog(buildID int64, output string) {
	path := filepath.Join(c.cfg.OutputPath, types.BuildLogPath(buildID))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.logger.Error().Err(err).Str("path", path).Msg("create log dir")
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".log.*")
	if err != nil {
		c.logger.Error().Err(err).Str("path", path).Msg("create log temp")
		return
	}
	defer os.Remove(tmp.Name())

	zw := gzip.NewWriter(tmp)
	if _, err := zw.Write([]byte(output)); err == nil {
		err = zw.Close()
	} else {
		zw.Close()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		c.logger.Error().Err(err).Str("path", path).Msg("write build log")
		return
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		c.logger.Error().Err(err).Str("path", path).Msg("place build log")
	}
}
