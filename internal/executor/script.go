package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// writeScript materializes body as an ephemeral script under dir.
func writeScript(dir, body string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create script dir: %w", err)
	}

	name := fmt.Sprintf("%d-%s%s", time.Now().UnixNano(), uuid.NewString()[:8], scriptExt)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(scriptHeader+body+scriptNewline), scriptPerm); err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}
	return path, nil
}
