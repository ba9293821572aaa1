package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jokbolink/jokbod/pkg/models"
)

// OutputBuilder turns a merged analysis result into the artifact stored for
// the user. The PDF renderer in production satisfies this; the default
// builder writes the result as a JSON document.
type OutputBuilder interface {
	Build(ctx context.Context, jobID string, meta *models.JobMetadata, primaryName string, result map[string]any, warnings *models.Warnings, destDir string) (string, error)
}

// JSONBuilder writes the merged result and warnings as a JSON file named
// after the primary input.
type JSONBuilder struct{}

func (JSONBuilder) Build(_ context.Context, jobID string, meta *models.JobMetadata, primaryName string, result map[string]any, warnings *models.Warnings, destDir string) (string, error) {
	payload := map[string]any{
		"job_id":       jobID,
		"mode":         meta.Mode,
		"source":       primaryName,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"result":       result,
	}
	if warnings != nil && !warnings.Empty() {
		payload["warnings"] = warnings
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}

	stem := strings.TrimSuffix(primaryName, filepath.Ext(primaryName))
	path := filepath.Join(destDir, fmt.Sprintf("%s_analysis.json", stem))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
