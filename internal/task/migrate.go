package task

import (
	"fmt"
	"os"
	"path/filepath"

	"membank/internal/logging"
	"membank/internal/memcore"
)

// MigrationReport summarizes a layout conversion.
type MigrationReport struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Projects int    `json:"projects"`
	Tasks    int    `json:"tasks"`
}

// Migrate converts a task root from one layout to the other in place. The
// source files are removed only after every project has been written in the
// target layout.
func Migrate(root, from, to string, logger logging.Logger) (*MigrationReport, error) {
	logger = logging.OrNop(logger)
	if from == to {
		return nil, memcore.Invalid("layout", "source and target layouts are the same")
	}
	src, err := layoutFor(from, nil)
	if err != nil {
		return nil, err
	}
	dst, err := layoutFor(to, nil)
	if err != nil {
		return nil, err
	}
	detected, err := DetectLayout(root)
	if err != nil {
		return nil, err
	}
	if detected != "" && detected != src.name() {
		return nil, memcore.Conflict("layout", fmt.Sprintf(
			"task root holds %s-layout files, not %s", detected, src.name()))
	}

	projects, err := src.loadAll(root)
	if err != nil {
		return nil, err
	}

	report := &MigrationReport{From: src.name(), To: dst.name()}
	for project, tasks := range projects {
		switch dst.name() {
		case LayoutFlat:
			if err := dst.persist(root, project, tasks, nil, nil); err != nil {
				return nil, err
			}
		case LayoutFiles:
			for _, t := range tasks {
				if err := dst.persist(root, project, tasks, t, nil); err != nil {
					return nil, err
				}
			}
		}
		report.Projects++
		report.Tasks += len(tasks)
	}

	// Both layouts now coexist on disk; drop the source artifacts.
	for project, tasks := range projects {
		switch src.name() {
		case LayoutFlat:
			path := filepath.Join(root, project, flatFileName)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, memcore.IO("remove "+path, err)
			}
		case LayoutFiles:
			for _, t := range tasks {
				path := src.taskPath(root, t)
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return nil, memcore.IO("remove "+path, err)
				}
			}
		}
	}
	logger.Info("migrated %d tasks in %d projects from %s to %s layout",
		report.Tasks, report.Projects, report.From, report.To)
	return report, nil
}
