package rollback

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// sourcePatterns select files worth backing up when no explicit list and no
// git index are available.
var sourcePatterns = []string{
	"*.go", "go.mod", "go.sum",
	"*.py", "*.js", "*.ts", "*.rs", "*.java",
	"*.md", "*.yaml", "*.yml", "*.json", "*.toml",
}

// skippedDirs are never walked during pattern-based selection.
var skippedDirs = map[string]bool{
	".git":         true,
	".phaserun":    true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	"dist":         true,
	"build":        true,
	"target":       true,
}

// backupFiles copies the selected files into a timestamped directory under
// the backup root and records the mapping on the point. Per-file problems
// land in point.FileErrors.
func (s *Service) backupFiles(point *RollbackPoint, files []string) {
	root := s.git.Root()

	selected := files
	if len(selected) == 0 {
		selected = s.selectFiles(root)
	}
	if len(selected) > s.config.MaxBackupFiles {
		s.logger.Warn("backup file list truncated",
			zap.Int("selected", len(selected)),
			zap.Int("max", s.config.MaxBackupFiles),
		)
		selected = selected[:s.config.MaxBackupFiles]
	}
	if len(selected) == 0 {
		return
	}

	backupRoot := s.config.BackupRoot
	if backupRoot == "" {
		backupRoot = filepath.Join(root, ".phaserun", "backups")
	}
	dir := filepath.Join(backupRoot, point.CreatedAt.Format("20060102-150405")+"-"+shortID(point.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("backup directory creation failed",
			zap.String("dir", dir),
			zap.Error(err),
		)
		point.FileErrors = map[string]string{"": fmt.Sprintf("mkdir %s: %v", dir, err)}
		return
	}
	point.BackupDir = dir
	point.FileBackups = make(map[string]string, len(selected))

	for _, rel := range selected {
		rel = filepath.ToSlash(rel)
		src := filepath.Join(root, filepath.FromSlash(rel))
		dst := filepath.Join(dir, filepath.FromSlash(rel))
		if err := copyFile(src, dst); err != nil {
			if point.FileErrors == nil {
				point.FileErrors = make(map[string]string)
			}
			point.FileErrors[rel] = err.Error()
			continue
		}
		point.FileBackups[rel] = dst
	}

	if len(point.FileErrors) > 0 {
		s.logger.Warn("some files were not backed up",
			zap.String("rollback_point_id", point.ID),
			zap.Int("failed", len(point.FileErrors)),
		)
	}
}

// selectFiles picks backup candidates: the git index when available,
// otherwise a pattern walk over the workspace.
func (s *Service) selectFiles(root string) []string {
	if s.git.Available() {
		tracked, err := s.git.TrackedFiles()
		if err == nil {
			return tracked
		}
		s.logger.Warn("tracked file listing failed, falling back to pattern walk", zap.Error(err))
	}

	var selected []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] || (strings.HasPrefix(d.Name(), ".") && path != root) {
				return filepath.SkipDir
			}
			return nil
		}
		for _, pattern := range sourcePatterns {
			if ok, _ := filepath.Match(pattern, d.Name()); ok {
				if rel, err := filepath.Rel(root, path); err == nil {
					selected = append(selected, filepath.ToSlash(rel))
				}
				break
			}
		}
		if len(selected) >= s.config.MaxBackupFiles {
			return filepath.SkipAll
		}
		return nil
	})
	return selected
}

// copyFile copies src to dst, creating parent directories and preserving the
// source mode.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
