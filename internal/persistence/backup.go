package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
)

const backupTimeLayout = "20060102_150405"

// DefaultBackupPath names a timestamped backup next to the database file.
func (s *Store) DefaultBackupPath() string {
	name := "leafy_backup_" + s.now().Format(backupTimeLayout) + ".db"
	return filepath.Join(filepath.Dir(s.path), name)
}

// Backup writes a consistent copy of the database to destPath using
// VACUUM INTO and returns the path written. An empty destPath uses
// DefaultBackupPath. An existing destination is never overwritten.
func (s *Store) Backup(ctx context.Context, destPath string) (string, error) {
	if destPath == "" {
		destPath = s.DefaultBackupPath()
	}
	if _, err := os.Stat(destPath); err == nil {
		return "", s.fail(ctx, "backup", newError("backup", KindConstraint, fmt.Errorf("backup destination already exists: %s", destPath)))
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", s.fail(ctx, "backup", newError("backup", KindIOFailure, err), "path", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return "", s.fail(ctx, "backup", fmt.Errorf("backup (VACUUM INTO): %w", err), "path", destPath)
	}
	s.logger.Info("backup written", "path", destPath)
	return destPath, nil
}

// Restore replaces the live database contents with the database at srcPath
// through sqlite's online backup API, then re-applies the schema so an
// older copy gains any missing tables.
func (s *Store) Restore(ctx context.Context, srcPath string) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s.fail(ctx, "restore", newError("restore", KindNotFound, fmt.Errorf("restore source %s: %w", srcPath, err)))
		}
		return s.fail(ctx, "restore", err, "path", srcPath)
	}
	if info.IsDir() {
		return s.fail(ctx, "restore", newError("restore", KindInvalidArgument, fmt.Errorf("restore source %s is a directory", srcPath)))
	}

	srcDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", srcPath))
	if err != nil {
		return s.fail(ctx, "restore", err, "path", srcPath)
	}
	defer srcDB.Close()

	srcConn, err := srcDB.Conn(ctx)
	if err != nil {
		return s.fail(ctx, "restore", err, "path", srcPath)
	}
	defer srcConn.Close()

	dstConn, err := s.db.Conn(ctx)
	if err != nil {
		return s.fail(ctx, "restore", err, "path", srcPath)
	}
	defer dstConn.Close()

	err = dstConn.Raw(func(dstRaw any) error {
		dst, ok := dstRaw.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", dstRaw)
		}
		return srcConn.Raw(func(srcRaw any) error {
			src, ok := srcRaw.(*sqlite3.SQLiteConn)
			if !ok {
				return fmt.Errorf("unexpected driver connection %T", srcRaw)
			}
			bk, err := dst.Backup("main", src, "main")
			if err != nil {
				return fmt.Errorf("start backup: %w", err)
			}
			if _, err := bk.Step(-1); err != nil {
				_ = bk.Finish()
				return fmt.Errorf("copy pages: %w", err)
			}
			return bk.Finish()
		})
	})
	if err != nil {
		return s.fail(ctx, "restore", err, "path", srcPath)
	}

	if err := s.initSchema(ctx); err != nil {
		return s.fail(ctx, "restore", err, "path", srcPath)
	}
	s.logger.Info("database restored", "path", srcPath)
	return nil
}
