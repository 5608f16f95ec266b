package sandbox

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// copyTree recursively copies src into dst. Symbolic links are recreated
// only when their target stays inside src; a link escaping the tree aborts
// the copy with ErrSymlinkEscape. The repository's own .git directory is
// skipped unless includeGit is set.
func copyTree(src, dst string, includeGit bool) error {
	srcAbs, err := filepath.Abs(src)
	if err != nil {
		return fmt.Errorf("resolving source path: %w", err)
	}

	return filepath.WalkDir(srcAbs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(srcAbs, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if !includeGit && (rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator))) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			return copySymlink(srcAbs, path, target)
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		case d.Type().IsRegular():
			return copyFile(path, target, d)
		default:
			// sockets, devices, fifos: not meaningful inside a sandbox copy
			return nil
		}
	})
}

func copySymlink(srcRoot, path, target string) error {
	linkDest, err := os.Readlink(path)
	if err != nil {
		return fmt.Errorf("reading symlink %s: %w", path, err)
	}

	resolved := linkDest
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(path), linkDest)
	}
	resolved = filepath.Clean(resolved)

	if resolved != srcRoot && !strings.HasPrefix(resolved, srcRoot+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s -> %s", ErrSymlinkEscape, path, linkDest)
	}

	return os.Symlink(linkDest, target)
}

func copyFile(path, target string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	in, err := os.Open(path) // #nosec G304 -- path comes from walking the caller-supplied repo
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copying %s: %w", path, err)
	}
	return out.Close()
}
