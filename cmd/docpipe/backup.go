package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/docpipe/internal/store"
)

// Archive layout: the database snapshot under db/, uploads under uploads/.
const (
	sectionDB      = "db"
	sectionUploads = "uploads"
	dbEntryName    = "docpipe.db"
)

func parseArchiveArgs(args []string) (file string, overwrite bool, err error) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return "", false, fmt.Errorf("missing value for -f")
			}
			i++
			file = args[i]
		case "-overwrite":
			overwrite = true
		default:
			return "", false, fmt.Errorf("unknown flag %s", args[i])
		}
	}
	return file, overwrite, nil
}

func runBackup(args []string) error {
	outputPath, _, err := parseArchiveArgs(args)
	if err != nil {
		return err
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: docpipe backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	tmp, err := os.MkdirTemp("", "docpipe-backup-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	snapshot := filepath.Join(tmp, dbEntryName)
	if err := db.Snapshot(snapshot); err != nil {
		return err
	}

	files, err := writeArchive(outputPath, snapshot, cfg.Files.UploadDir)
	if err != nil {
		return err
	}

	size := int64(0)
	if info, _ := os.Stat(outputPath); info != nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: database and %d uploads, %s\n", files, formatSize(size))
	return nil
}

// writeArchive packs dbFile and every regular file under uploadDir into a
// zstd-compressed tar at out. It returns the number of uploads written.
func writeArchive(out, dbFile, uploadDir string) (int, error) {
	f, err := os.Create(out)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	if err := addFile(tw, dbFile, path.Join(sectionDB, dbEntryName)); err != nil {
		return 0, err
	}

	count := 0
	err = filepath.WalkDir(uploadDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == uploadDir {
				slog.Warn("upload dir missing, archiving database only", "path", uploadDir)
				return filepath.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(uploadDir, p)
		if err != nil {
			return err
		}
		count++
		return addFile(tw, p, path.Join(sectionUploads, filepath.ToSlash(rel)))
	})
	if err != nil {
		return count, fmt.Errorf("archive uploads: %w", err)
	}

	// Close explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return count, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return count, fmt.Errorf("close file: %w", err)
	}
	return count, nil
}

func addFile(tw *tar.Writer, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

func runRestore(args []string) error {
	inputPath, overwrite, err := parseArchiveArgs(args)
	if err != nil {
		return err
	}
	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: docpipe restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sections, err := scanArchive(inputPath)
	if err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}
	if len(sections) == 0 {
		fmt.Println("Archive contains nothing to restore.")
		return nil
	}

	restored, err := restoreArchive(inputPath, cfg.Store.Path, cfg.Files.UploadDir, overwrite)
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: %d files\n", restored)
	return nil
}

// restoreArchive unpacks the archive into dbPath and uploadDir. Without
// overwrite an existing database or upload aborts the restore.
func restoreArchive(in, dbPath, uploadDir string, overwrite bool) (int, error) {
	if !overwrite {
		if _, err := os.Stat(dbPath); err == nil {
			return 0, fmt.Errorf("database %s already exists, add -overwrite to replace it", dbPath)
		}
	}

	f, err := os.Open(in)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		section, rel := splitArchivePath(hdr.Name)
		var dst string
		switch section {
		case sectionDB:
			if rel != dbEntryName {
				slog.Warn("skipping unexpected database entry", "name", hdr.Name)
				continue
			}
			dst = dbPath
			// Stale WAL files would be replayed over the restored database.
			for _, suffix := range []string{"-wal", "-shm"} {
				if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
					return restored, err
				}
			}
		case sectionUploads:
			dst = filepath.Join(uploadDir, filepath.FromSlash(rel))
		default:
			continue
		}

		if err := extractFile(tr, dst, overwrite); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

func extractFile(r io.Reader, dst string, overwrite bool) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	out, err := os.OpenFile(dst, flags, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s already exists, add -overwrite to replace files", dst)
		}
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return out.Close()
}

// scanArchive reads tar headers to collect the sections present without
// extracting file data.
func scanArchive(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	seen := make(map[string]bool)
	var names []string

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		section, _ := splitArchivePath(hdr.Name)
		if section != "" && !seen[section] {
			seen[section] = true
			names = append(names, section)
		}
	}

	return names, nil
}

// splitArchivePath splits "uploads/abc_notes.txt" into ("uploads",
// "abc_notes.txt"). Unknown sections and paths escaping the section return
// an empty section.
func splitArchivePath(name string) (section, relPath string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		section, relPath = name, "./"
	} else {
		section, relPath = name[:idx], name[idx+1:]
		if relPath == "" {
			relPath = "./"
		}
	}

	if section != sectionDB && section != sectionUploads {
		return "", ""
	}
	if relPath != "./" && !filepath.IsLocal(filepath.FromSlash(strings.TrimSuffix(relPath, "/"))) {
		return "", ""
	}
	return section, relPath
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
