// Package imagestore implements the content-addressed blob store and image
// index: layer/config blobs under digest-derived paths, materialized rootfs
// directories, and a transactional sqlite index tying images to their
// ordered layer sets.
package imagestore

import (
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is the content-addressed blob store and image index rooted at a
// single data directory.
type Store struct {
	root string
	db   *sql.DB
}

const (
	blobsDirName   = "blobs"
	configsDirName = "configs"
	rootfsDirName  = "rootfs"
	indexFileName  = "images.db"
)

// Open creates (if absent) the directory layout and index database rooted
// at root, in WAL mode, exactly the way the host runtime's state store does.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("imagestore: create root: %w", err)
	}
	for _, sub := range []string{blobsDirName, configsDirName, rootfsDirName} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o750); err != nil {
			return nil, fmt.Errorf("imagestore: create %s: %w", sub, err)
		}
	}

	dbPath := filepath.Join(root, indexFileName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("imagestore: open index: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("imagestore: enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("imagestore: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("imagestore: init schema: %w", err)
	}

	return &Store{root: root, db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// blobPath returns the on-disk path for a digest under the given
// subdirectory, substituting ':' for '-' so paths stay portable.
func (s *Store) blobPath(subdir string, d digest.Digest) string {
	name := strings.ReplaceAll(d.String(), ":", "-")
	return filepath.Join(s.root, subdir, name)
}

func (s *Store) RootfsDir(manifestDigest digest.Digest) string {
	name := strings.ReplaceAll(manifestDigest.String(), ":", "-")
	return filepath.Join(s.root, rootfsDirName, name)
}

// writeBlobAtomic writes data to dest via a temp file in the same
// directory, verifying its digest before the rename so a mismatch never
// leaves a corrupt file in place.
func writeBlobAtomic(dest string, data []byte, want digest.Digest) error {
	if _, err := os.Stat(dest); err == nil {
		return nil // already present; save is idempotent
	}

	sum := sha256.Sum256(data)
	got := digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(sum[:]))
	if got != want {
		return fmt.Errorf("imagestore: digest mismatch: want %s got %s", want, got)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-blob-*")
	if err != nil {
		return fmt.Errorf("imagestore: create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("imagestore: write temp blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("imagestore: sync temp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("imagestore: close temp blob: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("imagestore: rename temp blob: %w", err)
	}
	return nil
}

func digestOf(data []byte) digest.Digest {
	sum := sha256.Sum256(data)
	return digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(sum[:]))
}

// SaveLayer writes data to the blob store if absent, upserting the layer
// record and incrementing its refcount.
func (s *Store) SaveLayer(data []byte, mediaType string) (digest.Digest, error) {
	d := digestOf(data)
	if err := writeBlobAtomic(s.blobPath(blobsDirName, d), data, d); err != nil {
		return "", err
	}
	_, err := s.db.Exec(`
		INSERT INTO layers (digest, media_type, size_bytes, refcount)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(digest) DO UPDATE SET refcount = refcount + 1`,
		d.String(), mediaType, len(data))
	if err != nil {
		return "", fmt.Errorf("imagestore: upsert layer %s: %w", d, err)
	}
	return d, nil
}

// SaveConfig writes an image config blob, idempotently.
func (s *Store) SaveConfig(data []byte) (digest.Digest, error) {
	d := digestOf(data)
	if err := writeBlobAtomic(s.blobPath(configsDirName, d), data, d); err != nil {
		return "", err
	}
	return d, nil
}

// UpsertImage writes or replaces the image row and its ordered layer
// associations inside a single transaction.
func (s *Store) UpsertImage(ref string, manifestDigest digest.Digest, size int64, configDigest *digest.Digest, layerDigests []digest.Digest) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("imagestore: begin upsert: %w", err)
	}
	defer tx.Rollback()

	var cfgDigestStr any
	if configDigest != nil {
		cfgDigestStr = configDigest.String()
	}

	if _, err := tx.Exec(`
		INSERT INTO images (ref, manifest_digest, size_bytes, config_digest, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(ref) DO UPDATE SET
			manifest_digest = excluded.manifest_digest,
			size_bytes      = excluded.size_bytes,
			config_digest   = excluded.config_digest,
			created_at      = CURRENT_TIMESTAMP`,
		ref, manifestDigest.String(), size, cfgDigestStr); err != nil {
		return fmt.Errorf("imagestore: upsert image row: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM image_layers WHERE image_ref = ?`, ref); err != nil {
		return fmt.Errorf("imagestore: clear associations: %w", err)
	}
	for i, ld := range layerDigests {
		if _, err := tx.Exec(`INSERT INTO image_layers (image_ref, position, layer_digest) VALUES (?, ?, ?)`,
			ref, i, ld.String()); err != nil {
			return fmt.Errorf("imagestore: insert association: %w", err)
		}
	}

	return tx.Commit()
}

// Image is a materialized image record with its ordered layer digests.
type Image struct {
	Ref            string
	ManifestDigest digest.Digest
	SizeBytes      int64
	ConfigDigest   *digest.Digest
	CreatedAt      time.Time
	LayerDigests   []digest.Digest
}

// ListImages returns all images, newest first.
func (s *Store) ListImages() ([]Image, error) {
	rows, err := s.db.Query(`SELECT ref, manifest_digest, size_bytes, config_digest, created_at FROM images ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("imagestore: list images: %w", err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var img Image
		var manifestDigest string
		var cfgDigest sql.NullString
		if err := rows.Scan(&img.Ref, &manifestDigest, &img.SizeBytes, &cfgDigest, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("imagestore: scan image row: %w", err)
		}
		img.ManifestDigest = digest.Digest(manifestDigest)
		if cfgDigest.Valid {
			d := digest.Digest(cfgDigest.String)
			img.ConfigDigest = &d
		}
		layers, err := s.layersFor(img.Ref)
		if err != nil {
			return nil, err
		}
		img.LayerDigests = layers
		images = append(images, img)
	}
	return images, rows.Err()
}

func (s *Store) layersFor(ref string) ([]digest.Digest, error) {
	rows, err := s.db.Query(`SELECT layer_digest FROM image_layers WHERE image_ref = ? ORDER BY position`, ref)
	if err != nil {
		return nil, fmt.Errorf("imagestore: query layers for %s: %w", ref, err)
	}
	defer rows.Close()

	var out []digest.Digest
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("imagestore: scan layer: %w", err)
		}
		out = append(out, digest.Digest(d))
	}
	return out, rows.Err()
}

// GetDigest returns the manifest digest recorded for ref.
func (s *Store) GetDigest(ref string) (digest.Digest, error) {
	var manifestDigest string
	err := s.db.QueryRow(`SELECT manifest_digest FROM images WHERE ref = ?`, ref).Scan(&manifestDigest)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("imagestore: image %q: %w", ref, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("imagestore: get digest for %s: %w", ref, err)
	}
	return digest.Digest(manifestDigest), nil
}

// LoadImageConfig reads back the stored config JSON for ref, if any.
func (s *Store) LoadImageConfig(ref string) ([]byte, error) {
	var cfgDigest sql.NullString
	err := s.db.QueryRow(`SELECT config_digest FROM images WHERE ref = ?`, ref).Scan(&cfgDigest)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("imagestore: image %q: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("imagestore: load config for %s: %w", ref, err)
	}
	if !cfgDigest.Valid {
		return nil, fmt.Errorf("imagestore: image %q has no stored config: %w", ref, ErrNotFound)
	}
	return os.ReadFile(s.blobPath(configsDirName, digest.Digest(cfgDigest.String)))
}

// RemoveImage decrements refcounts on every layer the image referenced,
// deletes the image row (cascading its associations), then sweeps any layer
// whose refcount reached zero along with its blob file and the rootfs
// directory for the image's manifest digest.
func (s *Store) RemoveImage(ref string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("imagestore: begin remove: %w", err)
	}
	defer tx.Rollback()

	var manifestDigest string
	if err := tx.QueryRow(`SELECT manifest_digest FROM images WHERE ref = ?`, ref).Scan(&manifestDigest); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("imagestore: image %q: %w", ref, ErrNotFound)
		}
		return fmt.Errorf("imagestore: lookup image for remove: %w", err)
	}

	rows, err := tx.Query(`SELECT layer_digest FROM image_layers WHERE image_ref = ?`, ref)
	if err != nil {
		return fmt.Errorf("imagestore: query associations for remove: %w", err)
	}
	var layerDigests []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return fmt.Errorf("imagestore: scan association: %w", err)
		}
		layerDigests = append(layerDigests, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, d := range layerDigests {
		if _, err := tx.Exec(`UPDATE layers SET refcount = refcount - 1 WHERE digest = ?`, d); err != nil {
			return fmt.Errorf("imagestore: decrement layer %s: %w", d, err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM images WHERE ref = ?`, ref); err != nil {
		return fmt.Errorf("imagestore: delete image row: %w", err)
	}

	var toUnlink []string
	for _, d := range layerDigests {
		var refcount int
		err := tx.QueryRow(`SELECT refcount FROM layers WHERE digest = ?`, d).Scan(&refcount)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("imagestore: recheck refcount for %s: %w", d, err)
		}
		if refcount <= 0 {
			if _, err := tx.Exec(`DELETE FROM layers WHERE digest = ?`, d); err != nil {
				return fmt.Errorf("imagestore: delete layer row %s: %w", d, err)
			}
			toUnlink = append(toUnlink, d)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("imagestore: commit remove: %w", err)
	}

	for _, d := range toUnlink {
		path := s.blobPath(blobsDirName, digest.Digest(d))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("imagestore: failed to unlink swept layer blob", "digest", d, "path", path, "error", err)
		}
	}

	rootfsDir := s.RootfsDir(digest.Digest(manifestDigest))
	if err := os.RemoveAll(rootfsDir); err != nil {
		slog.Warn("imagestore: failed to remove rootfs directory", "dir", rootfsDir, "error", err)
	}

	return nil
}

// ErrNotFound is returned by index lookups that find no matching row.
var ErrNotFound = fmt.Errorf("not found")

// OpenBlob opens a stored layer blob for streaming reads, used by rootfs
// materialization.
func (s *Store) OpenBlob(d digest.Digest) (io.ReadCloser, error) {
	return os.Open(s.blobPath(blobsDirName, d))
}
