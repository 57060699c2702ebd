package snapshot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/forest-chain/forest-archive/archive"

	"github.com/ipfs/go-cid"
	carv1 "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	carv2 "github.com/ipld/go-car/v2"
)

// ImportMode selects how a Forest-format input is installed into the
// archives directory. A non-Forest input is always
// transcoded through the encoder first, regardless of mode, since "move"
// a plain CARv1 file into place would not produce a Forest archive at all.
type ImportMode string

const (
	ModeAuto     ImportMode = "auto"
	ModeCopy     ImportMode = "copy"
	ModeMove     ImportMode = "move"
	ModeSymlink  ImportMode = "symlink"
	ModeHardlink ImportMode = "hardlink"
)

// ImportOptions configures one Import call.
type ImportOptions struct {
	Mode ImportMode
	// EncodeOptions is used only for the transcode path (src is not
	// already Forest-format).
	EncodeOptions archive.EncodeOptions
}

// ImportResult is what Import returns on success.
type ImportResult struct {
	Path           string
	HeaviestTipset archive.TipsetKey
}

// Import installs src into archivesDir as a Forest archive. src may be a
// local path or an http(s) URL; a URL is always downloaded first and then
// imported as ModeMove. A Forest-format src is installed in place by
// the selected mode; anything else is transcoded through the encoder.
// Either the target path ends up holding a complete, valid archive, or
// the archives directory is left untouched.
func Import(ctx context.Context, src, archivesDir string, opts ImportOptions) (*ImportResult, error) {
	if isURL(src) {
		downloaded, err := downloadToTemp(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("snapshot: import: download %s: %w", src, err)
		}
		defer os.Remove(downloaded)
		return Import(ctx, downloaded, archivesDir, ImportOptions{Mode: ModeMove, EncodeOptions: opts.EncodeOptions})
	}

	format, err := DetectFormat(src)
	if err != nil {
		return nil, fmt.Errorf("snapshot: import: %w", err)
	}

	switch format {
	case FormatForest:
		path, err := installInPlace(src, archivesDir, resolveMode(opts.Mode))
		if err != nil {
			return nil, fmt.Errorf("snapshot: import: %w", err)
		}
		return finishImport(ctx, path)
	case FormatCARv1, FormatCARv2:
		path, err := transcode(ctx, src, archivesDir, opts.EncodeOptions)
		if err != nil {
			return nil, fmt.Errorf("snapshot: import: transcode %s: %w", src, err)
		}
		if opts.Mode == ModeMove {
			if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
				log.Warnf("snapshot: import: remove transcoded source %s: %v", src, err)
			}
		}
		return finishImport(ctx, path)
	default:
		return nil, fmt.Errorf("snapshot: import: %s is not a Forest archive or a CAR file", src)
	}
}

func finishImport(ctx context.Context, path string) (*ImportResult, error) {
	r, err := archive.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: import: open installed archive %s: %w", path, err)
	}
	defer r.Close()

	if err := verifyF3Sidecar(ctx, r); err != nil {
		r.Close()
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warnf("snapshot: import: remove mismatched archive %s: %v", path, rmErr)
		}
		return nil, fmt.Errorf("snapshot: import: %w", err)
	}

	tsk, err := r.HeaviestTipset(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: import: resolve heaviest tipset: %w", err)
	}
	log.Infof("snapshot: imported %s", path)
	return &ImportResult{Path: path, HeaviestTipset: tsk}, nil
}

// verifyF3Sidecar guards against a mismatched snapshot: if the archive
// carries v2 metadata naming an F3 sidecar block, the block
// actually resolvable under that CID must rehash to it. A v2 archive whose
// metadata points at a CID the sidecar data doesn't actually hash to is
// rejected rather than silently installed.
func verifyF3Sidecar(ctx context.Context, r *archive.Reader) error {
	meta, err := r.Metadata(ctx)
	if err != nil {
		return fmt.Errorf("read v2 metadata: %w", err)
	}
	if meta == nil || meta.F3Data == nil {
		return nil
	}
	data, err := r.Get(ctx, *meta.F3Data)
	if err != nil {
		return fmt.Errorf("read f3 sidecar: %w", err)
	}
	if data == nil {
		return fmt.Errorf("f3 sidecar %s not found in archive", meta.F3Data)
	}
	recomputed, err := meta.F3Data.Prefix().Sum(data)
	if err != nil {
		return fmt.Errorf("rehash f3 sidecar: %w", err)
	}
	if !recomputed.Equals(*meta.F3Data) {
		return fmt.Errorf("f3 sidecar CID %s does not match computed CID %s", meta.F3Data, recomputed)
	}
	return nil
}

func resolveMode(m ImportMode) ImportMode {
	if m == "" {
		return ModeAuto
	}
	return m
}

func isURL(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

func downloadToTemp(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	f, err := os.CreateTemp("", "forest-archive-download-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// installInPlace places an already-Forest-format archive at srcPath into
// archivesDir, via a temp-name-then-rename so a crash mid-copy never
// leaves a partially-written file at the final name.
func installInPlace(srcPath, archivesDir string, mode ImportMode) (string, error) {
	if err := os.MkdirAll(archivesDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", archivesDir, err)
	}
	finalPath := filepath.Join(archivesDir, destinationName(srcPath))

	switch mode {
	case ModeMove:
		if err := os.Rename(srcPath, finalPath); err != nil {
			return "", fmt.Errorf("move %s: %w", srcPath, err)
		}
		return finalPath, nil
	case ModeSymlink:
		abs, err := filepath.Abs(srcPath)
		if err != nil {
			return "", err
		}
		if err := os.Symlink(abs, finalPath); err != nil {
			return "", fmt.Errorf("symlink %s: %w", srcPath, err)
		}
		return finalPath, nil
	case ModeHardlink:
		if err := os.Link(srcPath, finalPath); err != nil {
			return "", fmt.Errorf("hardlink %s: %w", srcPath, err)
		}
		return finalPath, nil
	case ModeCopy:
		if err := copyFile(srcPath, finalPath); err != nil {
			return "", fmt.Errorf("copy %s: %w", srcPath, err)
		}
		return finalPath, nil
	case ModeAuto:
		if err := os.Link(srcPath, finalPath); err == nil {
			return finalPath, nil
		}
		if err := copyFile(srcPath, finalPath); err != nil {
			return "", fmt.Errorf("copy %s (hardlink fallback): %w", srcPath, err)
		}
		return finalPath, nil
	default:
		return "", fmt.Errorf("unknown import mode %q", mode)
	}
}

func destinationName(srcPath string) string {
	name := filepath.Base(srcPath)
	if strings.HasSuffix(name, archive.FileSuffix) {
		return name
	}
	return name + archive.FileSuffix
}

func copyFile(src, dst string) error {
	tmp := dst + ".importing"
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// transcode reads srcPath as a plain CAR file (v1 or v2 — carv2.OpenReader
// handles both layouts, unwrapping a v2 pragma down to its inner CARv1
// payload) and streams its blocks through the encoder, producing a
// Forest-format archive under archivesDir.
func transcode(ctx context.Context, srcPath, archivesDir string, encOpts archive.EncodeOptions) (string, error) {
	cr, err := carv2.OpenReader(srcPath)
	if err != nil {
		return "", fmt.Errorf("open CAR: %w", err)
	}
	defer cr.Close()

	roots, err := cr.Roots()
	if err != nil {
		return "", fmt.Errorf("read CAR roots: %w", err)
	}
	if len(roots) == 0 {
		return "", fmt.Errorf("CAR input has no roots")
	}
	dr, err := cr.DataReader()
	if err != nil {
		return "", fmt.Errorf("open CAR data payload: %w", err)
	}

	// DataReader positions at the inner CARv1 stream; skip its header, the
	// roots above already came from it.
	br := bufio.NewReader(dr)
	if _, err := carv1.ReadHeader(br); err != nil {
		return "", fmt.Errorf("read inner CARv1 header: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	enc, err := archive.NewEncoder(archivesDir, name, encOpts)
	if err != nil {
		return "", err
	}
	if err := enc.Begin(roots); err != nil {
		enc.Abort()
		return "", err
	}

	it := &carv1Iterator{br: br}
	if err := enc.Consume(ctx, it); err != nil {
		enc.Abort()
		return "", err
	}
	return enc.Finalize()
}

// carv1Iterator adapts a plain CARv1 body (past the header) to
// archive.BlockIterator, reading one varint-length-prefixed section at a
// time exactly as archive's own header-frame reader does.
type carv1Iterator struct {
	br *bufio.Reader
}

func (it *carv1Iterator) Next(ctx context.Context) (cid.Cid, []byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, nil, false, err
	}
	c, data, err := carutil.ReadNode(it.br)
	if err == io.EOF {
		return cid.Undef, nil, false, nil
	}
	if err != nil {
		return cid.Undef, nil, false, err
	}
	return c, data, true, nil
}
