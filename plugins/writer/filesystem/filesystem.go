// Package filesystem 将赛道录制写入本地目录：同目录临时文件 + rename 原子替换，
// 并按修改时间只保留最近若干次对局的录制。
package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tokenracer/pkg/contract"
)

// Options: 录制目录选项。
type Options struct {
	// Dir: 录制根目录（必需）。
	Dir string `json:"dir"`
	// Atomic: 是否原子替换；未提供时为 true。
	Atomic *bool `json:"atomic,omitempty"`
	// Keep: 保留最近几次对局（按 .track 文件计）；<=0 不清理。
	Keep int `json:"keep,omitempty"`
	// PermFile/PermDir: 可选权限；0 使用默认。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
}

// Dir 实现 contract.Writer。
type Dir struct {
	root   string
	atomic bool
	keep   int
	permF  os.FileMode
	permD  os.FileMode
}

// TrackExt: 主录制文件扩展名；清理只针对该扩展名及其边车。
const TrackExt = ".track"

const bufSize = 32 * 1024

// New 创建录制目录 Writer。
func New(opts *Options) (*Dir, error) {
	if opts == nil || strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("recorder dir: %w", contract.ErrInvalidInput)
	}
	d := &Dir{root: opts.Dir, atomic: true, keep: opts.Keep, permF: opts.PermFile, permD: opts.PermDir}
	if opts.Atomic != nil {
		d.atomic = *opts.Atomic
	}
	if d.permF == 0 {
		d.permF = 0o644
	}
	if d.permD == 0 {
		d.permD = 0o755
	}
	return d, nil
}

var _ contract.Writer = (*Dir)(nil)

// Write 将 r 的全部字节写入 id 对应的文件。写入 .track 主文件后执行保留策略。
func (w *Dir) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := w.mapPath(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), w.permD); err != nil {
		return err
	}
	if w.atomic {
		err = w.writeAtomic(ctx, dest, r)
	} else {
		err = w.writeOverwrite(ctx, dest, r)
	}
	if err != nil {
		return err
	}
	if strings.HasSuffix(dest, TrackExt) {
		w.prune(filepath.Dir(dest))
	}
	return nil
}

// mapPath: 只允许根目录下的相对路径。
func (w *Dir) mapPath(id contract.ArtifactID) (string, error) {
	rel := filepath.Clean(string(id))
	switch {
	case rel == "." || rel == "" || rel == "..":
		return "", contract.ErrPathInvalid
	case filepath.IsAbs(rel), filepath.VolumeName(rel) != "":
		return "", contract.ErrPathInvalid
	case strings.HasPrefix(rel, ".."+string(filepath.Separator)):
		return "", contract.ErrPathInvalid
	}
	return filepath.Join(w.root, rel), nil
}

func (w *Dir) writeOverwrite(ctx context.Context, dest string, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.permF)
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriterSize(f, bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return err
	}
	return bw.Flush()
}

func (w *Dir) writeAtomic(ctx context.Context, dest string, r io.Reader) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, w.permF)

	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	bw := bufio.NewWriterSize(tmp, bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := osReplace(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	_ = syncDir(dir)
	return nil
}

// prune 删除超出 keep 的最旧录制（连同同名边车）。
func (w *Dir) prune(dir string) {
	if w.keep <= 0 {
		return
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	type rec struct {
		name string
		mod  int64
	}
	var all []rec
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), TrackExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		all = append(all, rec{e.Name(), info.ModTime().UnixNano()})
	}
	if len(all) <= w.keep {
		return
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].mod != all[j].mod {
			return all[i].mod < all[j].mod
		}
		return all[i].name < all[j].name
	})
	for _, r := range all[:len(all)-w.keep] {
		_ = os.Remove(filepath.Join(dir, r.name))
		_ = os.Remove(filepath.Join(dir, r.name+".jsonl"))
	}
}

// readerWithCtx: 每次 Read 前检查 ctx。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
