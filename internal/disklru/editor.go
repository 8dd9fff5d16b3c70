package disklru

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Editor 是单个 key 的两阶段写入句柄：NewWriter 写入临时文件，
// Commit 原子发布，Abort 丢弃。同一 key 同时只允许一个 Editor。
type Editor struct {
	cache   *Cache
	entry   *entry
	written []bool
	files   []*os.File

	done     bool
	detached bool
}

// NewWriter 打开第 index 个 value 的临时文件。重复调用会截断之前写入的内容。
// 调用方可以关闭返回的 Writer，也可以交给 Commit/Abort 统一关闭。
func (e *Editor) NewWriter(index int) (io.WriteCloser, error) {
	c := e.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.done {
		return nil, ErrEditorCompleted
	}
	if index < 0 || index >= c.valueCount {
		return nil, fmt.Errorf("disklru: value index %d out of range", index)
	}
	if e.detached {
		return discardWriter{}, nil
	}

	f, err := os.OpenFile(c.dirtyPath(e.entry.key, index), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disklru: open value %d: %w", index, err)
	}
	e.written[index] = true
	e.files = append(e.files, f)
	return &valueWriter{file: f}, nil
}

// Commit 发布所有写入的 value；新条目必须写满全部 value，否则整体回滚。
func (e *Editor) Commit() error {
	return e.cache.completeEdit(e, true)
}

// Abort 丢弃本次编辑，已存在的旧值保持不变。
func (e *Editor) Abort() error {
	return e.cache.completeEdit(e, false)
}

// detachLocked 使 Editor 失效：临时文件被删除，后续写入被丢弃，提交不再生效。
func (e *Editor) detachLocked() {
	if e.detached {
		return
	}
	e.detached = true
	_ = e.closeWritersLocked()
	e.removeDirtyLocked()
}

func (e *Editor) closeWritersLocked() error {
	var errs []error
	for _, f := range e.files {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	e.files = nil
	return errors.Join(errs...)
}

func (e *Editor) removeDirtyLocked() {
	for i := 0; i < e.cache.valueCount; i++ {
		removeQuietly(e.cache.dirtyPath(e.entry.key, i))
	}
}

// valueWriter 允许调用方提前 Close，同时让 Editor 在完成时再次关闭而不报错。
type valueWriter struct {
	file *os.File
}

func (w *valueWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

func (w *valueWriter) Close() error {
	if err := w.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
func (discardWriter) Close() error                { return nil }
