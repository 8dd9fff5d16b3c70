package disklru

import (
	"bufio"
	"container/list"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	journalFile       = "journal"
	journalFileTemp   = "journal.tmp"
	journalFileBackup = "journal.bkp"

	magic    = "netcache.disklru"
	version1 = "1"

	opClean  = "CLEAN"
	opDirty  = "DIRTY"
	opRemove = "REMOVE"
	opRead   = "READ"

	redundantOpCompactThreshold = 2000
)

var keyPattern = regexp.MustCompile(`^[a-z0-9_-]{1,120}$`)

var (
	// ErrNotFound 表示 key 不存在或尚未完成首次提交。
	ErrNotFound = errors.New("disklru: entry not found")
	// ErrEditInProgress 表示同一 key 已有未完成的 Editor。
	ErrEditInProgress = errors.New("disklru: entry is being edited")
	// ErrClosed 表示缓存已关闭。
	ErrClosed = errors.New("disklru: cache is closed")
	// ErrInvalidKey 表示 key 不满足 [a-z0-9_-]{1,120}。
	ErrInvalidKey = errors.New("disklru: invalid key")
	// ErrEditorCompleted 表示 Editor 已经 Commit 或 Abort。
	ErrEditorCompleted = errors.New("disklru: editor already completed")
)

// Options 控制 Open 的目录、版本与容量。
type Options struct {
	Directory  string
	AppVersion int
	ValueCount int
	MaxSize    int64
	Logger     *logrus.Logger
}

// Cache 是磁盘 LRU 存储，所有公开方法均可并发调用。
type Cache struct {
	dir        string
	appVersion int
	valueCount int
	maxSize    int64
	logger     *logrus.Logger

	mu           sync.Mutex
	size         int64
	entries      map[string]*list.Element
	lru          *list.List
	journal      *os.File
	journalOut   *bufio.Writer
	redundantOps int
	// journalDamaged 表示 journal 末行被截断，下次打开写入前需要重写。
	journalDamaged bool
	closed         bool
}

type entry struct {
	key      string
	lengths  []int64
	readable bool
	editor   *Editor
}

// Open 打开（或创建）目录下的缓存，读取已有 journal 并恢复索引。
// journal 损坏时会清空目录并重新初始化。
func Open(opts Options) (*Cache, error) {
	if opts.Directory == "" {
		return nil, errors.New("disklru: directory required")
	}
	if opts.ValueCount <= 0 {
		return nil, errors.New("disklru: value count must be positive")
	}
	if opts.MaxSize <= 0 {
		return nil, errors.New("disklru: max size must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	dir, err := filepath.Abs(opts.Directory)
	if err != nil {
		return nil, fmt.Errorf("resolve cache directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	c := &Cache{
		dir:        dir,
		appVersion: opts.AppVersion,
		valueCount: opts.ValueCount,
		maxSize:    opts.MaxSize,
		logger:     logger,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
	}

	if err := c.restoreBackup(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(c.path(journalFile)); err == nil {
		readErr := c.readJournal()
		if readErr == nil {
			c.processJournal()
			if err := c.openJournalForAppend(); err != nil {
				return nil, err
			}
			return c, nil
		}
		c.logger.WithError(readErr).WithFields(logrus.Fields{
			"action":    "disklru_open",
			"directory": dir,
		}).Warn("disklru_journal_corrupt")
		if err := c.wipe(); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.rebuildJournalLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

// Get 返回 key 的只读快照；未命中时返回 ErrNotFound。快照持有打开的文件句柄，
// 调用方必须 Close。
func (c *Cache) Get(key string) (*Snapshot, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	elem, ok := c.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	e := elem.Value.(*entry)
	if !e.readable {
		return nil, ErrNotFound
	}

	files := make([]*os.File, 0, c.valueCount)
	for i := 0; i < c.valueCount; i++ {
		f, err := os.Open(c.cleanPath(key, i))
		if err != nil {
			for _, opened := range files {
				opened.Close()
			}
			if errors.Is(err, fs.ErrNotExist) {
				// 文件被外部删除，视为未命中并清理索引。
				if rmErr := c.removeEntryLocked(elem); rmErr != nil {
					return nil, rmErr
				}
				return nil, ErrNotFound
			}
			return nil, err
		}
		files = append(files, f)
	}

	c.redundantOps++
	c.lru.MoveToBack(elem)
	if err := c.writeJournalLocked(opRead, key); err != nil {
		for _, f := range files {
			f.Close()
		}
		return nil, err
	}
	if c.rebuildRequiredLocked() {
		if err := c.rebuildJournalLocked(); err != nil {
			c.logger.WithError(err).WithField("action", "disklru_compact").Warn("disklru_compact_failed")
		}
	}

	lengths := make([]int64, len(e.lengths))
	copy(lengths, e.lengths)
	return &Snapshot{key: key, files: files, lengths: lengths}, nil
}

// Edit 为 key 创建 Editor。若已有未完成的 Editor，返回 ErrEditInProgress。
func (c *Cache) Edit(key string) (*Editor, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	elem, ok := c.entries[key]
	if ok && elem.Value.(*entry).editor != nil {
		return nil, ErrEditInProgress
	}

	// 先落盘 DIRTY，避免崩溃后遗留未登记的临时文件。
	if err := c.writeJournalLocked(opDirty, key); err != nil {
		return nil, err
	}
	if err := c.journalOut.Flush(); err != nil {
		return nil, err
	}

	if !ok {
		elem = c.lru.PushBack(&entry{key: key, lengths: make([]int64, c.valueCount)})
		c.entries[key] = elem
	} else {
		c.lru.MoveToBack(elem)
	}
	e := elem.Value.(*entry)
	editor := &Editor{cache: c, entry: e, written: make([]bool, c.valueCount)}
	e.editor = editor
	return editor, nil
}

// Remove 删除 key 的所有 value 文件；返回是否存在该 key。
// 正在编辑的条目会被分离，其 Editor 后续提交不会生效。
func (c *Cache) Remove(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}

	elem, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	if err := c.removeEntryLocked(elem); err != nil {
		return false, err
	}
	if c.rebuildRequiredLocked() {
		if err := c.rebuildJournalLocked(); err != nil {
			return true, err
		}
	}
	return true, nil
}

// EvictAll 删除所有条目，目录与 journal 保留。
func (c *Cache) EvictAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	for elem := c.lru.Front(); elem != nil; {
		next := elem.Next()
		if err := c.removeEntryLocked(elem); err != nil {
			return err
		}
		elem = next
	}
	return c.journalOut.Flush()
}

// Flush 执行容量裁剪并把 journal 缓冲写入磁盘。
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.trimToSizeLocked(); err != nil {
		return err
	}
	return c.journalOut.Flush()
}

// Close 中止所有未完成的编辑并关闭 journal。重复调用是安全的。
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}

	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		if editor := elem.Value.(*entry).editor; editor != nil {
			editor.detachLocked()
		}
	}
	trimErr := c.trimToSizeLocked()
	closeErr := c.closeJournalLocked()
	c.closed = true
	return errors.Join(trimErr, closeErr)
}

// Delete 关闭缓存并删除目录下的全部文件。
func (c *Cache) Delete() error {
	if err := c.Close(); err != nil {
		return err
	}
	return os.RemoveAll(c.dir)
}

// Size 返回当前所有已提交 value 的字节总数。
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize 返回容量上限。
func (c *Cache) MaxSize() int64 {
	return c.maxSize
}

// Directory 返回缓存根目录的绝对路径。
func (c *Cache) Directory() string {
	return c.dir
}

// IsClosed 报告缓存是否已关闭。
func (c *Cache) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// completeEdit 发布或丢弃 Editor 的临时文件，并登记 journal。
func (c *Cache) completeEdit(editor *Editor, success bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if editor.done {
		return ErrEditorCompleted
	}
	editor.done = true
	closeErr := editor.closeWritersLocked()

	e := editor.entry
	if editor.detached || e.editor != editor {
		editor.removeDirtyLocked()
		return nil
	}
	if closeErr != nil {
		success = false
	}

	if success && !e.readable {
		for i, ok := range editor.written {
			if !ok {
				success = false
				closeErr = errors.Join(closeErr, fmt.Errorf("disklru: new entry %s missing value %d", e.key, i))
				break
			}
		}
	}

	for i := 0; i < c.valueCount; i++ {
		dirty := c.dirtyPath(e.key, i)
		if !success {
			removeQuietly(dirty)
			continue
		}
		if !editor.written[i] {
			continue
		}
		info, err := os.Stat(dirty)
		if err != nil {
			// 条目已被部分发布，无法回滚，只能整体删除。
			e.editor = nil
			if rmErr := c.removeEntryLocked(c.entries[e.key]); rmErr != nil {
				err = errors.Join(err, rmErr)
			}
			return err
		}
		clean := c.cleanPath(e.key, i)
		if err := os.Rename(dirty, clean); err != nil {
			e.editor = nil
			if rmErr := c.removeEntryLocked(c.entries[e.key]); rmErr != nil {
				err = errors.Join(err, rmErr)
			}
			return err
		}
		c.size += info.Size() - e.lengths[i]
		e.lengths[i] = info.Size()
	}

	c.redundantOps++
	e.editor = nil
	var journalErr error
	if e.readable || success {
		e.readable = true
		journalErr = c.writeJournalLocked(opClean, e.key, formatLengths(e.lengths)...)
	} else {
		elem := c.entries[e.key]
		delete(c.entries, e.key)
		c.lru.Remove(elem)
		journalErr = c.writeJournalLocked(opRemove, e.key)
	}
	if journalErr == nil {
		journalErr = c.journalOut.Flush()
	}
	if journalErr != nil {
		return journalErr
	}

	if c.size > c.maxSize {
		if err := c.trimToSizeLocked(); err != nil {
			return err
		}
	}
	if c.rebuildRequiredLocked() {
		if err := c.rebuildJournalLocked(); err != nil {
			return err
		}
	}
	return closeErr
}

func (c *Cache) removeEntryLocked(elem *list.Element) error {
	if elem == nil {
		return nil
	}
	e := elem.Value.(*entry)
	if e.editor != nil {
		e.editor.detachLocked()
		e.editor = nil
	}

	for i := 0; i < c.valueCount; i++ {
		if err := os.Remove(c.cleanPath(e.key, i)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("disklru: remove %s: %w", e.key, err)
		}
		c.size -= e.lengths[i]
		e.lengths[i] = 0
	}

	c.redundantOps++
	delete(c.entries, e.key)
	c.lru.Remove(elem)
	return c.writeJournalLocked(opRemove, e.key)
}

// trimToSizeLocked 按 LRU 顺序淘汰，跳过仍在编辑中的条目。
func (c *Cache) trimToSizeLocked() error {
	for c.size > c.maxSize {
		var victim *list.Element
		for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
			if elem.Value.(*entry).editor == nil {
				victim = elem
				break
			}
		}
		if victim == nil {
			return nil
		}
		key := victim.Value.(*entry).key
		if err := c.removeEntryLocked(victim); err != nil {
			return err
		}
		c.logger.WithFields(logrus.Fields{
			"action": "disklru_trim",
			"key":    key,
			"size":   c.size,
		}).Debug("disklru_evicted")
	}
	return nil
}

func (c *Cache) rebuildRequiredLocked() bool {
	return c.redundantOps >= redundantOpCompactThreshold && c.redundantOps >= len(c.entries)
}

func (c *Cache) path(name string) string {
	return filepath.Join(c.dir, name)
}

func (c *Cache) cleanPath(key string, index int) string {
	return filepath.Join(c.dir, key+"."+strconv.Itoa(index))
}

func (c *Cache) dirtyPath(key string, index int) string {
	return c.cleanPath(key, index) + ".tmp"
}

// wipe 删除目录中的所有内容，用于 journal 无法解析时重新初始化。
func (c *Cache) wipe() error {
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.size = 0
	c.redundantOps = 0

	items, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("disklru: read directory: %w", err)
	}
	for _, item := range items {
		if err := os.RemoveAll(filepath.Join(c.dir, item.Name())); err != nil {
			return fmt.Errorf("disklru: wipe directory: %w", err)
		}
	}
	return nil
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func formatLengths(lengths []int64) []string {
	out := make([]string, len(lengths))
	for i, l := range lengths {
		out[i] = strconv.FormatInt(l, 10)
	}
	return out
}

func removeQuietly(path string) {
	_ = os.Remove(path)
}
