package cache

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netcache/netcache/internal/disklru"
	"github.com/netcache/netcache/internal/logging"
)

const (
	// appVersion 写入 journal 头，格式变化时递增即可整体失效旧缓存。
	appVersion = 1

	metadataIndex = 0
	bodyIndex     = 1
	valueCount    = 2

	// DefaultMaxSize 是磁盘缓存默认容量（10 MiB）。
	DefaultMaxSize int64 = 10 * 1024 * 1024
)

// ErrNotFound 表示缓存不存在、无法匹配当前请求或元数据已损坏。
var ErrNotFound = errors.New("cache entry not found")

// Store 负责缓存记录的读写，调用方只依赖该接口以便在测试中替换实现。
type Store interface {
	// Get 返回与 req 匹配的缓存响应。未命中时返回 ErrNotFound。
	Get(key string, req *http.Request) (*CachedResponse, error)

	// Put 为响应打开一次写入：元数据立即落盘，正文通过 PendingWrite 流式写入。
	// 不可缓存（Vary: *、空 key、同 key 正在写入）时返回 nil, nil。
	Put(key string, req *http.Request, resp *http.Response, sentAt, receivedAt time.Time) (*PendingWrite, error)

	// Remove 删除单个缓存记录。
	Remove(key string) error

	// RemoveAll 清空全部缓存记录。
	RemoveAll() error

	Flush() error
	Close() error
	Stats() Stats
}

// CachedResponse 是一次缓存命中：重建的响应及其时间戳。
type CachedResponse struct {
	Response   *http.Response
	SentAt     time.Time
	ReceivedAt time.Time
}

// Stats 汇总写入计数与容量，计数只在进程重启时归零。
type Stats struct {
	WriteSuccess int   `json:"write_success"`
	WriteAbort   int   `json:"write_abort"`
	Size         int64 `json:"size"`
	MaxSize      int64 `json:"max_size"`
}

// Options 描述 DiskStore 的目录与容量。
type Options struct {
	Directory string
	MaxSize   int64
	Logger    *logrus.Logger
}

// DiskStore 基于 disklru 实现 Store，每条记录占用两个 slot：元数据与正文。
type DiskStore struct {
	lru    *disklru.Cache
	logger *logrus.Logger

	mu           sync.Mutex
	writeSuccess int
	writeAbort   int
}

// NewDiskStore 打开 opts.Directory 下的缓存，整个进程复用一份实例。
func NewDiskStore(opts Options) (*DiskStore, error) {
	if opts.Directory == "" {
		return nil, errors.New("storage path required")
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	logger := logging.OrDiscard(opts.Logger)

	lru, err := disklru.Open(disklru.Options{
		Directory:  opts.Directory,
		AppVersion: appVersion,
		ValueCount: valueCount,
		MaxSize:    maxSize,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	return &DiskStore{lru: lru, logger: logger}, nil
}

// Key 把任意缓存 key 映射为存储记录名（MD5 十六进制）。
func Key(cacheKey string) string {
	sum := md5.Sum([]byte(cacheKey))
	return hex.EncodeToString(sum[:])
}

func (s *DiskStore) Get(key string, req *http.Request) (*CachedResponse, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}

	snapshot, err := s.lru.Get(Key(key))
	if err != nil {
		if errors.Is(err, disklru.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read cache entry: %w", err)
	}

	entry, err := ReadEntry(snapshot.Reader(metadataIndex))
	if err != nil {
		snapshot.Close()
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action":    "cache_get",
			"cache_key": key,
		}).Warn("cache_entry_corrupt")
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	if !entry.Matches(req) {
		snapshot.Close()
		return nil, ErrNotFound
	}

	body := &snapshotBody{Reader: snapshot.Reader(bodyIndex), snapshot: snapshot}
	return &CachedResponse{
		Response:   entry.Response(req, body),
		SentAt:     entry.SentAt,
		ReceivedAt: entry.ReceivedAt,
	}, nil
}

func (s *DiskStore) Put(key string, req *http.Request, resp *http.Response, sentAt, receivedAt time.Time) (*PendingWrite, error) {
	if strings.TrimSpace(key) == "" {
		return nil, nil
	}
	if HasVaryAll(resp.Header) {
		return nil, nil
	}

	editor, err := s.lru.Edit(Key(key))
	if err != nil {
		if errors.Is(err, disklru.ErrEditInProgress) {
			s.logger.WithFields(logrus.Fields{
				"action":    "cache_put",
				"cache_key": key,
			}).Debug("cache_edit_busy")
			return nil, nil
		}
		return nil, fmt.Errorf("open cache editor: %w", err)
	}

	entry := NewEntry(req, resp, sentAt, receivedAt)
	if err := writeMetadata(editor, entry); err != nil {
		_ = editor.Abort()
		return nil, fmt.Errorf("write cache metadata: %w", err)
	}

	bodyOut, err := editor.NewWriter(bodyIndex)
	if err != nil {
		_ = editor.Abort()
		return nil, fmt.Errorf("open cache body: %w", err)
	}
	return &PendingWrite{
		store:  s,
		editor: editor,
		file:   bodyOut,
		out:    bufio.NewWriter(bodyOut),
	}, nil
}

func (s *DiskStore) Remove(key string) error {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	_, err := s.lru.Remove(Key(key))
	return err
}

func (s *DiskStore) RemoveAll() error {
	return s.lru.EvictAll()
}

func (s *DiskStore) Flush() error {
	return s.lru.Flush()
}

func (s *DiskStore) Close() error {
	return s.lru.Close()
}

// Delete 关闭缓存并删除全部缓存文件。
func (s *DiskStore) Delete() error {
	return s.lru.Delete()
}

// IsClosed 报告底层存储是否已关闭。
func (s *DiskStore) IsClosed() bool {
	return s.lru.IsClosed()
}

func (s *DiskStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		WriteSuccess: s.writeSuccess,
		WriteAbort:   s.writeAbort,
		Size:         s.lru.Size(),
		MaxSize:      s.lru.MaxSize(),
	}
}

// WriteSuccessCount 返回成功提交的写入次数。
func (s *DiskStore) WriteSuccessCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeSuccess
}

// WriteAbortCount 返回被中止的写入次数。
func (s *DiskStore) WriteAbortCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAbort
}

func writeMetadata(editor *disklru.Editor, entry *Entry) error {
	w, err := editor.NewWriter(metadataIndex)
	if err != nil {
		return err
	}
	if _, err := entry.WriteTo(w); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// snapshotBody 在正文读完关闭时释放整个快照。
type snapshotBody struct {
	io.Reader
	snapshot *disklru.Snapshot
}

func (b *snapshotBody) Close() error {
	return b.snapshot.Close()
}

// PendingWrite 是一条记录的正文写入句柄。Commit 与 Abort 互斥，且各自最多生效一次。
type PendingWrite struct {
	store  *DiskStore
	editor *disklru.Editor

	// wmu 串行化正文写入与收尾，done 由 store.mu 保护。
	wmu  sync.Mutex
	file io.WriteCloser
	out  *bufio.Writer
	done bool
}

var errWriteFinished = errors.New("cache write already finished")

// Write 把正文字节写入缓冲区，缓冲满时落盘。
func (w *PendingWrite) Write(p []byte) (int, error) {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if w.finished() {
		return 0, errWriteFinished
	}
	return w.out.Write(p)
}

// Commit 刷新正文并发布记录，计入一次成功写入。
func (w *PendingWrite) Commit() error {
	if !w.markDone(true) {
		return nil
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()

	flushErr := w.out.Flush()
	closeErr := w.file.Close()
	if err := errors.Join(flushErr, closeErr); err != nil {
		_ = w.editor.Abort()
		return fmt.Errorf("commit cache body: %w", err)
	}
	return w.editor.Commit()
}

// Abort 丢弃本次写入，计入一次中止。重复调用无副作用。
func (w *PendingWrite) Abort() {
	if !w.markDone(false) {
		return
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()

	_ = w.file.Close()
	_ = w.editor.Abort()
}

// Done 报告写入是否已经提交或中止。
func (w *PendingWrite) Done() bool {
	return w.finished()
}

func (w *PendingWrite) finished() bool {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	return w.done
}

func (w *PendingWrite) markDone(success bool) bool {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	if w.done {
		return false
	}
	w.done = true
	if success {
		w.store.writeSuccess++
	} else {
		w.store.writeAbort++
	}
	return true
}
