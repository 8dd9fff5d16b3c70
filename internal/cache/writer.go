package cache

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netcache/netcache/internal/logging"
)

// DefaultDrainTimeout 是调用方提前关闭正文时，为补齐缓存而继续读取的最长时间。
const DefaultDrainTimeout = 100 * time.Millisecond

// CachingResponse 返回一个浅拷贝的响应，其正文在交付给调用方的同时写入 w。
// w 为 nil 时原样返回 resp。
func CachingResponse(resp *http.Response, w *PendingWrite, drainTimeout time.Duration, logger *logrus.Logger) *http.Response {
	if w == nil {
		return resp
	}
	out := *resp
	out.Body = NewCachingBody(resp.Body, w, drainTimeout, logger)
	return &out
}

// NewCachingBody 包装网络正文：
//   - 读到 EOF 时提交缓存；
//   - 读取出错时中止缓存并把错误原样返回；
//   - 未读完就 Close 时，在 drainTimeout 内读完剩余数据，否则中止。
func NewCachingBody(src io.ReadCloser, w *PendingWrite, drainTimeout time.Duration, logger *logrus.Logger) io.ReadCloser {
	if src == nil {
		src = http.NoBody
	}
	return &cachingBody{
		src:          src,
		pending:      w,
		drainTimeout: drainTimeout,
		logger:       logging.OrDiscard(logger),
	}
}

type cachingBody struct {
	src          io.ReadCloser
	pending      *PendingWrite
	drainTimeout time.Duration
	logger       *logrus.Logger
}

func (b *cachingBody) Read(p []byte) (int, error) {
	n, err := b.src.Read(p)
	if n > 0 && !b.pending.Done() {
		if _, werr := b.pending.Write(p[:n]); werr != nil && !errors.Is(werr, errWriteFinished) {
			// 缓存写失败不影响调用方继续读取网络数据。
			b.logger.WithError(werr).WithField("action", "cache_write").Debug("cache_write_failed")
			b.pending.Abort()
		}
	}

	switch {
	case errors.Is(err, io.EOF):
		if cerr := b.pending.Commit(); cerr != nil {
			b.logger.WithError(cerr).WithField("action", "cache_write").Warn("cache_commit_failed")
		}
	case err != nil:
		b.pending.Abort()
	}
	return n, err
}

func (b *cachingBody) Close() error {
	if !b.pending.Done() && !b.drain() {
		b.pending.Abort()
	}
	return b.src.Close()
}

// drain 在超时内把剩余正文读完，读到 EOF 时 Read 会完成提交。
func (b *cachingBody) drain() bool {
	if b.drainTimeout <= 0 {
		return false
	}

	result := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, b)
		result <- err
	}()

	timer := time.NewTimer(b.drainTimeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err == nil
	case <-timer.C:
		return false
	}
}
