package disklru

import (
	"errors"
	"io"
	"os"
)

// Snapshot 是 Get 时刻条目的只读视图。值文件在 Get 时已经打开，
// 之后的覆盖或删除不会影响已持有的快照。
type Snapshot struct {
	key     string
	files   []*os.File
	lengths []int64
}

// Key 返回快照对应的 key。
func (s *Snapshot) Key() string {
	return s.key
}

// Reader 返回第 index 个 value 的读取流。
func (s *Snapshot) Reader(index int) io.Reader {
	return s.files[index]
}

// Length 返回第 index 个 value 在提交时记录的字节数。
func (s *Snapshot) Length(index int) int64 {
	return s.lengths[index]
}

// Close 关闭全部文件句柄。
func (s *Snapshot) Close() error {
	var errs []error
	for _, f := range s.files {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
